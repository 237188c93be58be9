package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	EventConversationStarted    EventType = "conversation_started"
	EventUsageThreshold         EventType = "usage_threshold"
	EventDocumentIndexed        EventType = "document_indexed"
	EventDocumentDeleted        EventType = "document_deleted"
	EventKnowledgeBaseReindexed EventType = "knowledge_base_reindexed"
)

// AllEventTypes lists every event type published by the engine
var AllEventTypes = []EventType{
	EventConversationStarted,
	EventUsageThreshold,
	EventDocumentIndexed,
	EventDocumentDeleted,
	EventKnowledgeBaseReindexed,
}

// Event represents a system event
type Event struct {
	Type    EventType
	Payload map[string]interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers asynchronously. Handler failures are logged, never returned.
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
