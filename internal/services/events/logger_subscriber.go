package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/interfaces"
)

// NewLoggerSubscriber creates an event handler that logs all events
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		logEvent := logger.Info().
			Str("event_type", string(event.Type))

		for _, key := range []string{"tenant_id", "conversation_id", "knowledge_base_id", "document_id", "bot_id"} {
			if value, ok := event.Payload[key].(string); ok && value != "" {
				logEvent = logEvent.Str(key, value)
			}
		}
		if pct, ok := event.Payload["percent"].(int); ok {
			logEvent = logEvent.Int("percent", pct)
		}

		logEvent.Msg("Event published")
		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	for _, eventType := range interfaces.AllEventTypes {
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Debug().
		Int("event_type_count", len(interfaces.AllEventTypes)).
		Msg("Logger subscribed to all event types")

	return nil
}
