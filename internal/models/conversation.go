package models

import "time"

// ConversationStatus is the lifecycle state of a conversation
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "ACTIVE"
	ConversationClosed   ConversationStatus = "CLOSED"
	ConversationArchived ConversationStatus = "ARCHIVED"
)

// Conversation groups the messages of one chat thread
type Conversation struct {
	ID            string             `json:"id"` // conv_{uuid}
	TenantID      string             `json:"tenant_id"`
	BotID         string             `json:"bot_id"`
	UserID        string             `json:"user_id,omitempty"`
	Status        ConversationStatus `json:"status"`
	StartedAt     time.Time          `json:"started_at"`
	LastMessageAt time.Time          `json:"last_message_at"`
	MessageCount  int64              `json:"message_count"`
	Version       int64              `json:"version"`
}

// MessageRole identifies the author of a message
type MessageRole string

const (
	RoleUser      MessageRole = "USER"
	RoleAssistant MessageRole = "ASSISTANT"
	RoleSystem    MessageRole = "SYSTEM"
)

// Source cites a retrieved chunk used to answer a turn
type Source struct {
	DocumentID      string  `json:"document_id"`
	KnowledgeBaseID string  `json:"knowledge_base_id"`
	ChunkID         string  `json:"chunk_id"`
	ChunkIndex      int     `json:"chunk_index"`
	Title           string  `json:"title,omitempty"`
	Score           float64 `json:"score"`
	StartIndex      int     `json:"start_index"`
	EndIndex        int     `json:"end_index"`
}

// Message is an append-only entry in a conversation. Ordering is
// (CreatedAt, Sequence), strictly increasing per conversation.
type Message struct {
	ID             string      `json:"id"` // msg_{uuid}
	ConversationID string      `json:"conversation_id"`
	TenantID       string      `json:"tenant_id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"created_at"`
	Sequence       int64       `json:"sequence"`
	TokensUsed     int         `json:"tokens_used,omitempty"`
	Sources        []Source    `json:"sources,omitempty"`
	Mock           bool        `json:"mock,omitempty"`
}
