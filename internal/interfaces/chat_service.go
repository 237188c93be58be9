package interfaces

import (
	"context"

	"github.com/ternarybob/kbchat/internal/models"
)

// ChatRequest is one incoming user turn
type ChatRequest struct {
	Message        string `json:"message" validate:"required,max=32000"`
	BotID          string `json:"botId" validate:"required"`
	ConversationID string `json:"conversationId,omitempty"`
}

// ChatMetadata describes how a turn was answered
type ChatMetadata struct {
	Provider         string              `json:"provider"`
	Model            string              `json:"model"`
	Mode             LLMMode             `json:"mode"`
	Mock             bool                `json:"mock"`
	TokensUsed       int                 `json:"tokensUsed"`
	PromptTokens     int                 `json:"promptTokens"`
	CompletionTokens int                 `json:"completionTokens"`
	Attempts         int                 `json:"attempts"`
	ContextChunks    int                 `json:"contextChunks"`
	HistoryMessages  int                 `json:"historyMessages"`
	Quota            *models.QuotaStatus `json:"quota,omitempty"`
}

// ChatResult is the successful outcome of a turn
type ChatResult struct {
	ConversationID string          `json:"conversationId"`
	Message        *models.Message `json:"message"`
	Sources        []models.Source `json:"sources"`
	Metadata       ChatMetadata    `json:"metadata"`
}

// ConversationView is a read-only conversation with its messages
type ConversationView struct {
	Conversation *models.Conversation `json:"conversation"`
	Messages     []*models.Message    `json:"messages"`
}

// ChatService runs chat turns for authenticated identities
type ChatService interface {
	Chat(ctx context.Context, identity models.Identity, req *ChatRequest) (*ChatResult, error)
	GetConversation(ctx context.Context, identity models.Identity, conversationID string) (*ConversationView, error)
	CloseConversation(ctx context.Context, identity models.Identity, conversationID string) error
	Mode() LLMMode
}

// Retriever returns the top-k chunks of a tenant's knowledge base for a query
type Retriever interface {
	Retrieve(ctx context.Context, tenantID, kbID, query string, k int) ([]models.ScoredChunk, error)

	// RetrieveAll merges results from several knowledge bases into one top-k list
	RetrieveAll(ctx context.Context, tenantID string, kbIDs []string, query string, k int) ([]models.ScoredChunk, error)
}

// QuotaGate admits or rejects provider calls per tenant
type QuotaGate interface {
	CheckAndReserve(ctx context.Context, tenantID string) (*Reservation, error)
	RecordUsage(ctx context.Context, reservation *Reservation, usage UsageMetadata) (*models.QuotaStatus, error)
	Release(ctx context.Context, reservation *Reservation) error
	Status(ctx context.Context, tenantID string) (*models.QuotaStatus, error)
}

// Reservation is an admitted, not yet reconciled quota unit
type Reservation struct {
	ID          string
	TenantID    string
	PeriodStart int64 // unix nanos of the window the unit was reserved in
	Status      models.QuotaStatus
}

// UsageMetadata describes a provider call for RecordUsage
type UsageMetadata struct {
	ConversationID   string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Success          bool
	Mock             bool
}
