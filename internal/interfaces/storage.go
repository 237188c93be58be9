package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/kbchat/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist in its tenant scope
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is returned when a versioned write loses a race
	ErrVersionConflict = errors.New("version conflict")
)

// TenantStorage - persistence for tenants
type TenantStorage interface {
	SaveTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	ListTenants(ctx context.Context) ([]*models.Tenant, error)
}

// BotStorage - persistence for bot configurations
type BotStorage interface {
	SaveBot(ctx context.Context, bot *models.Bot) error
	// GetBot returns ErrNotFound when the bot does not exist or belongs to another tenant
	GetBot(ctx context.Context, tenantID, id string) (*models.Bot, error)
	ListBots(ctx context.Context, tenantID string) ([]*models.Bot, error)
}

// KnowledgeBaseStorage - persistence for knowledge bases
type KnowledgeBaseStorage interface {
	SaveKnowledgeBase(ctx context.Context, kb *models.KnowledgeBase) error
	// GetKnowledgeBase returns ErrNotFound when the knowledge base does not exist or belongs to another tenant
	GetKnowledgeBase(ctx context.Context, tenantID, id string) (*models.KnowledgeBase, error)
	ListKnowledgeBases(ctx context.Context, tenantID string) ([]*models.KnowledgeBase, error)
	ListAllKnowledgeBases(ctx context.Context) ([]*models.KnowledgeBase, error)
}

// DocumentStorage - persistence for raw documents
type DocumentStorage interface {
	SaveDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, tenantID, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, tenantID, kbID string, status models.DocumentStatus) ([]*models.Document, error)
	// ListDeletedUnreclaimed returns soft-deleted documents whose chunks still exist
	ListDeletedUnreclaimed(ctx context.Context, limit int) ([]*models.Document, error)
}

// ChunkStorage - persistence for chunk and embedding pairs. Every replace
// operation is a single atomic write: readers see the previous set or the new
// one, never a mix.
type ChunkStorage interface {
	// ReplaceDocumentChunks removes every chunk of the document and writes items in one transaction
	ReplaceDocumentChunks(ctx context.Context, tenantID, kbID, docID string, items []models.IndexedChunk) error

	// ReplaceKnowledgeBaseChunks swaps the whole chunk set of a knowledge base in one transaction
	ReplaceKnowledgeBaseChunks(ctx context.Context, tenantID, kbID string, items []models.IndexedChunk) error

	// ListKnowledgeBaseChunks returns every chunk of the knowledge base ordered by document and chunk index
	ListKnowledgeBaseChunks(ctx context.Context, tenantID, kbID string) ([]models.IndexedChunk, error)

	// DeleteDocumentChunks physically removes a document's chunks
	DeleteDocumentChunks(ctx context.Context, tenantID, kbID, docID string) (int, error)

	CountChunks(ctx context.Context, tenantID, kbID string) (int, error)
}

// VectorSearcher is implemented by chunk backends that rank by cosine
// similarity themselves. Score is the cosine similarity of query and chunk.
type VectorSearcher interface {
	SearchChunks(ctx context.Context, tenantID, kbID string, query []float32, limit int) ([]models.ScoredChunk, error)
}

// ConversationStorage - persistence for conversations and messages
type ConversationStorage interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	// GetConversation returns ErrNotFound when absent or owned by another tenant
	GetConversation(ctx context.Context, tenantID, id string) (*models.Conversation, error)

	// AppendMessages writes messages and the updated conversation when the stored
	// conversation version equals expectedVersion, otherwise ErrVersionConflict
	AppendMessages(ctx context.Context, conv *models.Conversation, expectedVersion int64, messages ...*models.Message) error

	// ListMessages returns the conversation's messages ordered by (CreatedAt, Sequence)
	ListMessages(ctx context.Context, tenantID, conversationID string) ([]*models.Message, error)

	UpdateConversationStatus(ctx context.Context, tenantID, id string, status models.ConversationStatus) error
	// ListIdleConversations returns non-archived conversations with no message since before
	ListIdleConversations(ctx context.Context, before time.Time, limit int) ([]*models.Conversation, error)
}

// UsageStorage - persistence for quota windows and the usage audit trail
type UsageStorage interface {
	// GetWindow returns the tenant's active window or ErrNotFound
	GetWindow(ctx context.Context, tenantID string) (*models.UsageWindow, error)

	// SaveWindow writes window when the stored version equals expectedVersion
	// (0 for a window that does not exist yet), otherwise ErrVersionConflict.
	// A non-nil archived window is written to history in the same transaction.
	SaveWindow(ctx context.Context, window *models.UsageWindow, expectedVersion int64, archived *models.UsageWindow) error

	ListWindowHistory(ctx context.Context, tenantID string) ([]*models.UsageWindow, error)
	AppendUsageRecord(ctx context.Context, record *models.UsageRecord) error
	ListUsageRecords(ctx context.Context, tenantID string, limit int) ([]*models.UsageRecord, error)
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	TenantStorage() TenantStorage
	BotStorage() BotStorage
	KnowledgeBaseStorage() KnowledgeBaseStorage
	DocumentStorage() DocumentStorage
	ChunkStorage() ChunkStorage
	ConversationStorage() ConversationStorage
	UsageStorage() UsageStorage
	Close() error
}
