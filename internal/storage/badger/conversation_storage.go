package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/models"
)

// ConversationStorage implements the ConversationStorage interface for Badger
type ConversationStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewConversationStorage creates a new ConversationStorage instance
func NewConversationStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ConversationStorage {
	return &ConversationStorage{db: db, logger: logger}
}

func (s *ConversationStorage) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" || conv.TenantID == "" {
		return fmt.Errorf("conversation ID and tenant ID are required")
	}
	conv.Version = 1
	if err := s.db.Store().Insert(conv.ID, conv); err != nil {
		if err == badgerhold.ErrKeyExists {
			return interfaces.ErrVersionConflict
		}
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *ConversationStorage) GetConversation(ctx context.Context, tenantID, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.Store().Get(id, &conv); err != nil {
		if notFound(err) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv.TenantID != tenantID {
		return nil, interfaces.ErrNotFound
	}
	return &conv, nil
}

func (s *ConversationStorage) AppendMessages(ctx context.Context, conv *models.Conversation, expectedVersion int64, messages ...*models.Message) error {
	next := *conv
	next.Version = expectedVersion + 1

	err := s.db.Update(func(tx *badger.Txn) error {
		var stored models.Conversation
		if err := s.db.Store().TxGet(tx, conv.ID, &stored); err != nil {
			if notFound(err) {
				return interfaces.ErrNotFound
			}
			return fmt.Errorf("failed to load conversation: %w", err)
		}
		if stored.TenantID != conv.TenantID {
			return interfaces.ErrNotFound
		}
		if stored.Version != expectedVersion {
			return interfaces.ErrVersionConflict
		}

		for _, msg := range messages {
			if msg.ConversationID != conv.ID || msg.TenantID != conv.TenantID {
				return fmt.Errorf("message %s does not belong to conversation %s", msg.ID, conv.ID)
			}
			if err := s.db.Store().TxInsert(tx, msg.ID, msg); err != nil {
				return fmt.Errorf("failed to save message: %w", err)
			}
		}
		return s.db.Store().TxUpsert(tx, next.ID, &next)
	})
	if err != nil {
		return err
	}

	conv.Version = next.Version
	return nil
}

func (s *ConversationStorage) ListMessages(ctx context.Context, tenantID, conversationID string) ([]*models.Message, error) {
	var messages []models.Message
	query := badgerhold.Where("ConversationID").Eq(conversationID).And("TenantID").Eq(tenantID)
	if err := s.db.Store().Find(&messages, query); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	result := make([]*models.Message, len(messages))
	for i := range messages {
		result[i] = &messages[i]
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].Sequence < result[j].Sequence
	})
	return result, nil
}

func (s *ConversationStorage) UpdateConversationStatus(ctx context.Context, tenantID, id string, status models.ConversationStatus) error {
	return s.db.Update(func(tx *badger.Txn) error {
		var conv models.Conversation
		if err := s.db.Store().TxGet(tx, id, &conv); err != nil {
			if notFound(err) {
				return interfaces.ErrNotFound
			}
			return fmt.Errorf("failed to load conversation: %w", err)
		}
		if conv.TenantID != tenantID {
			return interfaces.ErrNotFound
		}
		conv.Status = status
		conv.Version++
		return s.db.Store().TxUpsert(tx, conv.ID, &conv)
	})
}

func (s *ConversationStorage) ListIdleConversations(ctx context.Context, before time.Time, limit int) ([]*models.Conversation, error) {
	query := badgerhold.Where("Status").Ne(models.ConversationArchived).And("LastMessageAt").Lt(before)
	if limit > 0 {
		query = query.Limit(limit)
	}

	var convs []models.Conversation
	if err := s.db.Store().Find(&convs, query); err != nil {
		return nil, fmt.Errorf("failed to list idle conversations: %w", err)
	}
	result := make([]*models.Conversation, len(convs))
	for i := range convs {
		result[i] = &convs[i]
	}
	return result, nil
}
