package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/models"
)

// DocumentStorage implements the DocumentStorage interface for Badger
type DocumentStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewDocumentStorage creates a new DocumentStorage instance
func NewDocumentStorage(db *BadgerDB, logger arbor.ILogger) interfaces.DocumentStorage {
	return &DocumentStorage{
		db:     db,
		logger: logger,
	}
}

func (s *DocumentStorage) SaveDocument(ctx context.Context, doc *models.Document) error {
	if doc.ID == "" || doc.TenantID == "" {
		return fmt.Errorf("document ID and tenant ID are required")
	}

	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	if err := s.db.Store().Upsert(tenantKey(doc.TenantID, doc.ID), doc); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

func (s *DocumentStorage) GetDocument(ctx context.Context, tenantID, id string) (*models.Document, error) {
	var doc models.Document
	if err := s.db.Store().Get(tenantKey(tenantID, id), &doc); err != nil {
		if notFound(err) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

func (s *DocumentStorage) ListDocuments(ctx context.Context, tenantID, kbID string, status models.DocumentStatus) ([]*models.Document, error) {
	query := badgerhold.Where("TenantID").Eq(tenantID).And("KnowledgeBaseID").Eq(kbID)
	if status != "" {
		query = query.And("Status").Eq(status)
	}

	var docs []models.Document
	if err := s.db.Store().Find(&docs, query); err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return sortedDocuments(docs), nil
}

func (s *DocumentStorage) ListDeletedUnreclaimed(ctx context.Context, limit int) ([]*models.Document, error) {
	query := badgerhold.Where("Status").Eq(models.DocumentStatusDeleted).And("Reclaimed").Eq(false)
	if limit > 0 {
		query = query.Limit(limit)
	}

	var docs []models.Document
	if err := s.db.Store().Find(&docs, query); err != nil {
		return nil, fmt.Errorf("failed to list deleted documents: %w", err)
	}
	return sortedDocuments(docs), nil
}

func sortedDocuments(docs []models.Document) []*models.Document {
	result := make([]*models.Document, len(docs))
	for i := range docs {
		result[i] = &docs[i]
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}
