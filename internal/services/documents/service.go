package documents

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/common"
	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/models"
	"github.com/ternarybob/kbchat/internal/services/chunker"
	"github.com/ternarybob/kbchat/internal/services/embeddings"
)

// CreateKnowledgeBaseRequest describes a new knowledge base. Zero chunking
// values fall back to the configured defaults.
type CreateKnowledgeBaseRequest struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name" validate:"required,max=200"`
	BotID        string `json:"botId,omitempty"`
	ChunkSize    int    `json:"chunkSize,omitempty" validate:"gte=0"`
	ChunkOverlap int    `json:"chunkOverlap,omitempty" validate:"gte=0"`
}

// IngestRequest is raw content to add to or replace in a knowledge base.
// A DocumentID of an existing document replaces its content.
type IngestRequest struct {
	DocumentID string              `json:"documentId,omitempty"`
	Title      string              `json:"title" validate:"max=500"`
	Type       models.DocumentType `json:"type"`
	Content    string              `json:"content" validate:"required"`
}

// Service owns the document lifecycle: normalize, chunk, index, soft delete
// and reclaim.
type Service struct {
	storage    interfaces.StorageManager
	normalizer *Normalizer
	indexer    *embeddings.Indexer
	events     interfaces.EventService
	chunking   common.ChunkingConfig
	logger     arbor.ILogger
	docLocks   sync.Map // tenant/document -> *sync.Mutex
}

// NewService creates a new document service. events may be nil.
func NewService(
	storage interfaces.StorageManager,
	normalizer *Normalizer,
	indexer *embeddings.Indexer,
	events interfaces.EventService,
	chunking common.ChunkingConfig,
	logger arbor.ILogger,
) *Service {
	return &Service{
		storage:    storage,
		normalizer: normalizer,
		indexer:    indexer,
		events:     events,
		chunking:   chunking,
		logger:     logger,
	}
}

// CreateKnowledgeBase registers a knowledge base for a tenant
func (s *Service) CreateKnowledgeBase(ctx context.Context, tenantID string, req *CreateKnowledgeBaseRequest) (*models.KnowledgeBase, error) {
	if _, err := s.storage.TenantStorage().GetTenant(ctx, tenantID); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, models.NewError(models.KindTenantNotFound, "tenant %s not found", tenantID)
		}
		return nil, models.WrapError(models.KindInternal, err, "load tenant %s", tenantID)
	}
	var bot *models.Bot
	if req.BotID != "" {
		var err error
		if bot, err = s.storage.BotStorage().GetBot(ctx, tenantID, req.BotID); err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				return nil, models.NewError(models.KindBotNotFound, "bot %s not found", req.BotID)
			}
			return nil, models.WrapError(models.KindInternal, err, "load bot %s", req.BotID)
		}
	}

	size, overlap := req.ChunkSize, req.ChunkOverlap
	if size == 0 {
		size = s.chunking.ChunkSize
		if overlap == 0 {
			overlap = s.chunking.Overlap
		}
	}
	if err := chunker.Validate(size, overlap); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = common.NewKnowledgeBaseID()
	} else if _, err := s.storage.KnowledgeBaseStorage().GetKnowledgeBase(ctx, tenantID, id); err == nil {
		return nil, models.NewError(models.KindInvalidArgument, "knowledge base %s already exists", id)
	}

	now := time.Now()
	kb := &models.KnowledgeBase{
		ID:           id,
		TenantID:     tenantID,
		BotID:        req.BotID,
		Name:         strings.TrimSpace(req.Name),
		ChunkSize:    size,
		ChunkOverlap: overlap,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.storage.KnowledgeBaseStorage().SaveKnowledgeBase(ctx, kb); err != nil {
		return nil, models.WrapError(models.KindInternal, err, "save knowledge base")
	}

	// The bot retrieves from every knowledge base it lists
	if bot != nil && !bot.HasKnowledgeBase(kb.ID) {
		bot.KnowledgeBaseIDs = append(bot.KnowledgeBaseIDs, kb.ID)
		if err := s.storage.BotStorage().SaveBot(ctx, bot); err != nil {
			return nil, models.WrapError(models.KindInternal, err, "link knowledge base %s to bot %s", kb.ID, bot.ID)
		}
	}

	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("knowledge_base_id", kb.ID).
		Int("chunk_size", size).
		Int("overlap", overlap).
		Msg("Knowledge base created")

	return kb, nil
}

// GetKnowledgeBase returns a tenant's knowledge base
func (s *Service) GetKnowledgeBase(ctx context.Context, tenantID, kbID string) (*models.KnowledgeBase, error) {
	kb, err := s.storage.KnowledgeBaseStorage().GetKnowledgeBase(ctx, tenantID, kbID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, models.NewError(models.KindKnowledgeBaseNotFound, "knowledge base %s not found", kbID)
	}
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "load knowledge base %s", kbID)
	}
	return kb, nil
}

// Ingest normalizes, chunks and indexes content. The document record is
// saved only after its chunks are searchable; a failed first ingest is kept
// with status FAILED.
func (s *Service) Ingest(ctx context.Context, tenantID, kbID string, req *IngestRequest) (*models.Document, error) {
	kb, err := s.GetKnowledgeBase(ctx, tenantID, kbID)
	if err != nil {
		return nil, err
	}

	docType := req.Type
	if docType == "" {
		docType = models.DocumentTypeText
	}
	if !docType.Valid() {
		return nil, models.NewError(models.KindInvalidArgument, "unsupported document type %q", docType)
	}

	if req.DocumentID != "" {
		// Replacing an existing document must not interleave with its deletion
		unlock := s.lockDocument(tenantID, req.DocumentID)
		defer unlock()
	}

	doc, err := s.existingOrNew(ctx, tenantID, kb, req.DocumentID)
	if err != nil {
		return nil, err
	}
	doc.Title = req.Title
	doc.Type = docType
	doc.Content = req.Content

	normalized, err := s.normalizer.Normalize(docType, req.Content)
	if err != nil {
		return nil, err
	}

	chunks, err := chunker.Chunk(normalized, kb.ChunkSize, kb.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		chunks[i].ID = common.ChunkID(tenantID, doc.ID, chunks[i].ChunkIndex)
		chunks[i].DocumentID = doc.ID
		chunks[i].KnowledgeBaseID = kb.ID
		chunks[i].TenantID = tenantID
		chunks[i].Metadata = map[string]string{
			models.ChunkMetaTitle: doc.Title,
			models.ChunkMetaType:  string(docType),
		}
	}

	if err := s.indexer.Index(ctx, tenantID, kb.ID, doc.ID, chunks); err != nil {
		s.logger.Error().
			Err(err).
			Str("tenant_id", tenantID).
			Str("knowledge_base_id", kb.ID).
			Str("document_id", doc.ID).
			Msg("Document indexing failed")
		if doc.Version == 0 {
			doc.Status = models.DocumentStatusFailed
			if saveErr := s.storage.DocumentStorage().SaveDocument(ctx, doc); saveErr != nil {
				s.logger.Warn().Err(saveErr).Str("document_id", doc.ID).Msg("Failed to record failed document")
			}
		}
		return nil, err
	}

	doc.Status = models.DocumentStatusActive
	doc.Version++
	doc.ChunkCount = len(chunks)
	if err := s.storage.DocumentStorage().SaveDocument(ctx, doc); err != nil {
		return nil, models.WrapError(models.KindInternal, err, "save document %s", doc.ID)
	}

	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("knowledge_base_id", kb.ID).
		Str("document_id", doc.ID).
		Int("version", doc.Version).
		Int("chunks", doc.ChunkCount).
		Msg("Document ingested")

	return doc, nil
}

func (s *Service) existingOrNew(ctx context.Context, tenantID string, kb *models.KnowledgeBase, docID string) (*models.Document, error) {
	if docID != "" {
		doc, err := s.storage.DocumentStorage().GetDocument(ctx, tenantID, docID)
		switch {
		case err == nil:
			if doc.KnowledgeBaseID != kb.ID || doc.Status == models.DocumentStatusDeleted {
				return nil, models.NewError(models.KindDocumentNotFound, "document %s not found", docID)
			}
			return doc, nil
		case !errors.Is(err, interfaces.ErrNotFound):
			return nil, models.WrapError(models.KindInternal, err, "load document %s", docID)
		}
	} else {
		docID = common.NewDocumentID()
	}

	return &models.Document{
		ID:              docID,
		TenantID:        tenantID,
		KnowledgeBaseID: kb.ID,
	}, nil
}

// GetDocument returns a tenant's document, including soft-deleted ones
func (s *Service) GetDocument(ctx context.Context, tenantID, docID string) (*models.Document, error) {
	doc, err := s.storage.DocumentStorage().GetDocument(ctx, tenantID, docID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, models.NewError(models.KindDocumentNotFound, "document %s not found", docID)
	}
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "load document %s", docID)
	}
	return doc, nil
}

// ListDocuments returns the active documents of a knowledge base
func (s *Service) ListDocuments(ctx context.Context, tenantID, kbID string) ([]*models.Document, error) {
	if _, err := s.GetKnowledgeBase(ctx, tenantID, kbID); err != nil {
		return nil, err
	}
	docs, err := s.storage.DocumentStorage().ListDocuments(ctx, tenantID, kbID, models.DocumentStatusActive)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "list documents")
	}
	return docs, nil
}

// Delete soft-deletes a document. Its chunks leave the published index
// immediately and are physically removed later by Reclaim.
func (s *Service) Delete(ctx context.Context, tenantID, docID string) error {
	unlock := s.lockDocument(tenantID, docID)
	defer unlock()

	doc, err := s.GetDocument(ctx, tenantID, docID)
	if err != nil {
		return err
	}
	if doc.Status == models.DocumentStatusDeleted {
		return nil
	}

	now := time.Now()
	doc.Status = models.DocumentStatusDeleted
	doc.DeletedAt = &now
	if err := s.storage.DocumentStorage().SaveDocument(ctx, doc); err != nil {
		return models.WrapError(models.KindInternal, err, "delete document %s", docID)
	}

	if err := s.indexer.RemoveDocument(ctx, tenantID, doc.KnowledgeBaseID, doc.ID); err != nil {
		return err
	}

	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("knowledge_base_id", doc.KnowledgeBaseID).
		Str("document_id", doc.ID).
		Msg("Document deleted")

	if s.events != nil {
		event := interfaces.Event{
			Type: interfaces.EventDocumentDeleted,
			Payload: map[string]interface{}{
				"tenant_id":         tenantID,
				"knowledge_base_id": doc.KnowledgeBaseID,
				"document_id":       doc.ID,
			},
		}
		if err := s.events.Publish(ctx, event); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to publish document deleted event")
		}
	}
	return nil
}

func (s *Service) lockDocument(tenantID, docID string) func() {
	value, _ := s.docLocks.LoadOrStore(tenantID+"/"+docID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Reclaim physically removes chunks of up to limit soft-deleted documents
// and returns how many documents were processed
func (s *Service) Reclaim(ctx context.Context, limit int) (int, error) {
	docs, err := s.storage.DocumentStorage().ListDeletedUnreclaimed(ctx, limit)
	if err != nil {
		return 0, models.WrapError(models.KindInternal, err, "list deleted documents")
	}

	reclaimed := 0
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}

		removed, err := s.storage.ChunkStorage().DeleteDocumentChunks(ctx, doc.TenantID, doc.KnowledgeBaseID, doc.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("document_id", doc.ID).Msg("Failed to reclaim document chunks")
			continue
		}

		doc.Reclaimed = true
		if err := s.storage.DocumentStorage().SaveDocument(ctx, doc); err != nil {
			s.logger.Warn().Err(err).Str("document_id", doc.ID).Msg("Failed to mark document reclaimed")
			continue
		}

		s.logger.Debug().
			Str("tenant_id", doc.TenantID).
			Str("document_id", doc.ID).
			Int("chunks", removed).
			Msg("Document chunks reclaimed")
		reclaimed++
	}
	return reclaimed, nil
}
