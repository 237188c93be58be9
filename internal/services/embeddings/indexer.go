package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/kbchat/internal/common"
	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/models"
	"github.com/ternarybob/kbchat/internal/services/llm"
)

// Indexer embeds chunks and maintains the per knowledge base index. Writes
// to one knowledge base are serialized; readers always see a complete
// snapshot because persistence finishes before the new snapshot is published.
type Indexer struct {
	provider  interfaces.EmbeddingProvider
	storage   interfaces.StorageManager
	registry  *Registry
	events    interfaces.EventService
	limiter   *rate.Limiter
	retry     *llm.RetryConfig
	batchSize int
	timeout   time.Duration
	logger    arbor.ILogger
}

// NewIndexer creates an indexer. events may be nil.
func NewIndexer(
	provider interfaces.EmbeddingProvider,
	storage interfaces.StorageManager,
	registry *Registry,
	events interfaces.EventService,
	config *common.EmbeddingConfig,
	logger arbor.ILogger,
) *Indexer {
	batchSize := config.BatchSize
	if limit := provider.MaxBatch(); limit > 0 && (batchSize <= 0 || batchSize > limit) {
		batchSize = limit
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSec), 1)
	}

	return &Indexer{
		provider: provider,
		storage:  storage,
		registry: registry,
		events:   events,
		limiter:  limiter,
		retry: llm.NewRetryConfig(
			config.MaxRetries,
			common.ParseDuration(config.InitialBackoff, 0),
			common.ParseDuration(config.MaxBackoff, 0),
		),
		batchSize: batchSize,
		timeout:   common.ParseDuration(config.Timeout, 30*time.Second),
		logger:    logger,
	}
}

// Registry returns the snapshot registry maintained by this indexer
func (i *Indexer) Registry() *Registry { return i.registry }

// ModelID returns the identifier of the active embedding model
func (i *Indexer) ModelID() string { return i.provider.ModelID() }

// Dimension returns the vector size of the active embedding model
func (i *Indexer) Dimension() int { return i.provider.Dimension() }

// Index embeds chunks of one document and makes them searchable, replacing
// any chunks previously indexed for that document. On failure nothing is
// persisted and the published snapshot is unchanged.
func (i *Indexer) Index(ctx context.Context, tenantID, kbID, docID string, chunks []models.Chunk) error {
	if tenantID == "" || kbID == "" || docID == "" {
		return models.NewError(models.KindInvalidArgument, "tenant, knowledge base and document are required")
	}
	for idx := range chunks {
		c := &chunks[idx]
		if (c.TenantID != "" && c.TenantID != tenantID) || (c.KnowledgeBaseID != "" && c.KnowledgeBaseID != kbID) {
			return models.NewError(models.KindInvalidArgument, "chunk %d does not belong to knowledge base %s", idx, kbID)
		}
		if c.DocumentID != "" && c.DocumentID != docID {
			return models.NewError(models.KindInvalidArgument, "chunk %d does not belong to document %s", idx, docID)
		}
		if c.StartIndex < 0 || c.EndIndex <= c.StartIndex {
			return models.NewError(models.KindInvalidArgument, "chunk %d has invalid offsets [%d,%d)", idx, c.StartIndex, c.EndIndex)
		}
	}

	kb, err := i.knowledgeBase(ctx, tenantID, kbID)
	if err != nil {
		return err
	}
	if err := i.checkModel(kb); err != nil {
		return err
	}

	texts := make([]string, len(chunks))
	for idx := range chunks {
		texts[idx] = chunks[idx].Content
	}

	vectors, err := i.embedAll(ctx, texts)
	if err != nil {
		return err
	}

	items := make([]models.IndexedChunk, len(chunks))
	for idx, c := range chunks {
		c.TenantID = tenantID
		c.KnowledgeBaseID = kbID
		c.DocumentID = docID
		if c.ID == "" {
			c.ID = common.ChunkID(tenantID, docID, c.ChunkIndex)
		}
		items[idx] = i.pair(c, vectors[idx])
	}

	err = i.registry.Update(tenantID, kbID, func(current *Snapshot) (*Snapshot, error) {
		// Reload under the writer lock so concurrent writers see each other's version
		kb, err := i.knowledgeBase(ctx, tenantID, kbID)
		if err != nil {
			return nil, err
		}
		if err := i.checkModel(kb); err != nil {
			return nil, err
		}
		if err := i.checkDocument(ctx, tenantID, kbID, docID); err != nil {
			return nil, err
		}

		if err := i.storage.ChunkStorage().ReplaceDocumentChunks(ctx, tenantID, kbID, docID, items); err != nil {
			return nil, models.WrapError(models.KindIndexError, err, "persist chunks for document %s", docID)
		}

		if err := i.markIndexed(ctx, kb); err != nil {
			return nil, err
		}

		if current == nil {
			// First write since startup: the snapshot must include documents
			// already persisted for this knowledge base
			current, err = i.load(ctx, kb)
			if err != nil {
				return nil, err
			}
		}
		return current.withDocument(docID, kb.EmbeddingModel, kb.EmbeddingDimension, kb.IndexVersion, items), nil
	})
	if err != nil {
		return err
	}

	i.logger.Info().
		Str("tenant_id", tenantID).
		Str("knowledge_base_id", kbID).
		Str("document_id", docID).
		Int("chunks", len(items)).
		Str("model", i.provider.ModelID()).
		Msg("Document indexed")

	i.publish(ctx, interfaces.EventDocumentIndexed, map[string]interface{}{
		"tenant_id":         tenantID,
		"knowledge_base_id": kbID,
		"document_id":       docID,
		"chunks":            len(items),
	})
	return nil
}

// Reindex re-embeds every live chunk of a knowledge base with the current
// model, then swaps storage and snapshot in one step. Used after an embedding
// model change. The bulk of the embedding runs without the writer lock; the
// chunk set is read again under the lock and any chunk that appeared or
// changed meanwhile is embedded before the swap, so concurrent writes are kept.
func (i *Indexer) Reindex(ctx context.Context, tenantID, kbID string) (int, error) {
	kb, err := i.knowledgeBase(ctx, tenantID, kbID)
	if err != nil {
		return 0, err
	}

	existing, err := i.liveChunks(ctx, kb)
	if err != nil {
		return 0, err
	}
	embedded, err := i.embedChunks(ctx, existing)
	if err != nil {
		return 0, err
	}

	var items []models.IndexedChunk
	err = i.registry.Update(tenantID, kbID, func(*Snapshot) (*Snapshot, error) {
		kb, err := i.knowledgeBase(ctx, tenantID, kbID)
		if err != nil {
			return nil, err
		}
		latest, err := i.liveChunks(ctx, kb)
		if err != nil {
			return nil, err
		}
		if items, err = i.reconcile(ctx, latest, embedded); err != nil {
			return nil, err
		}

		if err := i.storage.ChunkStorage().ReplaceKnowledgeBaseChunks(ctx, tenantID, kbID, items); err != nil {
			return nil, models.WrapError(models.KindIndexError, err, "persist reindexed chunks")
		}
		if err := i.markIndexed(ctx, kb); err != nil {
			return nil, err
		}
		return NewSnapshot(tenantID, kbID, kb.EmbeddingModel, kb.EmbeddingDimension, kb.IndexVersion, items), nil
	})
	if err != nil {
		return 0, err
	}

	i.logger.Info().
		Str("tenant_id", tenantID).
		Str("knowledge_base_id", kbID).
		Int("chunks", len(items)).
		Str("model", i.provider.ModelID()).
		Msg("Knowledge base reindexed")

	i.publish(ctx, interfaces.EventKnowledgeBaseReindexed, map[string]interface{}{
		"tenant_id":         tenantID,
		"knowledge_base_id": kbID,
		"chunks":            len(items),
		"model":             i.provider.ModelID(),
	})
	return len(items), nil
}

func (i *Indexer) embedChunks(ctx context.Context, chunks []models.IndexedChunk) ([]models.IndexedChunk, error) {
	texts := make([]string, len(chunks))
	for idx := range chunks {
		texts[idx] = chunks[idx].Chunk.Content
	}
	vectors, err := i.embedAll(ctx, texts)
	if err != nil {
		return nil, err
	}

	items := make([]models.IndexedChunk, len(chunks))
	for idx := range chunks {
		items[idx] = i.pair(chunks[idx].Chunk, vectors[idx])
	}
	return items, nil
}

// reconcile pairs each latest chunk with its vector from embedded, embedding
// chunks that are new or whose content changed since embedded was built.
// Chunks missing from latest are dropped.
func (i *Indexer) reconcile(ctx context.Context, latest, embedded []models.IndexedChunk) ([]models.IndexedChunk, error) {
	byID := make(map[string]models.IndexedChunk, len(embedded))
	for _, item := range embedded {
		byID[item.Chunk.ID] = item
	}

	items := make([]models.IndexedChunk, len(latest))
	var stale []int
	for idx, item := range latest {
		prev, ok := byID[item.Chunk.ID]
		if !ok || prev.Chunk.Content != item.Chunk.Content {
			stale = append(stale, idx)
			continue
		}
		items[idx] = i.pair(item.Chunk, prev.Embedding.Vector)
	}
	if len(stale) == 0 {
		return items, nil
	}

	pending := make([]models.IndexedChunk, len(stale))
	for n, idx := range stale {
		pending[n] = latest[idx]
	}
	fresh, err := i.embedChunks(ctx, pending)
	if err != nil {
		return nil, err
	}
	for n, idx := range stale {
		items[idx] = fresh[n]
	}

	i.logger.Debug().
		Int("chunks", len(stale)).
		Msg("Embedded chunks written during reindex")
	return items, nil
}

// RemoveDocument publishes a snapshot without docID's chunks. Physical
// chunk deletion is left to the reclaim job.
func (i *Indexer) RemoveDocument(ctx context.Context, tenantID, kbID, docID string) error {
	return i.registry.Update(tenantID, kbID, func(current *Snapshot) (*Snapshot, error) {
		if current == nil {
			kb, err := i.knowledgeBase(ctx, tenantID, kbID)
			if err != nil {
				return nil, err
			}
			if !kb.Indexed() {
				return nil, nil
			}
			current, err = i.load(ctx, kb)
			if err != nil {
				return nil, err
			}
		}
		return current.withoutDocument(docID), nil
	})
}

// Warm loads a snapshot for every indexed knowledge base from storage
func (i *Indexer) Warm(ctx context.Context) error {
	kbs, err := i.storage.KnowledgeBaseStorage().ListAllKnowledgeBases(ctx)
	if err != nil {
		return fmt.Errorf("failed to list knowledge bases: %w", err)
	}

	loaded := 0
	for _, kb := range kbs {
		if !kb.Indexed() {
			continue
		}
		if kb.EmbeddingModel != i.provider.ModelID() {
			i.logger.Warn().
				Str("tenant_id", kb.TenantID).
				Str("knowledge_base_id", kb.ID).
				Str("indexed_model", kb.EmbeddingModel).
				Str("active_model", i.provider.ModelID()).
				Msg("Knowledge base indexed with a different embedding model - reindex required")
		}

		kb := kb
		err := i.registry.Update(kb.TenantID, kb.ID, func(*Snapshot) (*Snapshot, error) {
			return i.load(ctx, kb)
		})
		if err != nil {
			return err
		}
		loaded++
	}

	i.logger.Info().Int("knowledge_bases", loaded).Msg("Index snapshots loaded")
	return nil
}

// EmbedQuery embeds a single query string with the same pacing and retry as indexing
func (i *Indexer) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := i.embedAll(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (i *Indexer) load(ctx context.Context, kb *models.KnowledgeBase) (*Snapshot, error) {
	items, err := i.liveChunks(ctx, kb)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(kb.TenantID, kb.ID, kb.EmbeddingModel, kb.EmbeddingDimension, kb.IndexVersion, items), nil
}

// liveChunks returns persisted chunks except those of soft-deleted documents.
// A document's chunks are live as soon as they are persisted, before its
// record is saved by the ingest that wrote them.
func (i *Indexer) liveChunks(ctx context.Context, kb *models.KnowledgeBase) ([]models.IndexedChunk, error) {
	items, err := i.storage.ChunkStorage().ListKnowledgeBaseChunks(ctx, kb.TenantID, kb.ID)
	if err != nil {
		return nil, models.WrapError(models.KindIndexError, err, "load chunks for knowledge base %s", kb.ID)
	}
	docs, err := i.storage.DocumentStorage().ListDocuments(ctx, kb.TenantID, kb.ID, models.DocumentStatusDeleted)
	if err != nil {
		return nil, models.WrapError(models.KindIndexError, err, "load documents for knowledge base %s", kb.ID)
	}

	deleted := make(map[string]bool, len(docs))
	for _, d := range docs {
		deleted[d.ID] = true
	}

	filtered := items[:0]
	for _, item := range items {
		if !deleted[item.Chunk.DocumentID] {
			filtered = append(filtered, item)
		}
	}
	return filtered, nil
}

// checkDocument rejects writes for a document that was deleted
func (i *Indexer) checkDocument(ctx context.Context, tenantID, kbID, docID string) error {
	doc, err := i.storage.DocumentStorage().GetDocument(ctx, tenantID, docID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil
	}
	if err != nil {
		return models.WrapError(models.KindInternal, err, "load document %s", docID)
	}
	if doc.KnowledgeBaseID != kbID || doc.Status == models.DocumentStatusDeleted {
		return models.NewError(models.KindDocumentNotFound, "document %s not found", docID)
	}
	return nil
}

func (i *Indexer) knowledgeBase(ctx context.Context, tenantID, kbID string) (*models.KnowledgeBase, error) {
	kb, err := i.storage.KnowledgeBaseStorage().GetKnowledgeBase(ctx, tenantID, kbID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, models.NewError(models.KindKnowledgeBaseNotFound, "knowledge base %s not found", kbID)
	}
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "load knowledge base %s", kbID)
	}
	return kb, nil
}

// checkModel rejects writes that would mix embeddings of different models
func (i *Indexer) checkModel(kb *models.KnowledgeBase) error {
	if !kb.Indexed() {
		return nil
	}
	if kb.EmbeddingModel != i.provider.ModelID() || kb.EmbeddingDimension != i.provider.Dimension() {
		return models.NewError(models.KindModelMismatch,
			"knowledge base %s is indexed with %s, active model is %s: reindex required",
			kb.ID, kb.EmbeddingModel, i.provider.ModelID())
	}
	return nil
}

func (i *Indexer) markIndexed(ctx context.Context, kb *models.KnowledgeBase) error {
	kb.EmbeddingModel = i.provider.ModelID()
	kb.EmbeddingDimension = i.provider.Dimension()
	kb.IndexVersion++
	kb.UpdatedAt = time.Now()
	if err := i.storage.KnowledgeBaseStorage().SaveKnowledgeBase(ctx, kb); err != nil {
		return models.WrapError(models.KindIndexError, err, "update knowledge base %s", kb.ID)
	}
	return nil
}

func (i *Indexer) pair(chunk models.Chunk, vector []float32) models.IndexedChunk {
	return models.IndexedChunk{
		Chunk: chunk,
		Embedding: models.Embedding{
			ChunkID:   chunk.ID,
			ModelID:   i.provider.ModelID(),
			Dimension: len(vector),
			Vector:    vector,
		},
	}
}

// embedAll embeds texts in provider-sized batches, retrying each batch with
// bounded backoff. Any batch that still fails aborts the whole call.
func (i *Indexer) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += i.batchSize {
		end := start + i.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch, err := i.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (i *Indexer) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= i.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := i.retry.CalculateBackoff(attempt-1, llm.RetryAfterHint(lastErr))
			i.logger.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Embedding batch failed, retrying")
			if err := llm.Wait(ctx, backoff); err != nil {
				return nil, models.WrapError(models.KindCancelled, err, "embedding cancelled")
			}
		}

		if err := i.limiter.Wait(ctx); err != nil {
			return nil, models.WrapError(models.KindCancelled, err, "embedding cancelled")
		}

		callCtx, cancel := context.WithTimeout(ctx, i.timeout)
		vectors, err := i.provider.Embed(callCtx, texts)
		cancel()

		if err == nil {
			if verr := i.checkVectors(vectors, len(texts)); verr != nil {
				return nil, verr
			}
			return vectors, nil
		}

		if ctx.Err() != nil {
			return nil, models.WrapError(models.KindCancelled, ctx.Err(), "embedding cancelled")
		}
		lastErr = err

		var pe *llm.ProviderError
		if errors.As(err, &pe) && !pe.Retryable {
			break
		}
	}

	return nil, models.WrapError(models.KindIndexError, lastErr, "embedding provider failed for %d texts", len(texts))
}

func (i *Indexer) checkVectors(vectors [][]float32, expected int) error {
	if len(vectors) != expected {
		return models.NewError(models.KindIndexError, "provider returned %d vectors for %d texts", len(vectors), expected)
	}
	for idx, v := range vectors {
		if len(v) != i.provider.Dimension() {
			return models.NewError(models.KindIndexError,
				"vector %d has dimension %d, expected %d", idx, len(v), i.provider.Dimension())
		}
	}
	return nil
}

func (i *Indexer) publish(ctx context.Context, eventType interfaces.EventType, payload map[string]interface{}) {
	if i.events == nil {
		return
	}
	if err := i.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		i.logger.Warn().Err(err).Str("event", string(eventType)).Msg("Failed to publish event")
	}
}
