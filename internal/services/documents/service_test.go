package documents

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/common"
	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/models"
	"github.com/ternarybob/kbchat/internal/services/embeddings"
	"github.com/ternarybob/kbchat/internal/storage/badger"
)

func newTestService(t *testing.T) (*Service, *badger.Manager, *embeddings.Indexer) {
	t.Helper()
	return newTestServiceWith(t, embeddings.NewHashEmbedder(64))
}

func newTestServiceWith(t *testing.T, provider interfaces.EmbeddingProvider) (*Service, *badger.Manager, *embeddings.Indexer) {
	t.Helper()
	logger := arbor.NewLogger()
	storage, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir() + "/db"})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	ctx := context.Background()
	require.NoError(t, storage.TenantStorage().SaveTenant(ctx, &models.Tenant{ID: "acme"}))
	require.NoError(t, storage.BotStorage().SaveBot(ctx, &models.Bot{ID: "support", TenantID: "acme"}))

	indexer := embeddings.NewIndexer(provider, storage, embeddings.NewRegistry(), nil,
		&common.EmbeddingConfig{BatchSize: 16, Timeout: "1s"}, logger)
	svc := NewService(storage, NewNormalizer(logger), indexer, nil,
		common.ChunkingConfig{ChunkSize: 500, Overlap: 100}, logger)
	return svc, storage, indexer
}

// gatedEmbedder blocks the first Embed call after arm until release is closed
type gatedEmbedder struct {
	*embeddings.HashEmbedder
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (e *gatedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.armed.CompareAndSwap(true, false) {
		close(e.entered)
		<-e.release
	}
	return e.HashEmbedder.Embed(ctx, texts)
}

func TestCreateKnowledgeBaseDefaults(t *testing.T) {
	svc, storage, _ := newTestService(t)
	ctx := context.Background()

	kb, err := svc.CreateKnowledgeBase(ctx, "acme", &CreateKnowledgeBaseRequest{Name: " Support ", BotID: "support"})
	require.NoError(t, err)
	bot, err := storage.BotStorage().GetBot(ctx, "acme", "support")
	require.NoError(t, err)
	assert.Equal(t, []string{kb.ID}, bot.KnowledgeBaseIDs)
	assert.True(t, strings.HasPrefix(kb.ID, "kb_"))
	assert.Equal(t, "Support", kb.Name)
	assert.Equal(t, 500, kb.ChunkSize)
	assert.Equal(t, 100, kb.ChunkOverlap)
	assert.False(t, kb.Indexed())

	_, err = svc.CreateKnowledgeBase(ctx, "acme", &CreateKnowledgeBaseRequest{Name: "bad", ChunkSize: 50, ChunkOverlap: 50})
	assert.Equal(t, models.KindInvalidConfig, models.KindOf(err))

	_, err = svc.CreateKnowledgeBase(ctx, "globex", &CreateKnowledgeBaseRequest{Name: "x"})
	assert.Equal(t, models.KindTenantNotFound, models.KindOf(err))

	_, err = svc.CreateKnowledgeBase(ctx, "acme", &CreateKnowledgeBaseRequest{Name: "x", BotID: "ghost"})
	assert.Equal(t, models.KindBotNotFound, models.KindOf(err))
}

func TestIngestIndexesAndReplaces(t *testing.T) {
	svc, storage, indexer := newTestService(t)
	ctx := context.Background()

	kb, err := svc.CreateKnowledgeBase(ctx, "acme", &CreateKnowledgeBaseRequest{Name: "Docs", ChunkSize: 40, ChunkOverlap: 10})
	require.NoError(t, err)

	doc, err := svc.Ingest(ctx, "acme", kb.ID, &IngestRequest{
		Title:   "Returns",
		Type:    models.DocumentTypeMarkdown,
		Content: "# Returns\n\nItems can be returned within **thirty days** of delivery for a full refund.",
	})
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusActive, doc.Status)
	assert.Equal(t, 1, doc.Version)
	assert.Greater(t, doc.ChunkCount, 1)

	snapshot := indexer.Registry().Load("acme", kb.ID)
	require.NotNil(t, snapshot)
	assert.Equal(t, doc.ChunkCount, snapshot.Len())
	entry := snapshot.Entries()[0]
	assert.Equal(t, "Returns", entry.Chunk.Title())
	assert.Equal(t, "markdown", entry.Chunk.Metadata[models.ChunkMetaType])
	assert.NotContains(t, entry.Chunk.Content, "**")

	updated, err := svc.Ingest(ctx, "acme", kb.ID, &IngestRequest{DocumentID: doc.ID, Title: "Returns", Content: "Short."})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, 1, updated.ChunkCount)

	count, err := storage.ChunkStorage().CountChunks(ctx, "acme", kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTenantsMayReuseKnowledgeBaseAndDocumentIDs(t *testing.T) {
	svc, storage, indexer := newTestService(t)
	ctx := context.Background()
	require.NoError(t, storage.TenantStorage().SaveTenant(ctx, &models.Tenant{ID: "globex"}))

	_, err := svc.CreateKnowledgeBase(ctx, "acme", &CreateKnowledgeBaseRequest{ID: "shared", Name: "Acme"})
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, "acme", "shared", &IngestRequest{DocumentID: "doc1", Content: "Acme ships on Mondays."})
	require.NoError(t, err)

	_, err = svc.CreateKnowledgeBase(ctx, "globex", &CreateKnowledgeBaseRequest{ID: "shared", Name: "Globex"})
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, "globex", "shared", &IngestRequest{DocumentID: "doc1", Content: "Globex ships on Fridays."})
	require.NoError(t, err)

	kb, err := svc.GetKnowledgeBase(ctx, "acme", "shared")
	require.NoError(t, err)
	assert.Equal(t, "Acme", kb.Name)

	doc, err := svc.GetDocument(ctx, "acme", "doc1")
	require.NoError(t, err)
	assert.Equal(t, "Acme ships on Mondays.", doc.Content)
	assert.Equal(t, 1, doc.Version)

	acme := indexer.Registry().Load("acme", "shared")
	globex := indexer.Registry().Load("globex", "shared")
	require.Equal(t, 1, acme.Len())
	require.Equal(t, 1, globex.Len())
	assert.Contains(t, acme.Entries()[0].Chunk.Content, "Mondays")
	assert.NotEqual(t, acme.Entries()[0].Chunk.ID, globex.Entries()[0].Chunk.ID)

	// Deleting one tenant's document leaves the other's untouched
	require.NoError(t, svc.Delete(ctx, "globex", "doc1"))
	doc, err = svc.GetDocument(ctx, "acme", "doc1")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusActive, doc.Status)
	assert.True(t, indexer.Registry().Load("acme", "shared").HasDocument("doc1"))
}

func TestIngestValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	kb, err := svc.CreateKnowledgeBase(ctx, "acme", &CreateKnowledgeBaseRequest{Name: "Docs"})
	require.NoError(t, err)

	_, err = svc.Ingest(ctx, "acme", kb.ID, &IngestRequest{Type: "pdf", Content: "x"})
	assert.Equal(t, models.KindInvalidArgument, models.KindOf(err))

	_, err = svc.Ingest(ctx, "globex", kb.ID, &IngestRequest{Content: "x"})
	assert.Equal(t, models.KindKnowledgeBaseNotFound, models.KindOf(err))

	_, err = svc.Ingest(ctx, "acme", kb.ID, &IngestRequest{Type: models.DocumentTypeStructured, Content: "{broken"})
	assert.Equal(t, models.KindInvalidArgument, models.KindOf(err))
}

func TestIngestFailureRecordsFailedDocument(t *testing.T) {
	svc, storage, _ := newTestService(t)
	ctx := context.Background()
	kb, err := svc.CreateKnowledgeBase(ctx, "acme", &CreateKnowledgeBaseRequest{ID: "kb-old", Name: "Docs"})
	require.NoError(t, err)

	// Pretend the knowledge base was indexed by another model
	kb.EmbeddingModel = "openai/text-embedding-3-small@1536"
	kb.EmbeddingDimension = 1536
	require.NoError(t, storage.KnowledgeBaseStorage().SaveKnowledgeBase(ctx, kb))

	_, err = svc.Ingest(ctx, "acme", kb.ID, &IngestRequest{DocumentID: "doc-1", Content: "hello"})
	assert.Equal(t, models.KindModelMismatch, models.KindOf(err))

	doc, err := svc.GetDocument(ctx, "acme", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusFailed, doc.Status)
	assert.Zero(t, doc.Version)
}

func TestDeleteAndReclaim(t *testing.T) {
	svc, storage, indexer := newTestService(t)
	ctx := context.Background()
	kb, err := svc.CreateKnowledgeBase(ctx, "acme", &CreateKnowledgeBaseRequest{Name: "Docs"})
	require.NoError(t, err)

	keep, err := svc.Ingest(ctx, "acme", kb.ID, &IngestRequest{Content: "Office hours are nine to five."})
	require.NoError(t, err)
	drop, err := svc.Ingest(ctx, "acme", kb.ID, &IngestRequest{Content: "The old VPN client is retired."})
	require.NoError(t, err)

	assert.Equal(t, models.KindDocumentNotFound, models.KindOf(svc.Delete(ctx, "globex", drop.ID)))
	require.NoError(t, svc.Delete(ctx, "acme", drop.ID))
	require.NoError(t, svc.Delete(ctx, "acme", drop.ID))

	snapshot := indexer.Registry().Load("acme", kb.ID)
	assert.False(t, snapshot.HasDocument(drop.ID))
	assert.True(t, snapshot.HasDocument(keep.ID))

	// Chunks remain until reclaimed
	count, err := storage.ChunkStorage().CountChunks(ctx, "acme", kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	reclaimed, err := svc.Reclaim(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	count, err = storage.ChunkStorage().CountChunks(ctx, "acme", kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	again, err := svc.Reclaim(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, again)

	docs, err := svc.ListDocuments(ctx, "acme", kb.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, keep.ID, docs[0].ID)

	_, err = svc.Ingest(ctx, "acme", kb.ID, &IngestRequest{DocumentID: drop.ID, Content: "back again"})
	assert.Equal(t, models.KindDocumentNotFound, models.KindOf(err))
}

func TestDeleteDuringReplacementIsNotUndone(t *testing.T) {
	embedder := &gatedEmbedder{
		HashEmbedder: embeddings.NewHashEmbedder(64),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	svc, _, indexer := newTestServiceWith(t, embedder)
	ctx := context.Background()
	kb, err := svc.CreateKnowledgeBase(ctx, "acme", &CreateKnowledgeBaseRequest{Name: "Docs"})
	require.NoError(t, err)
	doc, err := svc.Ingest(ctx, "acme", kb.ID, &IngestRequest{Content: "The cafeteria opens at eight."})
	require.NoError(t, err)

	embedder.armed.Store(true)
	ingested := make(chan error, 1)
	go func() {
		_, err := svc.Ingest(ctx, "acme", kb.ID, &IngestRequest{DocumentID: doc.ID, Content: "The cafeteria opens at nine."})
		ingested <- err
	}()
	<-embedder.entered

	deleted := make(chan error, 1)
	go func() { deleted <- svc.Delete(ctx, "acme", doc.ID) }()

	// The delete waits for the replacement holding the document
	select {
	case err := <-deleted:
		t.Fatalf("delete finished while replacement was embedding: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(embedder.release)
	require.NoError(t, <-ingested)
	require.NoError(t, <-deleted)

	stored, err := svc.GetDocument(ctx, "acme", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusDeleted, stored.Status)
	assert.False(t, indexer.Registry().Load("acme", kb.ID).HasDocument(doc.ID))

	docs, err := svc.ListDocuments(ctx, "acme", kb.ID)
	require.NoError(t, err)
	assert.Empty(t, docs)
}
