package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/common"
	"github.com/ternarybob/kbchat/internal/models"
	"github.com/ternarybob/kbchat/internal/services/chunker"
	"github.com/ternarybob/kbchat/internal/services/llm"
	"github.com/ternarybob/kbchat/internal/storage/badger"
)

// flakyProvider fails the first failures calls, then delegates
type flakyProvider struct {
	*HashEmbedder
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (p *flakyProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.calls++
	fail := p.failures != 0
	if p.failures > 0 {
		p.failures--
	}
	p.mu.Unlock()
	if fail {
		return nil, p.err
	}
	return p.HashEmbedder.Embed(ctx, texts)
}

// gatedProvider blocks the first Embed call after arm until release is closed
type gatedProvider struct {
	*flakyProvider
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedProvider(dimension int) *gatedProvider {
	return &gatedProvider{
		flakyProvider: &flakyProvider{HashEmbedder: NewHashEmbedder(dimension)},
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (p *gatedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if p.armed.CompareAndSwap(true, false) {
		close(p.entered)
		<-p.release
	}
	return p.flakyProvider.Embed(ctx, texts)
}

func testConfig() *common.EmbeddingConfig {
	return &common.EmbeddingConfig{
		BatchSize:      2,
		MaxRetries:     2,
		InitialBackoff: "1ms",
		MaxBackoff:     "2ms",
		Timeout:        "1s",
	}
}

func newTestIndexer(t *testing.T, provider *flakyProvider) (*Indexer, *badger.Manager) {
	t.Helper()
	logger := arbor.NewLogger()
	storage, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir() + "/db"})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	require.NoError(t, storage.KnowledgeBaseStorage().SaveKnowledgeBase(context.Background(),
		&models.KnowledgeBase{ID: "kb", TenantID: "acme", ChunkSize: 50, ChunkOverlap: 10}))

	return NewIndexer(provider, storage, NewRegistry(), nil, testConfig(), logger), storage
}

func chunksOf(t *testing.T, text string) []models.Chunk {
	t.Helper()
	chunks, err := chunker.Chunk(text, 50, 10)
	require.NoError(t, err)
	return chunks
}

const guide = "Reset your password from the account page. Billing questions go to the finance team. " +
	"Shipping usually takes three business days within the country."

func TestHashEmbedderDeterministicUnitVectors(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, []string{"refund policy", "refund policy", "shipping times"})
	require.NoError(t, err)
	require.Len(t, a, 3)
	assert.Equal(t, a[0], a[1])
	assert.NotEqual(t, a[0], a[2])

	var norm float64
	for _, x := range a[0] {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
	assert.Len(t, a[0], 64)
	assert.Equal(t, "mock/feature-hash-v1@64", e.ModelID())
}

func TestIndexPublishesSnapshot(t *testing.T) {
	ctx := context.Background()
	provider := &flakyProvider{HashEmbedder: NewHashEmbedder(32)}
	indexer, storage := newTestIndexer(t, provider)

	chunks := chunksOf(t, guide)
	require.NoError(t, indexer.Index(ctx, "acme", "kb", "doc-1", chunks))

	snapshot := indexer.Registry().Load("acme", "kb")
	require.NotNil(t, snapshot)
	assert.Equal(t, len(chunks), snapshot.Len())
	assert.Equal(t, provider.ModelID(), snapshot.ModelID)
	assert.Equal(t, "acme", snapshot.Entries()[0].Chunk.TenantID)

	kb, err := storage.KnowledgeBaseStorage().GetKnowledgeBase(ctx, "acme", "kb")
	require.NoError(t, err)
	assert.Equal(t, provider.ModelID(), kb.EmbeddingModel)
	assert.Equal(t, int64(1), kb.IndexVersion)

	count, err := storage.ChunkStorage().CountChunks(ctx, "acme", "kb")
	require.NoError(t, err)
	assert.Equal(t, len(chunks), count)

	// Re-indexing the document replaces its chunks
	require.NoError(t, indexer.Index(ctx, "acme", "kb", "doc-1", chunksOf(t, "short text")))
	assert.Equal(t, 1, indexer.Registry().Load("acme", "kb").Len())
}

func TestIndexRetriesTransientFailures(t *testing.T) {
	provider := &flakyProvider{
		HashEmbedder: NewHashEmbedder(32),
		failures:     2,
		err:          &llm.ProviderError{Provider: "mock", StatusCode: 503, Retryable: true, Err: errors.New("unavailable")},
	}
	indexer, _ := newTestIndexer(t, provider)

	require.NoError(t, indexer.Index(context.Background(), "acme", "kb", "doc-1", chunksOf(t, guide)))
	assert.Greater(t, provider.calls, 2)
}

func TestIndexFailureLeavesIndexUnchanged(t *testing.T) {
	ctx := context.Background()
	provider := &flakyProvider{HashEmbedder: NewHashEmbedder(32)}
	indexer, storage := newTestIndexer(t, provider)
	require.NoError(t, indexer.Index(ctx, "acme", "kb", "doc-1", chunksOf(t, guide)))
	before := indexer.Registry().Load("acme", "kb")

	provider.failures = -1
	provider.err = &llm.ProviderError{Provider: "mock", StatusCode: 503, Retryable: true, Err: errors.New("down")}

	err := indexer.Index(ctx, "acme", "kb", "doc-2", chunksOf(t, "another document about refunds and returns"))
	require.Error(t, err)
	assert.Equal(t, models.KindIndexError, models.KindOf(err))

	assert.Same(t, before, indexer.Registry().Load("acme", "kb"))
	items, err := storage.ChunkStorage().ListKnowledgeBaseChunks(ctx, "acme", "kb")
	require.NoError(t, err)
	for _, item := range items {
		assert.Equal(t, "doc-1", item.Chunk.DocumentID)
	}
}

func TestIndexPermanentFailureIsNotRetried(t *testing.T) {
	provider := &flakyProvider{
		HashEmbedder: NewHashEmbedder(32),
		failures:     -1,
		err:          &llm.ProviderError{Provider: "mock", StatusCode: 401, Err: errors.New("bad key")},
	}
	indexer, _ := newTestIndexer(t, provider)

	err := indexer.Index(context.Background(), "acme", "kb", "doc-1", chunksOf(t, "hello"))
	assert.Equal(t, models.KindIndexError, models.KindOf(err))
	assert.Equal(t, 1, provider.calls)
}

func TestIndexRejectsModelChange(t *testing.T) {
	ctx := context.Background()
	indexer, storage := newTestIndexer(t, &flakyProvider{HashEmbedder: NewHashEmbedder(32)})
	require.NoError(t, indexer.Index(ctx, "acme", "kb", "doc-1", chunksOf(t, guide)))
	require.NoError(t, storage.DocumentStorage().SaveDocument(ctx, &models.Document{
		ID: "doc-1", TenantID: "acme", KnowledgeBaseID: "kb", Status: models.DocumentStatusActive,
	}))

	changed := NewIndexer(&flakyProvider{HashEmbedder: NewHashEmbedder(16)}, storage, indexer.Registry(), nil, testConfig(), arbor.NewLogger())
	err := changed.Index(ctx, "acme", "kb", "doc-2", chunksOf(t, "new content"))
	assert.Equal(t, models.KindModelMismatch, models.KindOf(err))

	count, err := changed.Reindex(ctx, "acme", "kb")
	require.NoError(t, err)
	assert.Equal(t, len(chunksOf(t, guide)), count)

	snapshot := changed.Registry().Load("acme", "kb")
	assert.Equal(t, changed.ModelID(), snapshot.ModelID)
	assert.Len(t, snapshot.Entries()[0].Vector, 16)
	require.NoError(t, changed.Index(ctx, "acme", "kb", "doc-2", chunksOf(t, "new content")))
}

func TestIndexUnknownKnowledgeBase(t *testing.T) {
	indexer, _ := newTestIndexer(t, &flakyProvider{HashEmbedder: NewHashEmbedder(8)})

	err := indexer.Index(context.Background(), "globex", "kb", "doc-1", chunksOf(t, "hello"))
	assert.Equal(t, models.KindKnowledgeBaseNotFound, models.KindOf(err))
}

func TestRemoveDocumentAndWarm(t *testing.T) {
	ctx := context.Background()
	provider := &flakyProvider{HashEmbedder: NewHashEmbedder(32)}
	indexer, storage := newTestIndexer(t, provider)

	for _, id := range []string{"doc-1", "doc-2"} {
		require.NoError(t, indexer.Index(ctx, "acme", "kb", id, chunksOf(t, guide)))
		require.NoError(t, storage.DocumentStorage().SaveDocument(ctx, &models.Document{
			ID: id, TenantID: "acme", KnowledgeBaseID: "kb", Status: models.DocumentStatusActive,
		}))
	}

	require.NoError(t, indexer.RemoveDocument(ctx, "acme", "kb", "doc-1"))
	snapshot := indexer.Registry().Load("acme", "kb")
	assert.False(t, snapshot.HasDocument("doc-1"))
	assert.True(t, snapshot.HasDocument("doc-2"))

	doc, err := storage.DocumentStorage().GetDocument(ctx, "acme", "doc-1")
	require.NoError(t, err)
	doc.Status = models.DocumentStatusDeleted
	require.NoError(t, storage.DocumentStorage().SaveDocument(ctx, doc))

	// A fresh registry rebuilt from storage skips soft-deleted documents
	fresh := NewIndexer(provider, storage, NewRegistry(), nil, testConfig(), arbor.NewLogger())
	require.NoError(t, fresh.Warm(ctx))
	warmed := fresh.Registry().Load("acme", "kb")
	require.NotNil(t, warmed)
	assert.False(t, warmed.HasDocument("doc-1"))
	assert.Equal(t, snapshot.Len(), warmed.Len())
}

func TestConcurrentIndexingKeepsEveryDocument(t *testing.T) {
	ctx := context.Background()
	indexer, _ := newTestIndexer(t, &flakyProvider{HashEmbedder: NewHashEmbedder(16)})

	const docs = 10
	var wg sync.WaitGroup
	for i := 0; i < docs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := fmt.Sprintf("document number %d talks about topic %d", i, i*7)
			assert.NoError(t, indexer.Index(ctx, "acme", "kb", fmt.Sprintf("doc-%02d", i), chunksOf(t, text)))
		}(i)
	}
	wg.Wait()

	snapshot := indexer.Registry().Load("acme", "kb")
	for i := 0; i < docs; i++ {
		assert.True(t, snapshot.HasDocument(fmt.Sprintf("doc-%02d", i)))
	}
}

func TestIndexRejectsForeignChunks(t *testing.T) {
	indexer, _ := newTestIndexer(t, &flakyProvider{HashEmbedder: NewHashEmbedder(8)})
	chunks := chunksOf(t, "hello world")
	chunks[0].TenantID = "globex"

	err := indexer.Index(context.Background(), "acme", "kb", "doc-1", chunks)
	assert.Equal(t, models.KindInvalidArgument, models.KindOf(err))
}

func TestReindexKeepsDocumentsWrittenWhileEmbedding(t *testing.T) {
	ctx := context.Background()
	logger := arbor.NewLogger()
	storage, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir() + "/db"})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })
	require.NoError(t, storage.KnowledgeBaseStorage().SaveKnowledgeBase(ctx,
		&models.KnowledgeBase{ID: "kb", TenantID: "acme", ChunkSize: 50, ChunkOverlap: 10}))

	provider := newGatedProvider(16)
	config := testConfig()
	config.BatchSize = 64
	indexer := NewIndexer(provider, storage, NewRegistry(), nil, config, logger)

	for _, id := range []string{"doc-1", "doc-3"} {
		require.NoError(t, indexer.Index(ctx, "acme", "kb", id, chunksOf(t, guide)))
		require.NoError(t, storage.DocumentStorage().SaveDocument(ctx, &models.Document{
			ID: id, TenantID: "acme", KnowledgeBaseID: "kb", Status: models.DocumentStatusActive,
		}))
	}

	provider.armed.Store(true)
	type result struct {
		count int
		err   error
	}
	done := make(chan result, 1)
	go func() {
		count, err := indexer.Reindex(ctx, "acme", "kb")
		done <- result{count, err}
	}()
	<-provider.entered

	// While the reindex embeds its first pass: doc-2 is indexed, doc-3 is
	// deleted and doc-1 is replaced with new content
	doc2 := chunksOf(t, "Refunds are issued to the original payment method.")
	require.NoError(t, indexer.Index(ctx, "acme", "kb", "doc-2", doc2))

	doc3, err := storage.DocumentStorage().GetDocument(ctx, "acme", "doc-3")
	require.NoError(t, err)
	doc3.Status = models.DocumentStatusDeleted
	require.NoError(t, storage.DocumentStorage().SaveDocument(ctx, doc3))
	require.NoError(t, indexer.RemoveDocument(ctx, "acme", "kb", "doc-3"))

	doc1 := chunksOf(t, "Passwords reset by email.")
	require.NoError(t, indexer.Index(ctx, "acme", "kb", "doc-1", doc1))

	close(provider.release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, len(doc1)+len(doc2), res.count)

	snapshot := indexer.Registry().Load("acme", "kb")
	assert.True(t, snapshot.HasDocument("doc-2"))
	assert.False(t, snapshot.HasDocument("doc-3"))
	assert.Equal(t, res.count, snapshot.Len())

	want := make(map[string]bool)
	for _, c := range append(doc1, doc2...) {
		want[c.Content] = true
	}
	for _, entry := range snapshot.Entries() {
		assert.True(t, want[entry.Chunk.Content], "unexpected chunk %q", entry.Chunk.Content)
		expected, err := provider.HashEmbedder.Embed(ctx, []string{entry.Chunk.Content})
		require.NoError(t, err)
		assert.Equal(t, expected[0], entry.Vector)
	}

	count, err := storage.ChunkStorage().CountChunks(ctx, "acme", "kb")
	require.NoError(t, err)
	assert.Equal(t, res.count, count)
}

func TestIndexRejectsDeletedDocument(t *testing.T) {
	ctx := context.Background()
	indexer, storage := newTestIndexer(t, &flakyProvider{HashEmbedder: NewHashEmbedder(8)})
	require.NoError(t, storage.DocumentStorage().SaveDocument(ctx, &models.Document{
		ID: "doc-1", TenantID: "acme", KnowledgeBaseID: "kb", Status: models.DocumentStatusDeleted,
	}))

	err := indexer.Index(ctx, "acme", "kb", "doc-1", chunksOf(t, "hello world"))
	assert.Equal(t, models.KindDocumentNotFound, models.KindOf(err))
	assert.Nil(t, indexer.Registry().Load("acme", "kb"))

	count, err := storage.ChunkStorage().CountChunks(ctx, "acme", "kb")
	require.NoError(t, err)
	assert.Zero(t, count)
}
