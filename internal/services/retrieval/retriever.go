// Package retrieval ranks indexed chunks against a query by cosine similarity.
package retrieval

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/models"
	"github.com/ternarybob/kbchat/internal/services/embeddings"
)

// QueryEmbedder embeds a query with the active embedding model
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	ModelID() string
}

// Retriever searches published snapshots. It never takes a writer lock, so
// searches run concurrently with indexing and see either the old or the new
// snapshot of a knowledge base.
type Retriever struct {
	kbs      interfaces.KnowledgeBaseStorage
	embedder QueryEmbedder
	registry *embeddings.Registry
	searcher interfaces.VectorSearcher
	logger   arbor.ILogger
}

// NewRetriever creates a retriever
func NewRetriever(kbs interfaces.KnowledgeBaseStorage, embedder QueryEmbedder, registry *embeddings.Registry, logger arbor.ILogger) *Retriever {
	return &Retriever{kbs: kbs, embedder: embedder, registry: registry, logger: logger}
}

// WithSearcher ranks through a chunk backend that searches by similarity
// itself. Only chunks present in the published snapshot are returned; when
// the backend result cannot be reconciled with the snapshot the in-memory
// ranking is used instead.
func (r *Retriever) WithSearcher(searcher interfaces.VectorSearcher) *Retriever {
	r.searcher = searcher
	return r
}

// Retrieve returns up to k chunks of one knowledge base, best first
func (r *Retriever) Retrieve(ctx context.Context, tenantID, kbID, query string, k int) ([]models.ScoredChunk, error) {
	return r.RetrieveAll(ctx, tenantID, []string{kbID}, query, k)
}

// RetrieveAll returns up to k chunks across knowledge bases, best first.
// Knowledge bases that were never indexed contribute nothing.
func (r *Retriever) RetrieveAll(ctx context.Context, tenantID string, kbIDs []string, query string, k int) ([]models.ScoredChunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, models.NewError(models.KindInvalidArgument, "query must not be empty")
	}
	if k <= 0 {
		return nil, models.NewError(models.KindInvalidArgument, "k must be positive, got %d", k)
	}

	var snapshots []*embeddings.Snapshot
	for _, kbID := range kbIDs {
		snapshot, err := r.snapshot(ctx, tenantID, kbID)
		if err != nil {
			return nil, err
		}
		if snapshot.Len() > 0 {
			snapshots = append(snapshots, snapshot)
		}
	}
	if len(snapshots) == 0 {
		return []models.ScoredChunk{}, nil
	}

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(vector) != snapshots[0].Dimension {
		return nil, models.NewError(models.KindModelMismatch,
			"query vector has dimension %d, index has %d", len(vector), snapshots[0].Dimension)
	}

	var results []models.ScoredChunk
	for _, snapshot := range snapshots {
		results = append(results, r.rank(ctx, snapshot, tenantID, vector, k)...)
	}
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}

	r.logger.Debug().
		Str("tenant_id", tenantID).
		Int("knowledge_bases", len(kbIDs)).
		Int("results", len(results)).
		Msg("Retrieval complete")

	return results, nil
}

// snapshot resolves a tenant's knowledge base to its published snapshot
func (r *Retriever) snapshot(ctx context.Context, tenantID, kbID string) (*embeddings.Snapshot, error) {
	kb, err := r.kbs.GetKnowledgeBase(ctx, tenantID, kbID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, models.NewError(models.KindKnowledgeBaseNotFound, "knowledge base %s not found", kbID)
	}
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "load knowledge base %s", kbID)
	}
	if !kb.Indexed() {
		return nil, nil
	}

	snapshot := r.registry.Load(tenantID, kbID)
	modelID := kb.EmbeddingModel
	if snapshot != nil {
		modelID = snapshot.ModelID
	}
	if modelID != r.embedder.ModelID() {
		return nil, models.NewError(models.KindModelMismatch,
			"knowledge base %s is indexed with %s, active model is %s: reindex required",
			kbID, modelID, r.embedder.ModelID())
	}
	return snapshot, nil
}

func (r *Retriever) rank(ctx context.Context, snapshot *embeddings.Snapshot, tenantID string, vector []float32, k int) []models.ScoredChunk {
	if r.searcher != nil {
		if results, ok := r.search(ctx, snapshot, tenantID, vector, k); ok {
			return results
		}
	}
	return Rank(snapshot, tenantID, vector, k)
}

// search asks the backend for twice k candidates and keeps those the snapshot
// publishes with identical content. It reports false when the backend fails
// or when unpublished chunks, such as those of soft-deleted documents not yet
// reclaimed, leave fewer than k candidates while more may exist.
func (r *Retriever) search(ctx context.Context, snapshot *embeddings.Snapshot, tenantID string, vector []float32, k int) ([]models.ScoredChunk, bool) {
	limit := 2 * k
	found, err := r.searcher.SearchChunks(ctx, tenantID, snapshot.KnowledgeBaseID, vector, limit)
	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("tenant_id", tenantID).
			Str("knowledge_base_id", snapshot.KnowledgeBaseID).
			Msg("Vector search failed, ranking from snapshot")
		return nil, false
	}

	results := make([]models.ScoredChunk, 0, len(found))
	for _, candidate := range found {
		entry, ok := snapshot.Lookup(candidate.Chunk.ID)
		if !ok || entry.Chunk.TenantID != tenantID || entry.Chunk.Content != candidate.Chunk.Content {
			continue
		}
		results = append(results, models.ScoredChunk{Chunk: entry.Chunk, Score: candidate.Score})
	}
	if len(results) < k && len(found) == limit {
		return nil, false
	}

	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, true
}

// Rank scores every chunk of snapshot owned by tenantID and returns the best k.
// Ties are broken by chunk index then document ID so results are deterministic.
func Rank(snapshot *embeddings.Snapshot, tenantID string, query []float32, k int) []models.ScoredChunk {
	queryNorm := norm(query)

	entries := snapshot.Entries()
	results := make([]models.ScoredChunk, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		if e.Chunk.TenantID != tenantID {
			continue
		}
		results = append(results, models.ScoredChunk{
			Chunk: e.Chunk,
			Score: Cosine(query, e.Vector, queryNorm, e.Norm),
		})
	}

	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Cosine returns the cosine similarity of a and b given their norms. A zero
// vector has similarity 0 with everything.
func Cosine(a, b []float32, normA, normB float64) float64 {
	if normA == 0 || normB == 0 || len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (normA * normB)
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func sortResults(results []models.ScoredChunk) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Chunk.ChunkIndex != b.Chunk.ChunkIndex {
			return a.Chunk.ChunkIndex < b.Chunk.ChunkIndex
		}
		if a.Chunk.DocumentID != b.Chunk.DocumentID {
			return a.Chunk.DocumentID < b.Chunk.DocumentID
		}
		return a.Chunk.KnowledgeBaseID < b.Chunk.KnowledgeBaseID
	})
}
