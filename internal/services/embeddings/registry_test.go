package embeddings

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/kbchat/internal/models"
)

func snapshotItem(docID, chunkID string, index int) models.IndexedChunk {
	return models.IndexedChunk{
		Chunk:     models.Chunk{ID: chunkID, DocumentID: docID, ChunkIndex: index, Content: chunkID},
		Embedding: models.Embedding{ChunkID: chunkID, Vector: []float32{3, 4}},
	}
}

func TestRegistryUpdatePublishesOnlyOnSuccess(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Load("acme", "kb"))

	first := NewSnapshot("", "", "m", 2, 1, []models.IndexedChunk{snapshotItem("doc-1", "c1", 0)})
	require.NoError(t, r.Update("acme", "kb", func(current *Snapshot) (*Snapshot, error) {
		assert.Nil(t, current)
		return first, nil
	}))
	loaded := r.Load("acme", "kb")
	assert.Same(t, first, loaded)
	assert.Equal(t, "acme", loaded.TenantID)
	assert.Equal(t, "kb", loaded.KnowledgeBaseID)

	boom := errors.New("boom")
	err := r.Update("acme", "kb", func(current *Snapshot) (*Snapshot, error) {
		return current.withoutDocument("doc-1"), boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Same(t, first, r.Load("acme", "kb"))

	// A nil snapshot leaves the published one in place
	require.NoError(t, r.Update("acme", "kb", func(*Snapshot) (*Snapshot, error) { return nil, nil }))
	assert.Same(t, first, r.Load("acme", "kb"))

	assert.Nil(t, r.Load("globex", "kb"))
}

func TestSnapshotLookup(t *testing.T) {
	s := NewSnapshot("acme", "kb", "m", 2, 1, []models.IndexedChunk{
		snapshotItem("doc-2", "c3", 0),
		snapshotItem("doc-1", "c2", 1),
		snapshotItem("doc-1", "c1", 0),
	})

	entry, ok := s.Lookup("c2")
	require.True(t, ok)
	assert.Equal(t, "doc-1", entry.Chunk.DocumentID)
	assert.Equal(t, 1, entry.Chunk.ChunkIndex)
	assert.InDelta(t, 5.0, entry.Norm, 1e-9)

	next := s.withoutDocument("doc-1")
	_, ok = next.Lookup("c2")
	assert.False(t, ok)
	entry, ok = next.Lookup("c3")
	require.True(t, ok)
	assert.Equal(t, "doc-2", entry.Chunk.DocumentID)

	// The original snapshot is unchanged
	_, ok = s.Lookup("c1")
	assert.True(t, ok)

	var empty *Snapshot
	_, ok = empty.Lookup("c1")
	assert.False(t, ok)
}
