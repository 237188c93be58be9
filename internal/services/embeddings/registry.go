package embeddings

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/kbchat/internal/models"
)

// Entry is one chunk with its vector and precomputed L2 norm
type Entry struct {
	Chunk  models.Chunk
	Vector []float32
	Norm   float64
}

// Snapshot is an immutable view of one knowledge base index. It is never
// mutated after publication; writers build a replacement and swap it in.
type Snapshot struct {
	TenantID        string
	KnowledgeBaseID string
	ModelID         string
	Dimension       int
	Version         int64
	BuiltAt         time.Time

	entries []Entry
	byID    map[string]int
}

// NewSnapshot builds a snapshot from indexed chunks, ordered by document and chunk index
func NewSnapshot(tenantID, kbID, modelID string, dimension int, version int64, items []models.IndexedChunk) *Snapshot {
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		entries = append(entries, newEntry(item))
	}
	sortEntries(entries)
	return &Snapshot{
		TenantID:        tenantID,
		KnowledgeBaseID: kbID,
		ModelID:         modelID,
		Dimension:       dimension,
		Version:         version,
		BuiltAt:         time.Now(),
		entries:         entries,
		byID:            indexEntries(entries),
	}
}

// Entries returns the snapshot contents. Callers must not modify the slice.
func (s *Snapshot) Entries() []Entry {
	if s == nil {
		return nil
	}
	return s.entries
}

// Len returns the number of chunks held by the snapshot
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// HasDocument reports whether any chunk of docID is present
func (s *Snapshot) HasDocument(docID string) bool {
	for i := range s.Entries() {
		if s.entries[i].Chunk.DocumentID == docID {
			return true
		}
	}
	return false
}

// Lookup returns the published entry of a chunk
func (s *Snapshot) Lookup(chunkID string) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	idx, ok := s.byID[chunkID]
	if !ok {
		return Entry{}, false
	}
	return s.entries[idx], true
}

// withDocument returns a copy where docID's chunks are replaced by items
func (s *Snapshot) withDocument(docID, modelID string, dimension int, version int64, items []models.IndexedChunk) *Snapshot {
	entries := make([]Entry, 0, s.Len()+len(items))
	for _, e := range s.Entries() {
		if e.Chunk.DocumentID != docID {
			entries = append(entries, e)
		}
	}
	for _, item := range items {
		entries = append(entries, newEntry(item))
	}
	sortEntries(entries)

	next := &Snapshot{
		ModelID:   modelID,
		Dimension: dimension,
		Version:   version,
		BuiltAt:   time.Now(),
		entries:   entries,
		byID:      indexEntries(entries),
	}
	if s != nil {
		next.TenantID = s.TenantID
		next.KnowledgeBaseID = s.KnowledgeBaseID
	}
	return next
}

// withoutDocument returns a copy with every chunk of docID removed
func (s *Snapshot) withoutDocument(docID string) *Snapshot {
	if s == nil {
		return nil
	}
	return s.withDocument(docID, s.ModelID, s.Dimension, s.Version, nil)
}

func newEntry(item models.IndexedChunk) Entry {
	var sum float64
	for _, x := range item.Embedding.Vector {
		sum += float64(x) * float64(x)
	}
	return Entry{
		Chunk:  item.Chunk,
		Vector: item.Embedding.Vector,
		Norm:   math.Sqrt(sum),
	}
}

func indexEntries(entries []Entry) map[string]int {
	byID := make(map[string]int, len(entries))
	for i := range entries {
		byID[entries[i].Chunk.ID] = i
	}
	return byID
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Chunk, entries[j].Chunk
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		return a.ChunkIndex < b.ChunkIndex
	})
}

type partitionKey struct {
	tenantID string
	kbID     string
}

type partition struct {
	current atomic.Pointer[Snapshot]
	// writeMu serializes index, reindex and delete for one knowledge base
	writeMu sync.Mutex
}

// Registry holds the published snapshot of every knowledge base. Reads are
// lock-free loads of an atomic pointer.
type Registry struct {
	mu         sync.RWMutex
	partitions map[partitionKey]*partition
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{partitions: make(map[partitionKey]*partition)}
}

// Load returns the current snapshot for a knowledge base, or nil when none was published
func (r *Registry) Load(tenantID, kbID string) *Snapshot {
	r.mu.RLock()
	p, ok := r.partitions[partitionKey{tenantID, kbID}]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return p.current.Load()
}

// Update runs fn while holding the knowledge base's writer lock. When fn
// returns a snapshot without error it is published atomically.
func (r *Registry) Update(tenantID, kbID string, fn func(current *Snapshot) (*Snapshot, error)) error {
	p := r.partition(tenantID, kbID)
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	next, err := fn(p.current.Load())
	if err != nil {
		return err
	}
	if next != nil {
		next.TenantID = tenantID
		next.KnowledgeBaseID = kbID
		p.current.Store(next)
	}
	return nil
}

func (r *Registry) partition(tenantID, kbID string) *partition {
	key := partitionKey{tenantID, kbID}

	r.mu.RLock()
	p, ok := r.partitions[key]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok = r.partitions[key]; ok {
		return p
	}
	p = &partition{}
	r.partitions[key] = p
	return p
}
