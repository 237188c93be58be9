package models

// Chunk metadata keys
const (
	ChunkMetaTitle = "title"
	ChunkMetaType  = "type"
)

// Chunk is a contiguous, offset-tagged slice of a document's normalized text.
// StartIndex and EndIndex are character (rune) offsets, half-open.
type Chunk struct {
	ID              string            `json:"id"`
	DocumentID      string            `json:"document_id"`
	KnowledgeBaseID string            `json:"knowledge_base_id"`
	TenantID        string            `json:"tenant_id"`
	Content         string            `json:"content"`
	StartIndex      int               `json:"start_index"`
	EndIndex        int               `json:"end_index"`
	ChunkIndex      int               `json:"chunk_index"`
	TotalChunks     int               `json:"total_chunks"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Title returns the source document title recorded on the chunk, if any
func (c *Chunk) Title() string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata[ChunkMetaTitle]
}

// Embedding is a fixed-length vector bound 1:1 to a chunk
type Embedding struct {
	ChunkID   string    `json:"chunk_id"`
	ModelID   string    `json:"model_id"`
	Dimension int       `json:"dimension"`
	Vector    []float32 `json:"vector"`
}

// IndexedChunk pairs a chunk with its embedding. The pair is the unit
// persisted and replaced by the indexer.
type IndexedChunk struct {
	Chunk     Chunk     `json:"chunk"`
	Embedding Embedding `json:"embedding"`
}

// ScoredChunk is a retrieval hit
type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}
