package models

import "time"

// KnowledgeBase is the tenant- and bot-scoped collection searched during a chat turn
type KnowledgeBase struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenant_id"`
	BotID        string `json:"bot_id"`
	Name         string `json:"name"`
	ChunkSize    int    `json:"chunk_size"`
	ChunkOverlap int    `json:"chunk_overlap"`

	// Set by the indexer. An empty EmbeddingModel means the knowledge base was never indexed.
	EmbeddingModel     string `json:"embedding_model,omitempty"`
	EmbeddingDimension int    `json:"embedding_dimension,omitempty"`
	IndexVersion       int64  `json:"index_version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Indexed reports whether any embeddings were ever written for the knowledge base
func (kb *KnowledgeBase) Indexed() bool {
	return kb.EmbeddingModel != ""
}
