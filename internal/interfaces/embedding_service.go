package interfaces

import "context"

// EmbeddingProvider turns text into vectors. Batch results are positionally
// aligned with the input.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// ModelID identifies the model and version used to produce vectors
	ModelID() string
	Dimension() int
	// MaxBatch is the largest batch the provider accepts in one call
	MaxBatch() int
}
