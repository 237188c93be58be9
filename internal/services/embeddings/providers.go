package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/sashabaranov/go-openai"
	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/ternarybob/kbchat/internal/common"
	"github.com/ternarybob/kbchat/internal/interfaces"
	"github.com/ternarybob/kbchat/internal/services/llm"
)

// NewProvider returns the embedding provider named in config. Without a
// credential for it the deterministic hash embedder is used instead.
func NewProvider(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (interfaces.EmbeddingProvider, error) {
	apiKey := cfg.EmbeddingAPIKey()
	if cfg.Embedding.Provider == "mock" || apiKey == "" {
		if cfg.Embedding.Provider != "mock" {
			logger.Warn().
				Str("provider", cfg.Embedding.Provider).
				Msg("No embedding credential configured - using deterministic hash embeddings")
		}
		return NewHashEmbedder(cfg.Embedding.Dimension), nil
	}

	switch cfg.Embedding.Provider {
	case "gemini":
		client, err := llm.NewGeminiClient(ctx, apiKey)
		if err != nil {
			return nil, err
		}
		model := cfg.Embedding.Model
		if model == "" {
			model = cfg.Gemini.EmbeddingModel
		}
		return NewGeminiEmbedder(client, model, cfg.Embedding.Dimension), nil
	case "openai":
		client, err := llm.NewOpenAIClient(apiKey, &cfg.OpenAI)
		if err != nil {
			return nil, err
		}
		model := cfg.Embedding.Model
		if model == "" {
			model = cfg.OpenAI.EmbeddingModel
		}
		return NewOpenAIEmbedder(client, model, cfg.Embedding.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Embedding.Provider)
	}
}

// GeminiEmbedder embeds text with the Gemini embedding API
type GeminiEmbedder struct {
	client    *genai.Client
	model     string
	dimension int
}

// NewGeminiEmbedder creates a Gemini embedder producing vectors of dimension
func NewGeminiEmbedder(client *genai.Client, model string, dimension int) *GeminiEmbedder {
	return &GeminiEmbedder{client: client, model: model, dimension: dimension}
}

func (e *GeminiEmbedder) ModelID() string {
	return fmt.Sprintf("gemini/%s@%d", e.model, e.dimension)
}

func (e *GeminiEmbedder) Dimension() int { return e.dimension }

func (e *GeminiEmbedder) MaxBatch() int { return 100 }

func (e *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
	}

	outputDim := int32(e.dimension)
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &outputDim,
	})
	if err != nil {
		return nil, llm.ClassifyError("gemini", err)
	}
	if result == nil || len(result.Embeddings) != len(texts) {
		return nil, &llm.ProviderError{Provider: "gemini", Err: fmt.Errorf("expected %d embeddings from API", len(texts))}
	}

	vectors := make([][]float32, len(texts))
	for i, emb := range result.Embeddings {
		vectors[i] = emb.Values
	}
	return vectors, nil
}

// OpenAIEmbedder embeds text with the OpenAI embeddings API or a compatible endpoint
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	dimension int
}

// NewOpenAIEmbedder creates an OpenAI embedder producing vectors of dimension
func NewOpenAIEmbedder(client *openai.Client, model string, dimension int) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: client, model: model, dimension: dimension}
}

func (e *OpenAIEmbedder) ModelID() string {
	return fmt.Sprintf("openai/%s@%d", e.model, e.dimension)
}

func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

func (e *OpenAIEmbedder) MaxBatch() int { return 256 }

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimension,
	})
	if err != nil {
		return nil, llm.ClassifyError("openai", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, &llm.ProviderError{Provider: "openai", Err: fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))}
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	vectors := make([][]float32, len(texts))
	for i := range data {
		vectors[i] = data[i].Embedding
	}
	return vectors, nil
}

// HashEmbedder is a deterministic, offline embedder based on feature hashing
// of lowercase word tokens and character trigrams. Identical text always maps
// to the identical unit vector.
type HashEmbedder struct {
	dimension int
}

// HashEmbedderModel is the model identifier recorded for hash embeddings
const HashEmbedderModel = "mock/feature-hash-v1"

// NewHashEmbedder creates a hash embedder of the given dimension
func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = 256
	}
	return &HashEmbedder{dimension: dimension}
}

func (e *HashEmbedder) ModelID() string {
	return fmt.Sprintf("%s@%d", HashEmbedderModel, e.dimension)
}

func (e *HashEmbedder) Dimension() int { return e.dimension }

func (e *HashEmbedder) MaxBatch() int { return 1024 }

func (e *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[i] = e.vector(text)
	}
	return vectors, nil
}

func (e *HashEmbedder) vector(text string) []float32 {
	v := make([]float64, e.dimension)
	add := func(feature string, weight float64) {
		h := fnv.New64a()
		h.Write([]byte(feature))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dimension))
		if sum&(1<<63) != 0 {
			weight = -weight
		}
		v[idx] += weight
	}

	lower := strings.ToLower(text)
	for _, word := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		add("w:"+word, 1.0)
	}
	runes := []rune(lower)
	for i := 0; i+3 <= len(runes); i++ {
		add("t:"+string(runes[i:i+3]), 0.5)
	}

	var norm float64
	for _, x := range v {
		norm += x * x
	}
	out := make([]float32, e.dimension)
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(x / norm)
	}
	return out
}
