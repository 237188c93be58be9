package llm

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/ternarybob/kbchat/internal/common"
	"github.com/ternarybob/kbchat/internal/interfaces"
)

// GeminiProvider generates text with the Gemini API
type GeminiProvider struct {
	client *genai.Client
	config *common.GeminiConfig
	logger arbor.ILogger
}

var _ interfaces.GenerationProvider = (*GeminiProvider)(nil)

// NewGeminiClient creates a Gemini API client
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return client, nil
}

// NewGeminiProvider creates a Gemini generation provider
func NewGeminiProvider(client *genai.Client, config *common.GeminiConfig, logger arbor.ILogger) *GeminiProvider {
	return &GeminiProvider{
		client: client,
		config: config,
		logger: logger,
	}
}

func (p *GeminiProvider) Name() string { return string(common.LLMProviderGemini) }

func (p *GeminiProvider) Mode() interfaces.LLMMode { return interfaces.LLMModeLive }

// Generate makes a single GenerateContent call
func (p *GeminiProvider) Generate(ctx context.Context, req *interfaces.GenerationRequest) (*interfaces.GenerationResponse, error) {
	contents, err := convertMessagesToGemini(req.Messages)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = p.config.Model
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.SystemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, ClassifyError(p.Name(), err)
	}

	text := resp.Text()
	if text == "" {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("empty response from Gemini API")}
	}

	out := &interfaces.GenerationResponse{
		Text:     text,
		Provider: p.Name(),
		Model:    model,
	}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

func convertMessagesToGemini(messages []interfaces.Message) ([]*genai.Content, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("messages cannot be empty")
	}

	contents := make([]*genai.Content, 0, len(messages))
	hasUser := false
	for _, msg := range messages {
		role := genai.RoleUser
		if msg.Role == "assistant" {
			role = genai.RoleModel
		} else {
			hasUser = true
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{genai.NewPartFromText(msg.Content)},
		})
	}

	if !hasUser {
		return nil, fmt.Errorf("at least one message must have role 'user'")
	}
	return contents, nil
}
