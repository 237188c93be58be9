package llm

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/common"
	"github.com/ternarybob/kbchat/internal/interfaces"
)

// OpenAIProvider generates text with the OpenAI chat completions API or any
// endpoint compatible with it
type OpenAIProvider struct {
	client *openai.Client
	config *common.OpenAIConfig
	logger arbor.ILogger
}

var _ interfaces.GenerationProvider = (*OpenAIProvider)(nil)

// NewOpenAIClient creates a client for the configured base URL
func NewOpenAIClient(apiKey string, config *common.OpenAIConfig) (*openai.Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	clientConfig := openai.DefaultConfig(apiKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return openai.NewClientWithConfig(clientConfig), nil
}

// NewOpenAIProvider creates an OpenAI generation provider
func NewOpenAIProvider(client *openai.Client, config *common.OpenAIConfig, logger arbor.ILogger) *OpenAIProvider {
	return &OpenAIProvider{
		client: client,
		config: config,
		logger: logger,
	}
}

func (p *OpenAIProvider) Name() string { return string(common.LLMProviderOpenAI) }

func (p *OpenAIProvider) Mode() interfaces.LLMMode { return interfaces.LLMModeLive }

// Generate makes a single chat completion call
func (p *OpenAIProvider) Generate(ctx context.Context, req *interfaces.GenerationRequest) (*interfaces.GenerationResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages cannot be empty")
	}

	model := req.Model
	if model == "" {
		model = p.config.Model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemInstruction != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemInstruction,
		})
	}
	for _, msg := range req.Messages {
		role := openai.ChatMessageRoleUser
		if msg.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, ClassifyError(p.Name(), err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("no response generated")}
	}

	return &interfaces.GenerationResponse{
		Text:             resp.Choices[0].Message.Content,
		Provider:         p.Name(),
		Model:            model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}
