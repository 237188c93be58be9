package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/common"
	"github.com/ternarybob/kbchat/internal/interfaces"
)

// ClaudeProvider generates text with the Anthropic Messages API
type ClaudeProvider struct {
	client anthropic.Client
	config *common.ClaudeConfig
	logger arbor.ILogger
}

var _ interfaces.GenerationProvider = (*ClaudeProvider)(nil)

// NewClaudeProvider creates a Claude provider. apiKey must be non-empty.
func NewClaudeProvider(apiKey string, config *common.ClaudeConfig, logger arbor.ILogger) (*ClaudeProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required for the claude provider")
	}
	return &ClaudeProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		config: config,
		logger: logger,
	}, nil
}

func (p *ClaudeProvider) Name() string { return string(common.LLMProviderClaude) }

func (p *ClaudeProvider) Mode() interfaces.LLMMode { return interfaces.LLMModeLive }

// Generate makes a single Messages API call. Retries are the caller's concern.
func (p *ClaudeProvider) Generate(ctx context.Context, req *interfaces.GenerationRequest) (*interfaces.GenerationResponse, error) {
	messages, err := convertMessagesToClaude(req.Messages)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.config.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	if req.SystemInstruction != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.SystemInstruction},
		}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, ClassifyError(p.Name(), err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("empty response from Claude API")}
	}

	return &interfaces.GenerationResponse{
		Text:             text.String(),
		Provider:         p.Name(),
		Model:            model,
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}, nil
}

// convertMessagesToClaude maps engine messages to Claude params. The first
// message must be from the user so leading assistant turns are dropped.
func convertMessagesToClaude(messages []interfaces.Message) ([]anthropic.MessageParam, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("messages cannot be empty")
	}

	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			if len(out) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("at least one message must have role 'user'")
	}
	return out, nil
}
