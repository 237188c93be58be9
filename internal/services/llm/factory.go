package llm

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/common"
	"github.com/ternarybob/kbchat/internal/interfaces"
)

// NewGenerationProvider returns the provider for the mode decided at config
// load: the configured live provider when a credential exists, the mock
// provider otherwise. A live provider that cannot be constructed is an error.
func NewGenerationProvider(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (interfaces.GenerationProvider, error) {
	if cfg.LLM.Mode != interfaces.LLMModeLive {
		logger.Warn().
			Str("provider", string(cfg.LLM.DefaultProvider)).
			Msg("No generation credential configured - chat runs in mock mode")
		return NewMockProvider(), nil
	}

	apiKey := cfg.GenerationAPIKey()

	switch cfg.LLM.DefaultProvider {
	case common.LLMProviderClaude:
		return NewClaudeProvider(apiKey, &cfg.Claude, logger)
	case common.LLMProviderOpenAI:
		client, err := NewOpenAIClient(apiKey, &cfg.OpenAI)
		if err != nil {
			return nil, err
		}
		return NewOpenAIProvider(client, &cfg.OpenAI, logger), nil
	case common.LLMProviderGemini:
		client, err := NewGeminiClient(ctx, apiKey)
		if err != nil {
			return nil, err
		}
		return NewGeminiProvider(client, &cfg.Gemini, logger), nil
	default:
		return nil, fmt.Errorf("unknown generation provider: %s", cfg.LLM.DefaultProvider)
	}
}
