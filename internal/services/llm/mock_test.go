package llm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/common"
	"github.com/ternarybob/kbchat/internal/interfaces"
)

func TestMockProviderIsDeterministicAndFlagged(t *testing.T) {
	p := NewMockProvider()
	req := &interfaces.GenerationRequest{
		SystemInstruction: "be helpful",
		Messages: []interfaces.Message{
			{Role: "user", Content: "What is the refund window?"},
		},
	}

	first, err := p.Generate(context.Background(), req)
	require.NoError(t, err)
	second, err := p.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Text, second.Text)
	assert.True(t, strings.HasPrefix(first.Text, MockResponsePrefix))
	assert.Contains(t, first.Text, "What is the refund window?")
	assert.True(t, first.Mock)
	assert.Equal(t, 0, first.TotalTokens())
	assert.Equal(t, interfaces.LLMModeMock, p.Mode())
}

func TestMockProviderHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMockProvider().Generate(ctx, &interfaces.GenerationRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewGenerationProviderUsesMockWithoutCredential(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.LLM.Mode = interfaces.LLMModeMock

	p, err := NewGenerationProvider(context.Background(), cfg, arbor.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, MockProviderName, p.Name())
}

func TestNewGenerationProviderBuildsClaude(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.LLM.DefaultProvider = common.LLMProviderClaude
	cfg.Claude.APIKey = "sk-test"
	cfg.LLM.Mode = interfaces.LLMModeLive

	p, err := NewGenerationProvider(context.Background(), cfg, arbor.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, "claude", p.Name())
	assert.Equal(t, interfaces.LLMModeLive, p.Mode())
}

func TestTokenCounters(t *testing.T) {
	assert.Equal(t, 5, CharCounter{}.Count("héllo"))

	counter := NewTokenCounter("tokens", arbor.NewLogger())
	n := counter.Count("The quick brown fox jumps over the lazy dog")
	assert.Greater(t, n, 0)
	assert.Less(t, n, 43)
}
