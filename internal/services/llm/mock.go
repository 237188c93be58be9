package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/ternarybob/kbchat/internal/interfaces"
)

// MockProviderName identifies responses produced in mock mode
const MockProviderName = "mock"

// MockResponsePrefix flags every mock response so it is never mistaken for model output
const MockResponsePrefix = "[mock response]"

// MockProvider is the deterministic generation provider used when no
// credential is configured. The same request always yields the same text.
type MockProvider struct{}

var _ interfaces.GenerationProvider = (*MockProvider)(nil)

// NewMockProvider creates a mock provider
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (p *MockProvider) Name() string { return MockProviderName }

func (p *MockProvider) Mode() interfaces.LLMMode { return interfaces.LLMModeMock }

// Generate echoes the latest user message with a stable fingerprint of the
// full prompt. Token counts are always zero.
func (p *MockProvider) Generate(ctx context.Context, req *interfaces.GenerationRequest) (*interfaces.GenerationResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var question string
	h := fnv.New32a()
	h.Write([]byte(req.SystemInstruction))
	for _, msg := range req.Messages {
		h.Write([]byte(msg.Role))
		h.Write([]byte(msg.Content))
		if msg.Role == "user" {
			question = msg.Content
		}
	}

	question = strings.TrimSpace(question)
	if len([]rune(question)) > 120 {
		question = string([]rune(question)[:120]) + "..."
	}

	return &interfaces.GenerationResponse{
		Text: fmt.Sprintf("%s No generation provider is configured. You asked: %q (prompt %08x)",
			MockResponsePrefix, question, h.Sum32()),
		Provider: MockProviderName,
		Model:    MockProviderName,
		Mock:     true,
	}, nil
}
