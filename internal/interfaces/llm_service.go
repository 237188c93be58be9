package interfaces

import (
	"context"
)

// LLMMode is decided once at config load: live providers when a credential
// is configured, deterministic mock responses otherwise
type LLMMode string

const (
	LLMModeLive LLMMode = "live"
	LLMModeMock LLMMode = "mock"
)

// Message represents a single message in a generation request
type Message struct {
	// Role is "user" or "assistant". System content travels in GenerationRequest.SystemInstruction.
	Role    string
	Content string
}

// GenerationRequest is one provider call
type GenerationRequest struct {
	SystemInstruction string
	Messages          []Message
	Model             string // empty uses the provider default
	Temperature       float32
	MaxTokens         int
}

// GenerationResponse carries the text and usage metadata of a provider call
type GenerationResponse struct {
	Text             string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Mock             bool
}

// TotalTokens returns prompt plus completion tokens
func (r *GenerationResponse) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// GenerationProvider is a text-generation backend
type GenerationProvider interface {
	Generate(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error)
	Name() string
	Mode() LLMMode
}
