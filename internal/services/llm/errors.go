package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sashabaranov/go-openai"
)

// ProviderError is a classified failure from an embedding or generation provider
type ProviderError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s provider error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s provider error: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient provider failure
// (timeouts, rate limits, 5xx-equivalent)
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// RetryAfterHint returns the provider-suggested delay carried by err, if any
func RetryAfterHint(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// ClassifyError wraps a raw SDK error into a ProviderError. Caller
// cancellation is returned unchanged so it is never retried.
func ClassifyError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var classified *ProviderError
	if errors.As(err, &classified) {
		return err
	}

	pe := &ProviderError{Provider: provider, Err: err}

	var anthropicErr *anthropic.Error
	var openaiErr *openai.APIError
	var openaiReqErr *openai.RequestError
	switch {
	case errors.As(err, &anthropicErr):
		pe.StatusCode = anthropicErr.StatusCode
	case errors.As(err, &openaiErr):
		pe.StatusCode = openaiErr.HTTPStatusCode
	case errors.As(err, &openaiReqErr):
		pe.StatusCode = openaiReqErr.HTTPStatusCode
	default:
		pe.StatusCode = statusFromMessage(err.Error())
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		pe.Retryable = true
	case errors.As(err, &netErr) && netErr.Timeout():
		pe.Retryable = true
	case pe.StatusCode == 408 || pe.StatusCode == 429 || pe.StatusCode >= 500:
		pe.Retryable = true
	case pe.StatusCode == 0 && isRateLimitMessage(err.Error()):
		pe.Retryable = true
	}

	if pe.Retryable {
		pe.RetryAfter = ExtractRetryDelay(err)
	}

	return pe
}

// isRateLimitMessage matches Gemini style quota errors that carry no typed status
func isRateLimitMessage(msg string) bool {
	return strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(msg, "UNAVAILABLE") ||
		strings.Contains(strings.ToLower(msg), "quota")
}

// statusFromMessage recovers an HTTP status from "Error 503, ..." style messages
func statusFromMessage(msg string) int {
	for _, code := range []int{429, 500, 502, 503, 504, 400, 401, 403, 404} {
		if strings.Contains(msg, fmt.Sprintf("Error %d", code)) || strings.Contains(msg, fmt.Sprintf("status %d", code)) {
			return code
		}
	}
	return 0
}
