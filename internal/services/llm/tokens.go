package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/ternarybob/arbor"
)

// TokenCounter measures text against a prompt budget
type TokenCounter interface {
	Count(text string) int
}

// CharCounter counts characters (runes)
type CharCounter struct{}

func (CharCounter) Count(text string) int {
	return len([]rune(text))
}

// TiktokenCounter counts cl100k_base tokens. When the encoding cannot be
// loaded it falls back to an estimate of four characters per token.
type TiktokenCounter struct {
	once   sync.Once
	enc    *tiktoken.Tiktoken
	logger arbor.ILogger
}

// NewTiktokenCounter creates a lazily initialized token counter
func NewTiktokenCounter(logger arbor.ILogger) *TiktokenCounter {
	return &TiktokenCounter{logger: logger}
}

func (c *TiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to load tiktoken encoding, estimating tokens from length")
			return
		}
		c.enc = enc
	})

	if c.enc == nil {
		return (len([]rune(text)) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// NewTokenCounter returns the counter for a budget unit ("chars" or "tokens")
func NewTokenCounter(unit string, logger arbor.ILogger) TokenCounter {
	if unit == "tokens" {
		return NewTiktokenCounter(logger)
	}
	return CharCounter{}
}
