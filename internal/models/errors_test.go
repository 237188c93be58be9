package models

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	base := NewError(KindBotNotFound, "bot %s not found", "b1")
	wrapped := fmt.Errorf("loading bot: %w", base)

	assert.Equal(t, KindBotNotFound, KindOf(base))
	assert.Equal(t, KindBotNotFound, KindOf(wrapped))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindCancelled, KindOf(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.True(t, IsKind(wrapped, KindBotNotFound))
	assert.True(t, KindBotNotFound.NotFound())
	assert.False(t, KindQuotaExceeded.NotFound())
}

func TestWrapErrorUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapError(KindIndexError, cause, "persist chunks")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "IndexError")
	assert.Contains(t, err.Error(), "disk full")
}

func TestQuotaExceededError(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	status := &QuotaStatus{Limit: 100, CurrentUsage: 100, WindowResetAt: now.Add(time.Hour)}

	err := QuotaExceededError(status, now)

	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindQuotaExceeded, e.Kind)
	assert.Equal(t, time.Hour, e.RetryAfter)
	assert.Same(t, status, e.Quota)
}
