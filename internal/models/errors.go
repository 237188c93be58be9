package models

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies engine errors for callers and transports
type ErrorKind string

const (
	KindInvalidConfig         ErrorKind = "InvalidConfig"
	KindInvalidArgument       ErrorKind = "InvalidArgument"
	KindTenantNotFound        ErrorKind = "TenantNotFound"
	KindBotNotFound           ErrorKind = "BotNotFound"
	KindKnowledgeBaseNotFound ErrorKind = "KnowledgeBaseNotFound"
	KindDocumentNotFound      ErrorKind = "DocumentNotFound"
	KindConversationNotFound  ErrorKind = "ConversationNotFound"
	KindQuotaExceeded         ErrorKind = "QuotaExceeded"
	KindProviderUnavailable   ErrorKind = "ProviderUnavailable"
	KindIndexError            ErrorKind = "IndexError"
	KindModelMismatch         ErrorKind = "ModelMismatch"
	KindCancelled             ErrorKind = "Cancelled"
	KindInternal              ErrorKind = "InternalError"
)

// NotFound reports whether the kind belongs to the not-found class
func (k ErrorKind) NotFound() bool {
	switch k {
	case KindTenantNotFound, KindBotNotFound, KindKnowledgeBaseNotFound, KindDocumentNotFound, KindConversationNotFound:
		return true
	}
	return false
}

// Error is the typed error returned across component boundaries
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error

	// Quota is set on QuotaExceeded errors
	Quota *QuotaStatus
	// RetryAfter is a hint for QuotaExceeded and ProviderUnavailable errors
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a typed error with a formatted message
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a typed error around cause
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// QuotaExceededError builds the admission-denied error with its quota metadata
func QuotaExceededError(status *QuotaStatus, now time.Time) *Error {
	retryAfter := status.WindowResetAt.Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &Error{
		Kind:       KindQuotaExceeded,
		Message:    fmt.Sprintf("usage limit of %d reached, window resets at %s", status.Limit, status.WindowResetAt.UTC().Format(time.RFC3339)),
		Quota:      status,
		RetryAfter: retryAfter,
	}
}

// KindOf returns the kind of err. Untyped errors are InternalError, except
// context cancellation which maps to Cancelled.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether err is a typed error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// AsError extracts the typed error from err's chain
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
