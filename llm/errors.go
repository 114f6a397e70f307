package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ProviderError represents a failure reported by a completion provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
	RetryAfter *time.Duration
	Cause      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// EmptyResponseError reports a completion that finished cleanly but carried
// no text, reasoning, or tool calls. Treated as transient.
type EmptyResponseError struct {
	Provider string
}

func (e *EmptyResponseError) Error() string {
	return fmt.Sprintf("[%s] provider returned an empty completion", e.Provider)
}

// ConfigError reports an invalid client or provider configuration.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

// AbortError reports a call abandoned because its context ended.
type AbortError struct {
	Cause error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("request aborted: %v", e.Cause)
}

func (e *AbortError) Unwrap() error {
	return e.Cause
}

// ErrorFromStatusCode maps an HTTP status code to a classified ProviderError.
func ErrorFromStatusCode(provider string, statusCode int, message string, retryAfter *time.Duration) error {
	pe := &ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    message,
		RetryAfter: retryAfter,
	}
	switch statusCode {
	case 400, 401, 403, 404, 413, 422:
		pe.Retryable = false
	case 408, 429, 500, 502, 503, 504:
		pe.Retryable = true
	default:
		// Unknown status codes default to retryable.
		pe.Retryable = true
	}
	return pe
}

// IsRetryable reports whether the error is safe to retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	var ee *EmptyResponseError
	if errors.As(err, &ee) {
		return true
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return false
	}
	var ae *AbortError
	if errors.As(err, &ae) {
		return false
	}
	// Connection-level failures arrive as plain errors; retry them.
	return true
}
