// ABOUTME: Error taxonomy for provider failures and configuration errors
// ABOUTME: ProviderError carries retryability so the turn loop can classify failures

package llm

import (
	"errors"
	"fmt"
)

// Configuration errors. These are never worth retrying.
var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrToolNotFound    = errors.New("tool not found")
	ErrMissingAPIKey   = errors.New("missing API key")
)

// ErrorCode represents a provider error code.
type ErrorCode string

const (
	ErrorCodeAuth           ErrorCode = "authentication_failed"
	ErrorCodeRateLimit      ErrorCode = "rate_limit"
	ErrorCodeInvalidRequest ErrorCode = "invalid_request"
	ErrorCodeContentBlocked ErrorCode = "content_blocked"
	ErrorCodeUnavailable    ErrorCode = "service_unavailable"
	ErrorCodeNetwork        ErrorCode = "network_error"
	ErrorCodeEmptyResponse  ErrorCode = "empty_response"
)

// ProviderError wraps errors with additional context.
type ProviderError struct {
	Code       ErrorCode
	Message    string
	Underlying error
	Retryable  bool
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Underlying
}

// IsRetryable returns true if the error is a retryable provider error.
func IsRetryable(err error) bool {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Retryable
	}
	return false
}

// IsConfigError reports whether err stems from configuration rather than a
// transient failure.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrUnknownProvider) ||
		errors.Is(err, ErrToolNotFound) ||
		errors.Is(err, ErrMissingAPIKey)
}

// StatusError maps an HTTP status code from a provider API to a ProviderError.
func StatusError(status int, message string, err error) *ProviderError {
	switch {
	case status == 401 || status == 403:
		return &ProviderError{Code: ErrorCodeAuth, Message: "authentication failed", Underlying: err}
	case status == 429:
		return &ProviderError{Code: ErrorCodeRateLimit, Message: "rate limit exceeded", Underlying: err, Retryable: true}
	case status == 400 || status == 404 || status == 422:
		return &ProviderError{Code: ErrorCodeInvalidRequest, Message: fmt.Sprintf("invalid request: %s", message), Underlying: err}
	case status >= 500:
		return &ProviderError{Code: ErrorCodeUnavailable, Message: "service unavailable", Underlying: err, Retryable: true}
	default:
		return &ProviderError{Code: ErrorCodeNetwork, Message: fmt.Sprintf("API error: %s", message), Underlying: err, Retryable: true}
	}
}
