package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailureReason categorizes why an upstream request failed, driving retry
// decisions here and error classification in the turn pipeline.
type FailureReason string

const (
	// ReasonAuth covers rejected credentials (HTTP 401, 403).
	ReasonAuth FailureReason = "auth"

	// ReasonRateLimit covers throttling (HTTP 429).
	ReasonRateLimit FailureReason = "rate_limit"

	// ReasonTimeout covers request timeouts.
	ReasonTimeout FailureReason = "timeout"

	// ReasonServerError covers upstream faults (HTTP 5xx, connection
	// failures).
	ReasonServerError FailureReason = "server_error"

	// ReasonInvalidRequest covers client-side mistakes (HTTP 400, 404).
	ReasonInvalidRequest FailureReason = "invalid_request"

	// ReasonUnknown is the fallback for unclassified errors.
	ReasonUnknown FailureReason = "unknown"
)

// IsRetryable reports whether another attempt may succeed.
func (r FailureReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a classified upstream failure.
type ProviderError struct {
	Reason   FailureReason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// AsProviderError extracts a ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether the error warrants another attempt.
func IsRetryable(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Reason.IsRetryable()
	}
	return classifyMessage(err).IsRetryable()
}

// classifyStatus maps an HTTP status code to a failure reason.
func classifyStatus(status int) FailureReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest || status == http.StatusNotFound ||
		status == http.StatusUnprocessableEntity:
		return ReasonInvalidRequest
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// classifyMessage falls back to message inspection for errors that carry
// no status code, such as transport failures.
func classifyMessage(err error) FailureReason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timeout"):
		return ReasonTimeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return ReasonRateLimit
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "api key") ||
		strings.Contains(msg, "authentication"):
		return ReasonAuth
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") || strings.Contains(msg, "unexpected eof") ||
		strings.Contains(msg, "server error"):
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}
