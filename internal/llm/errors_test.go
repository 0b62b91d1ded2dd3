package llm

import (
	"errors"
	"fmt"
	"strconv"
	"testing"

	"github.com/agenticwork/awchat/internal/backoff"
)

func TestFailureReasonIsRetryable(t *testing.T) {
	tests := []struct {
		reason   FailureReason
		expected bool
	}{
		{ReasonRateLimit, true},
		{ReasonTimeout, true},
		{ReasonServerError, true},
		{ReasonAuth, false},
		{ReasonInvalidRequest, false},
		{ReasonUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.IsRetryable(); got != tt.expected {
				t.Errorf("FailureReason(%q).IsRetryable() = %v, want %v", tt.reason, got, tt.expected)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected FailureReason
	}{
		{401, ReasonAuth},
		{403, ReasonAuth},
		{429, ReasonRateLimit},
		{400, ReasonInvalidRequest},
		{404, ReasonInvalidRequest},
		{422, ReasonInvalidRequest},
		{500, ReasonServerError},
		{502, ReasonServerError},
		{503, ReasonServerError},
		{200, ReasonUnknown},
		{0, ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			if got := classifyStatus(tt.status); got != tt.expected {
				t.Errorf("classifyStatus(%d) = %v, want %v", tt.status, got, tt.expected)
			}
		})
	}
}

func TestClassifyMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected FailureReason
	}{
		{"nil error", nil, ReasonUnknown},
		{"request timeout", errors.New("request timeout"), ReasonTimeout},
		{"deadline exceeded", errors.New("context deadline exceeded"), ReasonTimeout},
		{"rate limit", errors.New("rate limit exceeded"), ReasonRateLimit},
		{"too many requests", errors.New("too many requests"), ReasonRateLimit},
		{"unauthorized", errors.New("unauthorized"), ReasonAuth},
		{"invalid api key", errors.New("invalid api key"), ReasonAuth},
		{"authentication failed", errors.New("authentication failed"), ReasonAuth},
		{"connection refused", errors.New("connection refused"), ReasonServerError},
		{"connection reset", errors.New("connection reset by peer"), ReasonServerError},
		{"no such host", errors.New("dial tcp: no such host"), ReasonServerError},
		{"unexpected eof", errors.New("unexpected EOF"), ReasonServerError},
		{"server error", errors.New("internal server error"), ReasonServerError},
		{"unknown", errors.New("something went wrong"), ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyMessage(tt.err); got != tt.expected {
				t.Errorf("classifyMessage(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestProviderErrorFormat(t *testing.T) {
	full := &ProviderError{
		Reason:   ReasonRateLimit,
		Provider: "openai",
		Model:    "gpt-4o",
		Status:   429,
		Message:  "too many requests",
	}
	want := "[rate_limit] openai model=gpt-4o status=429 too many requests"
	if got := full.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	causeOnly := &ProviderError{Reason: ReasonUnknown, Cause: errors.New("boom")}
	if got := causeOnly.Error(); got != "[unknown] boom" {
		t.Errorf("Error() = %q, want %q", got, "[unknown] boom")
	}

	// An explicit message takes precedence over the cause text.
	both := &ProviderError{
		Reason:  ReasonServerError,
		Message: "upstream says no",
		Cause:   errors.New("boom"),
	}
	if got := both.Error(); got != "[server_error] upstream says no" {
		t.Errorf("Error() = %q, want %q", got, "[server_error] upstream says no")
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying failure")
	err := &ProviderError{Reason: ReasonServerError, Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause through Unwrap")
	}
}

func TestAsProviderError(t *testing.T) {
	pe := &ProviderError{Reason: ReasonAuth, Provider: "openai"}

	got, ok := AsProviderError(pe)
	if !ok || got != pe {
		t.Error("AsProviderError should extract a direct ProviderError")
	}

	wrapped := fmt.Errorf("open stream: %w", pe)
	got, ok = AsProviderError(wrapped)
	if !ok || got != pe {
		t.Error("AsProviderError should extract a wrapped ProviderError")
	}

	joined := errors.Join(backoff.ErrMaxAttemptsExhausted, pe)
	got, ok = AsProviderError(joined)
	if !ok || got != pe {
		t.Error("AsProviderError should extract a ProviderError from a joined chain")
	}

	if _, ok := AsProviderError(errors.New("regular error")); ok {
		t.Error("AsProviderError should return false for a regular error")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"rate limit provider error", &ProviderError{Reason: ReasonRateLimit}, true},
		{"server provider error", &ProviderError{Reason: ReasonServerError}, true},
		{"auth provider error", &ProviderError{Reason: ReasonAuth}, false},
		{"invalid request provider error", &ProviderError{Reason: ReasonInvalidRequest}, false},
		{"bare timeout", errors.New("request timeout"), true},
		{"bare connection refused", errors.New("connection refused"), true},
		{"bare unknown", errors.New("nope"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}
