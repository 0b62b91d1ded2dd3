package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/agenticwork/awchat/internal/contextbudget"
	"github.com/agenticwork/awchat/internal/credentials"
	"github.com/agenticwork/awchat/internal/llm"
)

func TestClassifyKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "caller abort", err: context.Canceled, want: KindCancelled},
		{name: "deadline", err: context.DeadlineExceeded, want: KindCancelled},
		{name: "turn timeout", err: fmt.Errorf("run: %w", ErrTurnTimeout), want: KindCancelled},
		{name: "budget", err: fmt.Errorf("allocate: %w", contextbudget.ErrBudgetExceeded), want: KindBudgetExceeded},
		{name: "bad model config", err: contextbudget.ErrInvalidModelConfig, want: KindBudgetExceeded},
		{name: "missing credential", err: credentials.ErrTokenMissing, want: KindAuthRequired},
		{name: "unrefreshable credential", err: credentials.ErrTokenExpiredNoRefresh, want: KindAuthRequired},
		{name: "refresh upstream down", err: fmt.Errorf("verify: %w", credentials.ErrUpstreamRefresh), want: KindAuthRequired},
		{name: "provider auth", err: &llm.ProviderError{Reason: llm.ReasonAuth}, want: KindAuthRequired},
		{name: "provider throttled", err: &llm.ProviderError{Reason: llm.ReasonRateLimit}, want: KindRateLimited},
		{name: "provider rejected transcript", err: wrapProvider(llm.ReasonInvalidRequest), want: KindSchemaViolation},
		{name: "provider timeout", err: wrapProvider(llm.ReasonTimeout), want: KindUpstreamUnavailable},
		{name: "provider fault", err: wrapProvider(llm.ReasonServerError), want: KindUpstreamUnavailable},
		{name: "provider unknown", err: &llm.ProviderError{Reason: llm.ReasonUnknown}, want: KindInternal},
		{name: "plain error", err: errors.New("boom"), want: KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("stage", tt.err)
			if got.Kind != tt.want {
				t.Errorf("classify() kind = %s, want %s", got.Kind, tt.want)
			}
			if got.Stage != "stage" {
				t.Errorf("classify() stage = %q, want stage", got.Stage)
			}
		})
	}
}

func wrapProvider(reason llm.FailureReason) error {
	return fmt.Errorf("open completion: %w", &llm.ProviderError{Reason: reason, Status: 400})
}

func TestClassifyNil(t *testing.T) {
	if got := classify("stage", nil); got != nil {
		t.Errorf("classify(nil) = %v, want nil", got)
	}
}

func TestClassifyPreservesExistingKind(t *testing.T) {
	inner := &Error{Kind: KindBudgetExceeded, Stage: "budget", Cause: errors.New("too big")}

	got := classify("completion", fmt.Errorf("rerun: %w", inner))
	if got.Kind != KindBudgetExceeded {
		t.Errorf("kind = %s, want the inner classification kept", got.Kind)
	}
	if got.Stage != "budget" {
		t.Errorf("stage = %q, want the originating stage kept", got.Stage)
	}

	unstaged := &Error{Kind: KindToolTimeout}
	if got := classify("tool-execution", unstaged); got.Stage != "tool-execution" {
		t.Errorf("stage = %q, want the classifying stage filled in", got.Stage)
	}
}

func TestErrorIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("turn: %w", &Error{Kind: KindCancelled, Stage: "completion"})

	if !errors.Is(err, &Error{Kind: KindCancelled}) {
		t.Error("errors.Is should match the same kind")
	}
	if errors.Is(err, &Error{Kind: KindRateLimited}) {
		t.Error("errors.Is should reject a different kind")
	}
	if !errors.Is(err, &Error{}) {
		t.Error("errors.Is with an empty kind should match any pipeline error")
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", &Error{Kind: KindAuthRequired})
	if got := KindOf(wrapped); got != KindAuthRequired {
		t.Errorf("KindOf(wrapped) = %s, want auth_required", got)
	}
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Errorf("KindOf(plain) = %s, want internal", got)
	}
}

func TestKindHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindAuthRequired, 401},
		{KindRateLimited, 429},
		{KindBudgetExceeded, 413},
		{KindUpstreamUnavailable, 502},
		{KindSchemaViolation, 502},
		{KindToolTimeout, 504},
		{KindCancelled, 499},
		{KindInternal, 500},
		{Kind("made-up"), 500},
	}

	for _, tt := range tests {
		if got := tt.kind.HTTPStatus(); got != tt.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: KindUpstreamUnavailable, Stage: "completion", Cause: errors.New("connect refused")}
	msg := err.Error()
	for _, part := range []string{"upstream_unavailable", "completion", "connect refused"} {
		if !strings.Contains(msg, part) {
			t.Errorf("Error() = %q, missing %q", msg, part)
		}
	}
}
