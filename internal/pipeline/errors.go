package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/agenticwork/awchat/internal/contextbudget"
	"github.com/agenticwork/awchat/internal/credentials"
	"github.com/agenticwork/awchat/internal/llm"
)

// Kind buckets a turn failure for clients. Every terminal error event and
// HTTP status derives from one of these.
type Kind string

const (
	// KindAuthRequired indicates missing or expired credentials whose
	// refresh failed; the client must re-authenticate.
	KindAuthRequired Kind = "auth_required"

	// KindRateLimited indicates a key or tier cap was exceeded.
	KindRateLimited Kind = "rate_limited"

	// KindBudgetExceeded indicates the request cannot fit the model window
	// even after optimization.
	KindBudgetExceeded Kind = "budget_exceeded"

	// KindUpstreamUnavailable indicates the model or vector backend was
	// not reachable within the retry budget.
	KindUpstreamUnavailable Kind = "upstream_unavailable"

	// KindSchemaViolation indicates the upstream rejected a message list
	// the preparation stage could not reconcile.
	KindSchemaViolation Kind = "schema_violation"

	// KindToolTimeout indicates a tool handler exceeded its per-call cap.
	KindToolTimeout Kind = "tool_timeout"

	// KindCancelled indicates the caller aborted or the overall turn
	// timeout elapsed.
	KindCancelled Kind = "cancelled"

	// KindInternal is everything else.
	KindInternal Kind = "internal"
)

// HTTPStatus maps the kind to a response code for requests that fail
// before a stream opens.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuthRequired:
		return 401
	case KindRateLimited:
		return 429
	case KindBudgetExceeded:
		return 413
	case KindUpstreamUnavailable:
		return 502
	case KindSchemaViolation:
		return 502
	case KindToolTimeout:
		return 504
	case KindCancelled:
		return 499
	default:
		return 500
	}
}

// Error is a classified turn failure. Stage names the stage that raised
// it so operators can localize faults from the terminal event alone.
type Error struct {
	Kind  Kind
	Stage string
	Cause error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Stage != "" {
		msg = fmt.Sprintf("%s at stage %s", msg, e.Stage)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches two pipeline errors by kind, so tests and callers can write
// errors.Is(err, &Error{Kind: KindCancelled}).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == "" || other.Kind == e.Kind
}

// KindOf extracts the failure kind from an error chain, defaulting to
// internal for unclassified failures.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// ErrTurnTimeout is the cancellation cause installed when the overall
// turn timeout elapses, keeping it distinguishable from a caller abort.
var ErrTurnTimeout = errors.New("overall turn timeout elapsed")

// classify wraps an arbitrary stage failure into the turn taxonomy.
// Errors that already carry a kind pass through unchanged.
func classify(stage string, err error) *Error {
	if err == nil {
		return nil
	}

	var pe *Error
	if errors.As(err, &pe) {
		if pe.Stage == "" {
			pe.Stage = stage
		}
		return pe
	}

	kind := KindInternal
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTurnTimeout):
		kind = KindCancelled
	case errors.Is(err, contextbudget.ErrBudgetExceeded), errors.Is(err, contextbudget.ErrInvalidModelConfig):
		kind = KindBudgetExceeded
	case errors.Is(err, credentials.ErrTokenMissing),
		errors.Is(err, credentials.ErrTokenExpiredNoRefresh),
		errors.Is(err, credentials.ErrUpstreamRefresh):
		kind = KindAuthRequired
	default:
		if upstream, ok := llm.AsProviderError(err); ok {
			kind = classifyProvider(upstream)
		}
	}
	return &Error{Kind: kind, Stage: stage, Cause: err}
}

// classifyProvider maps the model client's failure reasons onto the turn
// taxonomy. Invalid requests surface as schema violations because the
// prepared transcript is the only request body we construct.
func classifyProvider(pe *llm.ProviderError) Kind {
	switch pe.Reason {
	case llm.ReasonAuth:
		return KindAuthRequired
	case llm.ReasonRateLimit:
		return KindRateLimited
	case llm.ReasonInvalidRequest:
		return KindSchemaViolation
	case llm.ReasonTimeout, llm.ReasonServerError:
		return KindUpstreamUnavailable
	default:
		return KindInternal
	}
}
