package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy() Policy {
	return Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2, Jitter: 0}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	got, err := Retry(context.Background(), fastPolicy(), 5, func(attempt int) (string, error) {
		attempts++
		if attempt < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got != "ok" {
		t.Fatalf("expected ok, got %q", got)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	_, err := Retry(context.Background(), fastPolicy(), 3, func(int) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, ErrMaxAttemptsExhausted) {
		t.Fatalf("expected ErrMaxAttemptsExhausted, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected last error to be preserved, got %v", err)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Retry(ctx, fastPolicy(), 3, func(int) (int, error) {
		calls++
		return 0, errors.New("never retried")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no attempts after cancellation, got %d", calls)
	}
}

func TestRetryIfStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	_, err := RetryIf(context.Background(), fastPolicy(), 5,
		func(err error) bool { return !errors.Is(err, permanent) },
		func(int) (int, error) {
			calls++
			return 0, permanent
		})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt for a permanent error, got %d", calls)
	}
}

func TestPolicyDelayGrowsAndCaps(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 400 * time.Millisecond, Factor: 2, Jitter: 0}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 400 * time.Millisecond}, // capped
	}
	for _, tt := range tests {
		if got := p.delayWithRand(tt.attempt, 0); got != tt.want {
			t.Fatalf("attempt %d: delay = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
