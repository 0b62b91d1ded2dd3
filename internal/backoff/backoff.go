// Package backoff provides bounded exponential backoff with jitter for
// retrying idempotent upstream calls.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the backoff before the first retry.
	Initial time.Duration
	// Max caps the computed backoff.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added on top.
	Jitter float64
}

// DefaultPolicy suits short idempotent reads: 100ms initial, 5s cap,
// factor 2, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     5 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay computes the backoff duration for a given attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(total)
}

// Sleep waits for the attempt's backoff, honoring context cancellation.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
