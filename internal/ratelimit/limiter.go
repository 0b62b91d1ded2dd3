// Package ratelimit provides token-bucket rate limiting for API keys and
// users, with per-minute and per-hour windows resolved from the key's tier.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Tier bounds request throughput for a caller. PerMinute drives the burst
// window refill, PerHour bounds sustained traffic, Burst caps how many
// requests may land at once.
type Tier struct {
	Name      string
	PerMinute int
	PerHour   int
	Burst     int
}

// StandardTier is applied when a key carries no tier or the tier is unknown.
func StandardTier() Tier {
	return Tier{Name: "standard", PerMinute: 60, PerHour: 1000, Burst: 10}
}

func (t Tier) withDefaults() Tier {
	std := StandardTier()
	if t.Name == "" {
		t.Name = std.Name
	}
	if t.PerMinute <= 0 {
		t.PerMinute = std.PerMinute
	}
	if t.PerHour <= 0 {
		t.PerHour = std.PerHour
	}
	if t.Burst <= 0 {
		t.Burst = std.Burst
	}
	return t
}

// Bucket implements token bucket rate limiting.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewBucket creates a bucket that refills at ratePerSecond up to capacity.
func NewBucket(ratePerSecond float64, capacity float64) *Bucket {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	if capacity <= 0 {
		capacity = ratePerSecond
	}
	return &Bucket{
		tokens:     capacity,
		maxTokens:  capacity,
		refillRate: ratePerSecond,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request should be allowed and consumes a token if so.
func (b *Bucket) Allow() bool {
	return b.AllowN(1)
}

// AllowN checks if n requests should be allowed, consuming n tokens if so.
func (b *Bucket) AllowN(n int) bool {
	if n <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true
	}
	return false
}

// refill adds tokens based on time elapsed (must be called with lock held).
func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Tokens returns the current number of available tokens.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// WaitTime returns how long to wait before a request would be allowed.
func (b *Bucket) WaitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= 1 {
		return 0
	}

	needed := 1 - b.tokens
	seconds := needed / b.refillRate
	return time.Duration(seconds * float64(time.Second))
}

// entry pairs the two windows tracked per key. The minute bucket refills at
// PerMinute/60 with Burst capacity; the hour bucket refills at PerHour/3600
// with PerHour capacity.
type entry struct {
	tierName string
	minute   *Bucket
	hour     *Bucket
}

func newEntry(tier Tier) *entry {
	return &entry{
		tierName: tier.Name,
		minute:   NewBucket(float64(tier.PerMinute)/60.0, float64(tier.Burst)),
		hour:     NewBucket(float64(tier.PerHour)/3600.0, float64(tier.PerHour)),
	}
}

// Limiter manages per-key rate limits. Keys typically identify an API key
// or a user; unrelated keys never share a bucket.
type Limiter struct {
	mu      sync.RWMutex
	entries map[string]*entry
	enabled bool
	maxKeys int
}

// NewLimiter creates a new rate limiter. A disabled limiter allows
// everything.
func NewLimiter(enabled bool) *Limiter {
	return &Limiter{
		entries: make(map[string]*entry),
		enabled: enabled,
		maxKeys: 10000,
	}
}

// Allow checks if a request for the given key should be allowed under the
// tier's windows, consuming from both if so.
func (l *Limiter) Allow(key string, tier Tier) bool {
	if !l.enabled {
		return true
	}

	e := l.getEntry(key, tier)
	if !e.minute.Allow() {
		return false
	}
	return e.hour.Allow()
}

// getEntry returns or creates the windows for the given key. A tier change
// (for example an admin moving the key to elevated) rebuilds the windows.
func (l *Limiter) getEntry(key string, tier Tier) *entry {
	tier = tier.withDefaults()

	l.mu.RLock()
	e, exists := l.entries[key]
	l.mu.RUnlock()

	if exists && e.tierName == tier.Name {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if e, exists = l.entries[key]; exists && e.tierName == tier.Name {
		return e
	}

	if len(l.entries) >= l.maxKeys {
		l.prune()
	}

	e = newEntry(tier)
	l.entries[key] = e
	return e
}

// prune removes entries whose windows are near full (inactive keys).
func (l *Limiter) prune() {
	for key, e := range l.entries {
		if e.minute.Tokens() >= e.minute.maxTokens*0.9 {
			delete(l.entries, key)
		}
	}
}

// Reset clears the windows for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Status reports the rate limit state for a key, shaped for 429 responses
// and X-RateLimit headers.
type Status struct {
	Key        string        `json:"key"`
	Tier       string        `json:"tier"`
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
}

// GetStatus returns the current state for a key without consuming tokens.
func (l *Limiter) GetStatus(key string, tier Tier) Status {
	tier = tier.withDefaults()
	if !l.enabled {
		return Status{
			Key:       key,
			Tier:      tier.Name,
			Allowed:   true,
			Limit:     tier.PerMinute,
			Remaining: tier.Burst,
		}
	}

	e := l.getEntry(key, tier)
	minuteTokens := e.minute.Tokens()
	hourTokens := e.hour.Tokens()

	remaining := minuteTokens
	if hourTokens < remaining {
		remaining = hourTokens
	}

	wait := e.minute.WaitTime()
	if hw := e.hour.WaitTime(); hw > wait {
		wait = hw
	}

	return Status{
		Key:        key,
		Tier:       tier.Name,
		Allowed:    remaining >= 1,
		Limit:      tier.PerMinute,
		Remaining:  int(remaining),
		RetryAfter: wait,
	}
}

// CompositeKey creates a rate limit key from multiple parts.
func CompositeKey(parts ...string) string {
	return strings.Join(parts, ":")
}
