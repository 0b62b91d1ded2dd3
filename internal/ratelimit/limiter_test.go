package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

func TestBucket_Allow(t *testing.T) {
	bucket := NewBucket(10, 5)

	// Should allow burst size requests
	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("request %d should be allowed", i)
		}
	}

	// Next request should be denied
	if bucket.Allow() {
		t.Error("request after burst should be denied")
	}
}

func TestBucket_Refill(t *testing.T) {
	bucket := NewBucket(100, 2) // fast refill for test

	// Exhaust tokens
	bucket.Allow()
	bucket.Allow()

	if bucket.Allow() {
		t.Error("should be denied after exhausting tokens")
	}

	// Wait for refill
	time.Sleep(50 * time.Millisecond)

	if !bucket.Allow() {
		t.Error("should be allowed after refill")
	}
}

func TestBucket_WaitTime(t *testing.T) {
	bucket := NewBucket(10, 1)

	if bucket.WaitTime() != 0 {
		t.Error("should not wait when tokens available")
	}

	bucket.Allow()

	if bucket.WaitTime() <= 0 {
		t.Error("should need to wait when no tokens")
	}
}

func TestBucket_AllowN(t *testing.T) {
	bucket := NewBucket(10, 5)

	if !bucket.AllowN(3) {
		t.Error("should allow 3 requests")
	}
	if !bucket.AllowN(2) {
		t.Error("should allow 2 more requests")
	}
	if bucket.AllowN(1) {
		t.Error("should deny when no tokens left")
	}
}

func TestLimiter_Allow_SeparateKeys(t *testing.T) {
	limiter := NewLimiter(true)
	tier := Tier{Name: "test", PerMinute: 60, PerHour: 1000, Burst: 3}

	for i := 0; i < 3; i++ {
		if !limiter.Allow("key1", tier) {
			t.Errorf("key1 request %d should be allowed", i)
		}
	}

	// key1 exhausted its burst
	if limiter.Allow("key1", tier) {
		t.Error("key1 should be rate limited")
	}

	// key2 should still be allowed
	if !limiter.Allow("key2", tier) {
		t.Error("key2 should be allowed")
	}
}

func TestLimiter_HourWindowBinds(t *testing.T) {
	limiter := NewLimiter(true)
	// Large burst, tiny hourly allowance: the hour window should deny first.
	tier := Tier{Name: "test", PerMinute: 600, PerHour: 2, Burst: 100}

	if !limiter.Allow("key1", tier) {
		t.Error("first request should be allowed")
	}
	if !limiter.Allow("key1", tier) {
		t.Error("second request should be allowed")
	}
	if limiter.Allow("key1", tier) {
		t.Error("third request should exceed the hourly allowance")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	limiter := NewLimiter(false)
	tier := Tier{Name: "test", PerMinute: 1, PerHour: 1, Burst: 1}

	for i := 0; i < 100; i++ {
		if !limiter.Allow("key1", tier) {
			t.Error("disabled limiter should always allow")
		}
	}
}

func TestLimiter_TierChangeRebuildsWindows(t *testing.T) {
	limiter := NewLimiter(true)
	standard := Tier{Name: "standard", PerMinute: 60, PerHour: 1000, Burst: 1}

	limiter.Allow("key1", standard)
	if limiter.Allow("key1", standard) {
		t.Error("standard burst of 1 should be exhausted")
	}

	// Moving the key to a bigger tier starts fresh windows.
	elevated := Tier{Name: "elevated", PerMinute: 300, PerHour: 10000, Burst: 50}
	if !limiter.Allow("key1", elevated) {
		t.Error("should be allowed after tier upgrade")
	}
}

func TestLimiter_Reset(t *testing.T) {
	limiter := NewLimiter(true)
	tier := Tier{Name: "test", PerMinute: 60, PerHour: 1000, Burst: 2}

	limiter.Allow("key1", tier)
	limiter.Allow("key1", tier)
	if limiter.Allow("key1", tier) {
		t.Error("should be rate limited")
	}

	limiter.Reset("key1")

	if !limiter.Allow("key1", tier) {
		t.Error("should be allowed after reset")
	}
}

func TestLimiter_GetStatus(t *testing.T) {
	limiter := NewLimiter(true)
	tier := Tier{Name: "standard", PerMinute: 60, PerHour: 1000, Burst: 5}

	status := limiter.GetStatus("key1", tier)
	if !status.Allowed {
		t.Error("should be allowed initially")
	}
	if status.Remaining != 5 {
		t.Errorf("initial remaining = %d, want 5", status.Remaining)
	}
	if status.Limit != 60 {
		t.Errorf("limit = %d, want 60", status.Limit)
	}
	if status.Tier != "standard" {
		t.Errorf("tier = %q, want standard", status.Tier)
	}

	// Exhaust the burst; status should report a wait.
	for i := 0; i < 5; i++ {
		limiter.Allow("key1", tier)
	}
	status = limiter.GetStatus("key1", tier)
	if status.Allowed {
		t.Error("should not be allowed after exhausting burst")
	}
	if status.RetryAfter <= 0 {
		t.Error("should report a retry-after when exhausted")
	}
}

func TestTier_Defaults(t *testing.T) {
	tier := Tier{}.withDefaults()
	std := StandardTier()
	if tier.Name != std.Name || tier.PerMinute != std.PerMinute ||
		tier.PerHour != std.PerHour || tier.Burst != std.Burst {
		t.Errorf("zero tier should default to standard, got %+v", tier)
	}

	// Partial tiers keep what they set.
	partial := Tier{Name: "custom", PerMinute: 5}.withDefaults()
	if partial.Name != "custom" || partial.PerMinute != 5 {
		t.Errorf("set fields should survive defaults, got %+v", partial)
	}
	if partial.PerHour != std.PerHour || partial.Burst != std.Burst {
		t.Errorf("unset fields should default, got %+v", partial)
	}
}

func TestCompositeKey(t *testing.T) {
	key := CompositeKey("apikey", "abc123", "route", "chat")
	expected := "apikey:abc123:route:chat"
	if key != expected {
		t.Errorf("CompositeKey() = %q, want %q", key, expected)
	}
}

func TestLimiter_ManyKeys_PrunesInactive(t *testing.T) {
	limiter := NewLimiter(true)
	tier := Tier{Name: "test", PerMinute: 60, PerHour: 1000, Burst: 3}

	// Exceed maxKeys to force a prune cycle; exhausted keys are not
	// near-full so prune keeps them, but the map must keep working.
	for i := 0; i < 10001; i++ {
		key := fmt.Sprintf("key-%d", i)
		for j := 0; j < 3; j++ {
			limiter.Allow(key, tier)
		}
	}

	if !limiter.Allow("brand-new-key", tier) {
		t.Error("brand new key should be allowed after prune cycle")
	}

	status := limiter.GetStatus("brand-new-key", tier)
	if status.Key != "brand-new-key" {
		t.Errorf("expected key 'brand-new-key', got %q", status.Key)
	}

	limiter.Reset("brand-new-key")
}
