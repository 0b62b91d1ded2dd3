package admin

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/storage"
)

// Source is the read side of the runtime configuration store.
type Source interface {
	GetConfig(ctx context.Context, key string) (*ConfigEntry, error)
}

// ConfigReader is the consumer-side view of runtime configuration. Each
// consumer component holds its own reader: values are cached for the TTL,
// missing keys are negatively cached for the same TTL, and invalidations
// from the bus evict immediately. Read failures degrade to "no override"
// so a control-plane outage never fails a turn.
type ConfigReader struct {
	source Source
	ttl    time.Duration
	logger *observability.Logger
	cancel func()

	mu    sync.Mutex
	cache map[string]cachedValue
}

type cachedValue struct {
	value     json.RawMessage
	found     bool
	fetchedAt time.Time
}

// NewConfigReader creates a reader over source, subscribed to bus for
// invalidations. A nil bus disables invalidation and leaves only the TTL.
func NewConfigReader(source Source, bus *Bus, ttl time.Duration, logger *observability.Logger) *ConfigReader {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	r := &ConfigReader{
		source: source,
		ttl:    ttl,
		logger: logger,
		cache:  make(map[string]cachedValue),
	}
	if bus != nil {
		r.cancel = bus.Subscribe(r.invalidate)
	}
	return r
}

// Close unsubscribes the reader from the invalidation bus.
func (r *ConfigReader) Close() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Get returns the raw value for key, or ok=false when the key is unset.
func (r *ConfigReader) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	now := time.Now()

	r.mu.Lock()
	cached, ok := r.cache[key]
	r.mu.Unlock()
	if ok && now.Sub(cached.fetchedAt) < r.ttl {
		return cached.value, cached.found, nil
	}

	entry, err := r.source.GetConfig(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		r.store(key, cachedValue{found: false, fetchedAt: now})
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}

	r.store(key, cachedValue{value: entry.Value, found: true, fetchedAt: now})
	return entry.Value, true, nil
}

// RoleModels maps a group name to the model that group should use. The "*"
// entry is the fallback for users matching no listed group.
type RoleModels map[string]string

// ModelForGroups resolves the model override for a user's groups, first
// match in group order, falling back to the "*" role.
func (r *ConfigReader) ModelForGroups(ctx context.Context, groups []string) (string, bool) {
	var roles RoleModels
	if !r.decode(ctx, KeyModelRoles, &roles) {
		return "", false
	}
	for _, g := range groups {
		if m, ok := roles[g]; ok && m != "" {
			return m, true
		}
	}
	if m, ok := roles["*"]; ok && m != "" {
		return m, true
	}
	return "", false
}

// Thresholds carries runtime overrides for template routing.
type Thresholds struct {
	ScoreThreshold float64 `json:"score_threshold"`
}

// RoutingThresholds returns the routing threshold override, if set.
func (r *ConfigReader) RoutingThresholds(ctx context.Context) (Thresholds, bool) {
	var t Thresholds
	if !r.decode(ctx, KeyRoutingThresholds, &t) {
		return Thresholds{}, false
	}
	return t, true
}

// Sliders carries runtime overrides for generation parameters.
type Sliders struct {
	Temperature *float32 `json:"temperature,omitempty"`
}

// SliderOverrides returns the generation slider overrides, if set.
func (r *ConfigReader) SliderOverrides(ctx context.Context) (Sliders, bool) {
	var s Sliders
	if !r.decode(ctx, KeySliderOverrides, &s) {
		return Sliders{}, false
	}
	return s, true
}

// decode fetches and unmarshals key into out, reporting whether a usable
// value was found. Errors degrade to not-found with a warning.
func (r *ConfigReader) decode(ctx context.Context, key string, out any) bool {
	raw, found, err := r.Get(ctx, key)
	if err != nil {
		r.logger.Warn(ctx, "runtime config read failed, using defaults",
			"key", key, "error", err)
		return false
	}
	if !found {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		r.logger.Warn(ctx, "runtime config entry is malformed",
			"key", key, "error", err)
		return false
	}
	return true
}

func (r *ConfigReader) store(key string, v cachedValue) {
	r.mu.Lock()
	r.cache[key] = v
	r.mu.Unlock()
}

func (r *ConfigReader) invalidate(key string) {
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
}
