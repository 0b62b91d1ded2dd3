package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agenticwork/awchat/internal/storage"
)

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	entries map[string]json.RawMessage
	err     error
}

func (f *fakeSource) GetConfig(_ context.Context, key string) (*ConfigEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	value, ok := f.entries[key]
	if !ok {
		return nil, fmt.Errorf("runtime config %s: %w", key, storage.ErrNotFound)
	}
	return &ConfigEntry{Key: key, Value: value, UpdatedAt: time.Now()}, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestConfigReaderCachesWithinTTL(t *testing.T) {
	source := &fakeSource{entries: map[string]json.RawMessage{
		KeyModelRoles: json.RawMessage(`{"analyst":"gpt-4o"}`),
	}}
	reader := NewConfigReader(source, nil, time.Minute, nil)
	defer reader.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		value, found, err := reader.Get(ctx, KeyModelRoles)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !found {
			t.Fatal("expected value to be found")
		}
		if string(value) != `{"analyst":"gpt-4o"}` {
			t.Errorf("unexpected value %s", value)
		}
	}
	if got := source.callCount(); got != 1 {
		t.Errorf("expected 1 source read, got %d", got)
	}
}

func TestConfigReaderNegativeCachesMissingKeys(t *testing.T) {
	source := &fakeSource{entries: map[string]json.RawMessage{}}
	reader := NewConfigReader(source, nil, time.Minute, nil)
	defer reader.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, found, err := reader.Get(ctx, KeySliderOverrides)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if found {
			t.Fatal("expected key to be missing")
		}
	}
	if got := source.callCount(); got != 1 {
		t.Errorf("expected 1 source read, got %d", got)
	}
}

func TestConfigReaderInvalidationEvicts(t *testing.T) {
	source := &fakeSource{entries: map[string]json.RawMessage{
		KeyModelRoles: json.RawMessage(`{"*":"gpt-4o-mini"}`),
	}}
	bus := NewBus()
	reader := NewConfigReader(source, bus, time.Minute, nil)
	defer reader.Close()
	ctx := context.Background()

	if _, _, err := reader.Get(ctx, KeyModelRoles); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	source.mu.Lock()
	source.entries[KeyModelRoles] = json.RawMessage(`{"*":"gpt-4o"}`)
	source.mu.Unlock()

	// Without an invalidation the cached value holds.
	value, _, err := reader.Get(ctx, KeyModelRoles)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(value) != `{"*":"gpt-4o-mini"}` {
		t.Errorf("expected cached value, got %s", value)
	}

	bus.Publish(KeyModelRoles)

	value, _, err = reader.Get(ctx, KeyModelRoles)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(value) != `{"*":"gpt-4o"}` {
		t.Errorf("expected fresh value after invalidation, got %s", value)
	}
	if got := source.callCount(); got != 2 {
		t.Errorf("expected 2 source reads, got %d", got)
	}
}

func TestConfigReaderTTLExpiry(t *testing.T) {
	source := &fakeSource{entries: map[string]json.RawMessage{
		KeyRoutingThresholds: json.RawMessage(`{"score_threshold":0.5}`),
	}}
	reader := NewConfigReader(source, nil, 10*time.Millisecond, nil)
	defer reader.Close()
	ctx := context.Background()

	if _, _, err := reader.Get(ctx, KeyRoutingThresholds); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, _, err := reader.Get(ctx, KeyRoutingThresholds); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := source.callCount(); got != 2 {
		t.Errorf("expected reread after TTL, got %d reads", got)
	}
}

func TestModelForGroups(t *testing.T) {
	source := &fakeSource{entries: map[string]json.RawMessage{
		KeyModelRoles: json.RawMessage(`{"analyst":"gpt-4o","ops":"","*":"gpt-4o-mini"}`),
	}}
	reader := NewConfigReader(source, nil, time.Minute, nil)
	defer reader.Close()
	ctx := context.Background()

	tests := []struct {
		name   string
		groups []string
		want   string
		wantOK bool
	}{
		{"first matching group wins", []string{"eng", "analyst"}, "gpt-4o", true},
		{"empty assignment falls through", []string{"ops"}, "gpt-4o-mini", true},
		{"unmatched falls back to star", []string{"eng"}, "gpt-4o-mini", true},
		{"nil groups fall back to star", nil, "gpt-4o-mini", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := reader.ModelForGroups(ctx, tt.groups)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ModelForGroups(%v) = %q, %v; want %q, %v",
					tt.groups, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestModelForGroupsUnset(t *testing.T) {
	source := &fakeSource{entries: map[string]json.RawMessage{}}
	reader := NewConfigReader(source, nil, time.Minute, nil)
	defer reader.Close()

	if _, ok := reader.ModelForGroups(context.Background(), []string{"eng"}); ok {
		t.Error("expected no override when key is unset")
	}
}

func TestTypedAccessors(t *testing.T) {
	source := &fakeSource{entries: map[string]json.RawMessage{
		KeyRoutingThresholds: json.RawMessage(`{"score_threshold":0.6}`),
		KeySliderOverrides:   json.RawMessage(`{"temperature":0.4}`),
	}}
	reader := NewConfigReader(source, nil, time.Minute, nil)
	defer reader.Close()
	ctx := context.Background()

	thresholds, ok := reader.RoutingThresholds(ctx)
	if !ok || thresholds.ScoreThreshold != 0.6 {
		t.Errorf("unexpected thresholds %+v, ok=%v", thresholds, ok)
	}

	sliders, ok := reader.SliderOverrides(ctx)
	if !ok || sliders.Temperature == nil || *sliders.Temperature != 0.4 {
		t.Errorf("unexpected sliders %+v, ok=%v", sliders, ok)
	}
}

func TestReaderDegradesOnSourceError(t *testing.T) {
	source := &fakeSource{err: errors.New("db down")}
	reader := NewConfigReader(source, nil, time.Minute, nil)
	defer reader.Close()
	ctx := context.Background()

	if _, _, err := reader.Get(ctx, KeyModelRoles); err == nil {
		t.Error("expected raw Get to surface the error")
	}
	if _, ok := reader.ModelForGroups(ctx, []string{"eng"}); ok {
		t.Error("expected typed accessor to degrade to no override")
	}
}

func TestReaderSkipsMalformedEntries(t *testing.T) {
	source := &fakeSource{entries: map[string]json.RawMessage{
		KeySliderOverrides: json.RawMessage(`{broken`),
	}}
	reader := NewConfigReader(source, nil, time.Minute, nil)
	defer reader.Close()

	if _, ok := reader.SliderOverrides(context.Background()); ok {
		t.Error("expected malformed entry to read as unset")
	}
}

func TestBusSubscribeCancel(t *testing.T) {
	bus := NewBus()
	var got []string
	cancel := bus.Subscribe(func(key string) { got = append(got, key) })

	bus.Publish("a")
	cancel()
	bus.Publish("b")

	if len(got) != 1 || got[0] != "a" {
		t.Errorf("expected only pre-cancel publishes, got %v", got)
	}
}
