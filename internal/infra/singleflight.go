package infra

import "sync"

// Group deduplicates concurrent calls that share a key. While a call
// for a key is in flight, later callers for the same key block and
// receive that call's result instead of executing their own. Distinct
// keys run independently. The zero value is ready to use.
//
// This is golang.org/x/sync/singleflight reshaped around type
// parameters so callers keep their concrete result types.
type Group[K comparable, V any] struct {
	mu       sync.Mutex
	inflight map[K]*flight[V]
}

type flight[V any] struct {
	done   chan struct{}
	value  V
	err    error
	shared bool
}

// Do executes fn, coalescing concurrent calls for the same key into a
// single execution. The bool result reports whether the value was
// shared with other callers. Once the call completes the key is
// released; a later Do for it executes fn again.
func (g *Group[K, V]) Do(key K, fn func() (V, error)) (V, error, bool) {
	g.mu.Lock()
	if g.inflight == nil {
		g.inflight = make(map[K]*flight[V])
	}
	if f, ok := g.inflight[key]; ok {
		f.shared = true
		g.mu.Unlock()
		<-f.done
		return f.value, f.err, true
	}
	f := &flight[V]{done: make(chan struct{})}
	g.inflight[key] = f
	g.mu.Unlock()

	g.run(key, f, fn)
	return f.value, f.err, f.shared
}

// run executes fn and releases the key afterwards, waking any callers
// that joined the flight. The key is released even if fn panics so
// waiters are never stranded.
func (g *Group[K, V]) run(key K, f *flight[V], fn func() (V, error)) {
	defer func() {
		g.mu.Lock()
		delete(g.inflight, key)
		g.mu.Unlock()
		close(f.done)
	}()
	f.value, f.err = fn()
}
