package admin

import (
	"sync"
)

// Bus fans invalidation notices out to consumer caches. Publish runs every
// subscriber synchronously, so a write has reached all caches by the time
// the control-plane call returns. Subscribers must therefore be cheap; a
// ConfigReader's handler is a map delete.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]func(key string)
	next int
}

// NewBus creates an empty invalidation bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(key string))}
}

// Subscribe registers a handler for invalidations and returns a function
// that removes it.
func (b *Bus) Subscribe(fn func(key string)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers an invalidation for key to every subscriber.
func (b *Bus) Publish(key string) {
	b.mu.RLock()
	handlers := make([]func(string), 0, len(b.subs))
	for _, fn := range b.subs {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(key)
	}
}
