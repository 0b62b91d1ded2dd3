package infra

import (
	"sync"
	"time"
)

// CacheConfig configures a TTLCache.
type CacheConfig struct {
	// DefaultTTL is how long entries stay valid after Set.
	DefaultTTL time.Duration
	// MaxSize bounds the number of entries (0 = unbounded). When the
	// cache is full, Set evicts the oldest entry.
	MaxSize int
	// CleanupInterval sets how often expired entries are swept in the
	// background. Zero disables the sweeper; expired entries are then
	// dropped lazily on Get.
	CleanupInterval time.Duration
}

// TTLCache is a bounded in-memory cache with per-entry expiry.
// All methods are safe for concurrent use.
type TTLCache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]ttlEntry[V]
	ttl     time.Duration
	maxSize int

	hits   uint64
	misses uint64
	evicts uint64

	sweepStop chan struct{}
	stopOnce  sync.Once
}

type ttlEntry[V any] struct {
	value    V
	expires  time.Time
	inserted time.Time
}

// NewTTLCache creates a cache. Call Stop when done if CleanupInterval
// is set, otherwise the sweeper goroutine outlives the cache.
func NewTTLCache[K comparable, V any](cfg CacheConfig) *TTLCache[K, V] {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	c := &TTLCache[K, V]{
		entries:   make(map[K]ttlEntry[V]),
		ttl:       cfg.DefaultTTL,
		maxSize:   cfg.MaxSize,
		sweepStop: make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go c.sweepLoop(cfg.CleanupInterval)
	}
	return c
}

// Get returns the value for key if present and not expired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	if time.Now().After(entry.expires) {
		delete(c.entries, key)
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return entry.value, true
}

// Set stores value under key with the default TTL, replacing any
// existing entry. At capacity the oldest entry is evicted first.
func (c *TTLCache[K, V]) Set(key K, value V) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = ttlEntry[V]{
		value:    value,
		expires:  now.Add(c.ttl),
		inserted: now,
	}
}

// Delete removes key from the cache.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear drops every entry. Hit and miss counters are kept; they track
// the cache's lifetime, not its current contents.
func (c *TTLCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]ttlEntry[V])
}

// Len returns the number of entries, including any that have expired
// but not yet been swept.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a point-in-time snapshot of cache effectiveness.
func (c *TTLCache[K, V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{
		Size:    len(c.entries),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
		Evicts:  c.evicts,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Stop shuts down the background sweeper. Safe to call more than once
// and safe when no sweeper was started.
func (c *TTLCache[K, V]) Stop() {
	c.stopOnce.Do(func() {
		close(c.sweepStop)
	})
}

// CacheStats reports cache usage counters accumulated since creation.
type CacheStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Evicts  uint64  `json:"evicts"`
	HitRate float64 `json:"hit_rate"`
}

// evictOldest drops the entry with the earliest insert time. Caller
// holds mu. Linear scan; fine at the sizes this cache is run with.
func (c *TTLCache[K, V]) evictOldest() {
	var (
		victim K
		oldest time.Time
		found  bool
	)
	for key, entry := range c.entries {
		if !found || entry.inserted.Before(oldest) {
			victim = key
			oldest = entry.inserted
			found = true
		}
	}
	if found {
		delete(c.entries, victim)
		c.evicts++
	}
}

func (c *TTLCache[K, V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.sweepStop:
			return
		}
	}
}

func (c *TTLCache[K, V]) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
		}
	}
}
