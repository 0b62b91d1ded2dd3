package embed

import (
	"context"
	"fmt"
	"time"

	"github.com/agenticwork/awchat/internal/infra"
)

// BatcherConfig tunes request coalescing and the vector cache.
type BatcherConfig struct {
	// BatchSize is the maximum number of texts per upstream request.
	BatchSize int
	// MaxWait bounds how long a partial batch is held before flushing.
	MaxWait time.Duration
	// CacheSize is the maximum number of cached vectors.
	CacheSize int
	// CacheTTL is how long a cached vector stays valid.
	CacheTTL time.Duration
}

func (c BatcherConfig) withDefaults() BatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 50 * time.Millisecond
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 2048
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	return c
}

// Batcher wraps an Embedder with request coalescing and a TTL cache.
// Concurrent single-text calls are folded into shared upstream batches;
// repeated texts are served from the cache without an upstream call.
type Batcher struct {
	inner     Embedder
	batchSize int
	cache     *infra.TTLCache[string, []float32]
	batch     *infra.BatchProcessor[string, []float32]
}

var _ Embedder = (*Batcher)(nil)

// NewBatcher wraps inner with coalescing and caching.
func NewBatcher(inner Embedder, cfg BatcherConfig) *Batcher {
	cfg = cfg.withDefaults()
	b := &Batcher{
		inner:     inner,
		batchSize: cfg.BatchSize,
		cache: infra.NewTTLCache[string, []float32](infra.CacheConfig{
			DefaultTTL:      cfg.CacheTTL,
			MaxSize:         cfg.CacheSize,
			CleanupInterval: 5 * time.Minute,
		}),
	}
	b.batch = infra.NewBatchProcessor[string, []float32](infra.BatchConfig{
		MaxSize: cfg.BatchSize,
		MaxWait: cfg.MaxWait,
	}, func(ctx context.Context, texts []string) ([][]float32, error) {
		return b.inner.EmbedBatch(ctx, texts)
	})
	return b
}

// Dimension returns the wrapped embedder's dimension.
func (b *Batcher) Dimension() int {
	return b.inner.Dimension()
}

// Embed returns the vector for a single text, waiting on a shared batch
// when other callers are in flight.
func (b *Batcher) Embed(ctx context.Context, text string) ([]float32, error) {
	text = Truncate(text)
	if vec, ok := b.cache.Get(text); ok {
		return vec, nil
	}

	vec, err := b.batch.Submit(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding service returned no vector")
	}
	b.cache.Set(text, vec)
	return vec, nil
}

// EmbedBatch resolves cached texts locally and fetches the rest in chunks
// of at most BatchSize, preserving input order.
func (b *Batcher) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missIdx []int
	var miss []string
	for i, text := range texts {
		text = Truncate(text)
		if vec, ok := b.cache.Get(text); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		miss = append(miss, text)
	}

	for start := 0; start < len(miss); start += b.batchSize {
		end := min(start+b.batchSize, len(miss))
		vecs, err := b.inner.EmbedBatch(ctx, miss[start:end])
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embedding batch returned %d vectors for %d inputs", len(vecs), end-start)
		}
		for j, vec := range vecs {
			out[missIdx[start+j]] = vec
			b.cache.Set(miss[start+j], vec)
		}
	}
	return out, nil
}

// Close stops the cache janitor.
func (b *Batcher) Close() {
	b.cache.Stop()
}
