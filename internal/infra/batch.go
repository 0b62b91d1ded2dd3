package infra

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BatchConfig tunes a BatchProcessor.
type BatchConfig struct {
	// MaxSize is the batch size that triggers an immediate flush.
	MaxSize int
	// MaxWait bounds how long a partial batch is held before flushing.
	MaxWait time.Duration
}

// BatchProcessor coalesces individual Submit calls into batched
// handler invocations. A batch is flushed when it reaches MaxSize or
// when its first item has waited MaxWait, whichever comes first. The
// handler must return one result per item, in item order; each
// submitter then receives the result at its item's position.
//
// Batches run on their own goroutines, so a slow handler does not
// stall collection of the next batch.
type BatchProcessor[T any, R any] struct {
	maxSize int
	maxWait time.Duration
	handler func(context.Context, []T) ([]R, error)

	mu      sync.Mutex
	pending []batchWaiter[T, R]
	timer   *time.Timer
}

type batchWaiter[T any, R any] struct {
	item T
	out  chan batchOutcome[R]
}

type batchOutcome[R any] struct {
	value R
	err   error
}

// NewBatchProcessor creates a processor that feeds batches to handler.
func NewBatchProcessor[T any, R any](cfg BatchConfig, handler func(context.Context, []T) ([]R, error)) *BatchProcessor[T, R] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 100 * time.Millisecond
	}
	return &BatchProcessor[T, R]{
		maxSize: cfg.MaxSize,
		maxWait: cfg.MaxWait,
		handler: handler,
	}
}

// Submit adds item to the current batch and blocks until the batch is
// processed or ctx is done. Cancellation abandons the caller's slot;
// the item itself still reaches the handler with the rest of its batch.
func (bp *BatchProcessor[T, R]) Submit(ctx context.Context, item T) (R, error) {
	w := batchWaiter[T, R]{item: item, out: make(chan batchOutcome[R], 1)}

	bp.mu.Lock()
	bp.pending = append(bp.pending, w)
	if len(bp.pending) == 1 {
		bp.timer = time.AfterFunc(bp.maxWait, bp.flushDue)
	}
	var ready []batchWaiter[T, R]
	if len(bp.pending) >= bp.maxSize {
		ready = bp.detachLocked()
	}
	bp.mu.Unlock()

	if ready != nil {
		go bp.process(ready)
	}

	select {
	case out := <-w.out:
		return out.value, out.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// flushDue fires when the oldest pending item has waited MaxWait.
func (bp *BatchProcessor[T, R]) flushDue() {
	bp.mu.Lock()
	ready := bp.detachLocked()
	bp.mu.Unlock()

	if ready != nil {
		bp.process(ready)
	}
}

// detachLocked takes ownership of the pending batch and cancels its
// timer. Caller holds mu.
func (bp *BatchProcessor[T, R]) detachLocked() []batchWaiter[T, R] {
	if len(bp.pending) == 0 {
		return nil
	}
	if bp.timer != nil {
		bp.timer.Stop()
		bp.timer = nil
	}
	ready := bp.pending
	bp.pending = nil
	return ready
}

// process runs one batch through the handler and hands each waiter its
// result. Waiter channels are buffered, so delivery never blocks on
// callers that already gave up.
func (bp *BatchProcessor[T, R]) process(batch []batchWaiter[T, R]) {
	items := make([]T, len(batch))
	for i, w := range batch {
		items[i] = w.item
	}

	results, err := bp.handler(context.Background(), items)
	if err == nil && len(results) != len(items) {
		err = fmt.Errorf("batch handler returned %d results for %d items", len(results), len(items))
	}

	for i, w := range batch {
		if err != nil {
			w.out <- batchOutcome[R]{err: err}
		} else {
			w.out <- batchOutcome[R]{value: results[i]}
		}
	}
}
