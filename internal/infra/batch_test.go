package infra

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBatchProcessorFlushesAtMaxSize(t *testing.T) {
	var handlerCalls atomic.Int32
	var batchLen atomic.Int32

	// MaxWait is long enough that only the size trigger can flush.
	bp := NewBatchProcessor[string, string](BatchConfig{MaxSize: 3, MaxWait: 10 * time.Second},
		func(_ context.Context, items []string) ([]string, error) {
			handlerCalls.Add(1)
			batchLen.Store(int32(len(items)))
			out := make([]string, len(items))
			for i, item := range items {
				out[i] = strings.ToUpper(item)
			}
			return out, nil
		})

	inputs := []string{"alpha", "beta", "gamma"}
	var wg sync.WaitGroup
	for _, in := range inputs {
		wg.Add(1)
		go func(in string) {
			defer wg.Done()
			got, err := bp.Submit(context.Background(), in)
			if err != nil {
				t.Errorf("submit %q: %v", in, err)
				return
			}
			if want := strings.ToUpper(in); got != want {
				t.Errorf("submit %q: expected %q, got %q", in, want, got)
			}
		}(in)
	}
	wg.Wait()

	if got := handlerCalls.Load(); got != 1 {
		t.Fatalf("expected a single batched handler call, got %d", got)
	}
	if got := batchLen.Load(); got != 3 {
		t.Fatalf("expected batch of 3, got %d", got)
	}
}

func TestBatchProcessorFlushesOnTimer(t *testing.T) {
	var batchLen atomic.Int32
	bp := NewBatchProcessor[int, int](BatchConfig{MaxSize: 100, MaxWait: 30 * time.Millisecond},
		func(_ context.Context, items []int) ([]int, error) {
			batchLen.Store(int32(len(items)))
			out := make([]int, len(items))
			for i, item := range items {
				out[i] = item * 2
			}
			return out, nil
		})

	start := time.Now()
	got, err := bp.Submit(context.Background(), 21)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if batchLen.Load() != 1 {
		t.Fatalf("expected partial batch of 1, got %d", batchLen.Load())
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timer flush took too long: %v", elapsed)
	}
}

func TestBatchProcessorPropagatesHandlerError(t *testing.T) {
	boom := errors.New("upstream rejected batch")
	bp := NewBatchProcessor[string, string](BatchConfig{MaxSize: 1, MaxWait: time.Second},
		func(context.Context, []string) ([]string, error) {
			return nil, boom
		})

	_, err := bp.Submit(context.Background(), "x")
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestBatchProcessorRejectsShortResults(t *testing.T) {
	bp := NewBatchProcessor[string, string](BatchConfig{MaxSize: 1, MaxWait: time.Second},
		func(_ context.Context, items []string) ([]string, error) {
			return nil, nil
		})

	_, err := bp.Submit(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "0 results for 1 items") {
		t.Fatalf("expected result count mismatch error, got %v", err)
	}
}

func TestBatchProcessorHonorsContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	bp := NewBatchProcessor[int, int](BatchConfig{MaxSize: 1, MaxWait: time.Second},
		func(_ context.Context, items []int) ([]int, error) {
			<-block
			return make([]int, len(items)), nil
		})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := bp.Submit(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
