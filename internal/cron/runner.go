package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agenticwork/awchat/internal/observability"
)

// Job is a named function executed on a schedule.
type Job struct {
	Name     string
	Schedule Schedule
	Run      func(ctx context.Context)
}

// Runner drives a set of scheduled jobs. Each job runs in its own
// goroutine; a panicking job is logged and rescheduled.
type Runner struct {
	logger *observability.Logger

	mu      sync.Mutex
	jobs    []Job
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRunner creates a runner with no jobs.
func NewRunner(logger *observability.Logger) *Runner {
	return &Runner{logger: logger}
}

// Add registers a job. Returns an error after Start, or when the job is
// incomplete.
func (r *Runner) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s has no run function", job.Name)
	}
	if job.Schedule.Expr == "" {
		return fmt.Errorf("job %s has no schedule", job.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("runner already started")
	}
	r.jobs = append(r.jobs, job)
	return nil
}

// Start launches one goroutine per job. Calling Start twice is a no-op.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	for _, job := range r.jobs {
		r.wg.Add(1)
		go r.runLoop(ctx, job)
	}
}

// Stop cancels all job loops and waits for in-flight runs to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Runner) runLoop(ctx context.Context, job Job) {
	defer r.wg.Done()

	for {
		next, ok, err := job.Schedule.Next(time.Now())
		if err != nil || !ok {
			r.logger.Error(ctx, "cron job has no next run", "job", job.Name, "error", err)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		r.runOnce(ctx, job)
	}
}

func (r *Runner) runOnce(ctx context.Context, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(ctx, "cron job panicked", "job", job.Name, "panic", rec)
		}
	}()

	start := time.Now()
	job.Run(ctx)
	r.logger.Debug(ctx, "cron job completed", "job", job.Name, "duration", time.Since(start))
}
