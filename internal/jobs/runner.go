package jobs

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenticwork/awchat/internal/config"
	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/tools"
	"github.com/agenticwork/awchat/pkg/models"
)

// Runner executes tool calls designated for background execution. Submit
// records a queued job, hands the call to a bounded worker goroutine, and
// returns a job reference immediately so the originating turn never blocks
// on the tool. The job record carries the eventual result; the Watcher
// announces it.
type Runner struct {
	store    Store
	registry *tools.Registry
	watcher  *Watcher
	patterns []string
	timeout  time.Duration
	logger   *observability.Logger
	metrics  *observability.Metrics

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
}

// NewRunner wires a runner to the job store and tool registry. watcher may
// be nil when no transport forwards completions.
func NewRunner(store Store, registry *tools.Registry, watcher *Watcher, cfg config.JobsConfig, logger *observability.Logger, metrics *observability.Metrics) *Runner {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetricsWithRegistry(nil)
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Runner{
		store:    store,
		registry: registry,
		watcher:  watcher,
		patterns: cfg.AsyncTools,
		timeout:  timeout,
		logger:   logger,
		metrics:  metrics,
		sem:      make(chan struct{}, maxConcurrent),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Matches reports whether the tool name is configured for background
// execution. Patterns use path.Match syntax, so "search_*" covers a
// family and a bare name covers itself.
func (r *Runner) Matches(toolName string) bool {
	return matchesAny(r.patterns, toolName)
}

// matchesAny reports whether name matches any path.Match pattern.
// Malformed patterns never match.
func matchesAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Submit records a queued job for the call and schedules its execution.
// The returned output is the tool result handed back to the model: a
// job reference payload, available immediately. Execution continues on a
// context detached from the turn, so the job survives the caller.
func (r *Runner) Submit(ctx context.Context, call models.ToolCall, userID, sessionID string) *tools.Output {
	job := &Job{
		ID:         uuid.NewString(),
		UserID:     userID,
		SessionID:  sessionID,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		Status:     StatusQueued,
		CreatedAt:  time.Now().UTC(),
	}

	detached := context.WithoutCancel(ctx)
	if err := r.store.Create(detached, job); err != nil {
		r.logger.Warn(ctx, "create background job failed",
			"job_id", job.ID,
			"tool", call.Name,
			"tool_call_id", call.ID,
			"error", err,
		)
	}
	if r.watcher != nil {
		if err := r.watcher.Watch(job); err != nil {
			r.logger.Warn(ctx, "background job not watched", "job_id", job.ID, "error", err)
		}
	}
	r.metrics.RecordJobTransition(string(StatusQueued))

	payload, err := json.Marshal(map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
	if err != nil {
		return tools.Errorf("encode job payload: %v", err)
	}

	if !r.dispatch(detached, job, call) {
		r.logger.Warn(ctx, "background job queue full, running synchronously",
			"job_id", job.ID,
			"tool", call.Name,
		)
		r.execute(detached, job, call)
	}
	return &tools.Output{Content: string(payload)}
}

// dispatch hands the job to a worker goroutine if capacity allows.
func (r *Runner) dispatch(ctx context.Context, job *Job, call models.ToolCall) bool {
	select {
	case r.sem <- struct{}{}:
	default:
		return false
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.sem
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()
		r.execute(ctx, job, call)
	}()
	return true
}

// execute drives the job through running to its terminal state. Record
// updates use the detached context so a cancelled execution can still be
// marked failed.
func (r *Runner) execute(ctx context.Context, job *Job, call models.ToolCall) {
	runCtx, cancel := r.track(ctx, job.ID)
	defer cancel()
	defer r.untrack(job.ID)

	job.Status = StatusRunning
	job.StartedAt = time.Now().UTC()
	if err := r.store.Update(ctx, job); err != nil {
		r.logger.Warn(ctx, "mark job running failed", "job_id", job.ID, "error", err)
	}
	r.metrics.RecordJobTransition(string(StatusRunning))

	out := r.registry.Execute(runCtx, call.Name, tools.Invocation{
		Args:    call.Arguments,
		Caller:  job.UserID,
		Timeout: r.timeout,
	})

	job.Result = &models.ToolResult{
		ToolCallID: call.ID,
		Content:    out.Content,
		IsError:    out.IsError,
		Metadata:   out.Metadata,
	}
	if out.IsError {
		job.Status = StatusFailed
		job.Error = out.Content
	} else {
		job.Status = StatusCompleted
	}
	job.FinishedAt = time.Now().UTC()
	if err := r.store.Update(ctx, job); err != nil {
		r.logger.Warn(ctx, "record job completion failed",
			"job_id", job.ID,
			"status", string(job.Status),
			"error", err,
		)
	}
	r.metrics.RecordJobTransition(string(job.Status))
	r.logger.Info(ctx, "background job finished",
		"job_id", job.ID,
		"tool", job.ToolName,
		"status", string(job.Status),
		"elapsed", job.FinishedAt.Sub(job.StartedAt),
	)
}

func (r *Runner) track(ctx context.Context, jobID string) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[jobID] = cancel
	// A worker that started while Close was collecting cancel funcs
	// would otherwise run to completion unchecked.
	if r.closed {
		cancel()
	}
	return runCtx, cancel
}

func (r *Runner) untrack(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, jobID)
}

// Close stops accepting work, cancels in-flight executions, and waits for
// their records to settle or the context to expire.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancels := make([]context.CancelFunc, 0, len(r.cancels))
	for _, cancel := range r.cancels {
		cancels = append(cancels, cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
