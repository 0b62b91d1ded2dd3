package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agenticwork/awchat/internal/config"
	"github.com/agenticwork/awchat/internal/observability"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// stops draining loses the oldest pending changes rather than stalling
// the poll loop.
const subscriberBuffer = 16

// Watcher polls the job store and announces terminal transitions. One
// watcher serves the whole process. Each watched job produces at most one
// StatusChange: when its status moves from queued or running to a
// terminal state, the change fans out to matching subscribers and the job
// leaves the watch set.
type Watcher struct {
	store    Store
	interval time.Duration
	limit    int
	patterns []string
	logger   *observability.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	watched map[string]Status
	subs    map[int]*subscriber
	nextSub int
}

type subscriber struct {
	sessionID string
	userID    string
	ch        chan StatusChange
}

// matches reports whether the change concerns this subscriber's session
// or user. A subscriber with neither set receives every change.
func (s *subscriber) matches(job *Job) bool {
	if s.sessionID == "" && s.userID == "" {
		return true
	}
	if s.sessionID != "" && job.SessionID == s.sessionID {
		return true
	}
	return s.userID != "" && job.UserID == s.userID
}

// NewWatcher creates a watcher over the given store. Poll interval,
// watch-set cap, and the watched tool patterns come from cfg.
func NewWatcher(store Store, cfg config.JobsConfig, logger *observability.Logger) *Watcher {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	limit := cfg.WatchSetCap
	if limit <= 0 {
		limit = 1000
	}
	return &Watcher{
		store:    store,
		interval: interval,
		limit:    limit,
		patterns: cfg.AsyncTools,
		logger:   logger,
		watched:  make(map[string]Status),
		subs:     make(map[int]*subscriber),
	}
}

// Start launches the poll loop. Calling Start on a running watcher is a
// no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.mu.Unlock()

	w.logger.Info(ctx, "starting job watcher",
		"poll_interval", w.interval,
		"watch_limit", w.limit,
	)

	w.wg.Add(1)
	go w.pollLoop(ctx)
	return nil
}

// Stop halts polling and waits for the loop to exit or the context to
// expire. Subscribers stay attached across a restart.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info(ctx, "job watcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watch adds a job to the watch set. Jobs whose tool name falls outside
// the configured patterns are ignored; a full watch set is an error.
func (w *Watcher) Watch(job *Job) error {
	if job == nil || job.ID == "" {
		return nil
	}
	if len(w.patterns) > 0 && !matchesAny(w.patterns, job.ToolName) {
		return nil
	}

	// Seed the last-known status so a job that finished before its
	// first poll still registers as a transition.
	last := job.Status
	if last == "" || last.Terminal() {
		last = StatusQueued
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[job.ID]; ok {
		return nil
	}
	if len(w.watched) >= w.limit {
		return fmt.Errorf("watch set full (%d jobs)", w.limit)
	}
	w.watched[job.ID] = last
	return nil
}

// Subscribe attaches a listener for terminal changes matching the given
// session or user. The returned function detaches it and closes the
// channel.
func (w *Watcher) Subscribe(sessionID, userID string) (<-chan StatusChange, func()) {
	sub := &subscriber{
		sessionID: sessionID,
		userID:    userID,
		ch:        make(chan StatusChange, subscriberBuffer),
	}

	w.mu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = sub
	w.mu.Unlock()

	detach := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if _, ok := w.subs[id]; !ok {
			return
		}
		delete(w.subs, id)
		close(sub.ch)
	}
	return sub.ch, detach
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run immediately on start
	w.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll fetches every watched job and fans out the transitions it finds.
// Store reads happen outside the lock.
func (w *Watcher) poll(ctx context.Context) {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watched))
	for id := range w.watched {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		job, err := w.store.Get(ctx, id)
		if err != nil {
			// Pruned or never created; stop watching it.
			w.logger.Warn(ctx, "watched job unavailable, dropping", "job_id", id, "error", err)
			w.drop(id)
			continue
		}
		w.observe(ctx, job)
	}
}

// observe compares the job against its last-known status and emits at
// most one change.
func (w *Watcher) observe(ctx context.Context, job *Job) {
	w.mu.Lock()
	last, ok := w.watched[job.ID]
	if !ok {
		w.mu.Unlock()
		return
	}
	if !job.Status.Terminal() {
		w.watched[job.ID] = job.Status
		w.mu.Unlock()
		return
	}
	delete(w.watched, job.ID)

	change := StatusChange{Job: job, From: last, At: time.Now().UTC()}
	delivered := 0
	for _, sub := range w.subs {
		if !sub.matches(job) {
			continue
		}
		select {
		case sub.ch <- change:
			delivered++
		default:
			// Slow subscriber; the change is lost to it.
		}
	}
	w.mu.Unlock()

	w.logger.Info(ctx, "job reached terminal state",
		"job_id", job.ID,
		"tool", job.ToolName,
		"status", string(job.Status),
		"from", string(last),
		"subscribers", delivered,
	)
}

func (w *Watcher) drop(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, id)
}
