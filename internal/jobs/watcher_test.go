package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/agenticwork/awchat/internal/config"
	"github.com/agenticwork/awchat/pkg/models"
)

func testWatcherConfig() config.JobsConfig {
	return config.JobsConfig{
		PollInterval: 10 * time.Millisecond,
		WatchSetCap:  100,
		AsyncTools:   []string{"slow_*"},
	}
}

func TestSubscriberMatching(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
		userID    string
		job       *Job
		want      bool
	}{
		{"matches session", "s1", "", &Job{SessionID: "s1", UserID: "u9"}, true},
		{"matches user", "", "u1", &Job{SessionID: "s9", UserID: "u1"}, true},
		{"session wins over user mismatch", "s1", "u9", &Job{SessionID: "s1", UserID: "u1"}, true},
		{"no overlap", "s1", "u1", &Job{SessionID: "s2", UserID: "u2"}, false},
		{"catch-all subscriber", "", "", &Job{SessionID: "s2", UserID: "u2"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &subscriber{sessionID: tt.sessionID, userID: tt.userID}
			if got := sub.matches(tt.job); got != tt.want {
				t.Errorf("matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWatchRespectsCapAndPatterns(t *testing.T) {
	cfg := testWatcherConfig()
	cfg.WatchSetCap = 1
	w := NewWatcher(NewMemoryStore(), cfg, nil)

	// Outside the configured patterns: ignored, not counted.
	if err := w.Watch(&Job{ID: "j0", ToolName: "fast_tool"}); err != nil {
		t.Fatalf("Watch unmatched tool: %v", err)
	}
	if err := w.Watch(&Job{ID: "j1", ToolName: "slow_scan"}); err != nil {
		t.Fatalf("Watch first matching job: %v", err)
	}
	// Re-watching the same job is a no-op, not a second slot.
	if err := w.Watch(&Job{ID: "j1", ToolName: "slow_scan"}); err != nil {
		t.Fatalf("Watch duplicate: %v", err)
	}
	if err := w.Watch(&Job{ID: "j2", ToolName: "slow_crawl"}); err == nil {
		t.Fatal("expected an error once the watch set is full")
	}
	if err := w.Watch(nil); err != nil {
		t.Fatalf("Watch nil job: %v", err)
	}
}

func TestObserveEmitsOneChangePerJob(t *testing.T) {
	w := NewWatcher(NewMemoryStore(), testWatcherConfig(), nil)
	ctx := context.Background()

	matched, detachMatched := w.Subscribe("s1", "")
	defer detachMatched()
	other, detachOther := w.Subscribe("", "someone-else")
	defer detachOther()

	job := &Job{ID: "j1", SessionID: "s1", UserID: "u1", ToolName: "slow_scan", Status: StatusQueued}
	if err := w.Watch(job); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// Still running: tracked, nothing emitted.
	running := job.Clone()
	running.Status = StatusRunning
	w.observe(ctx, running)
	if len(matched) != 0 {
		t.Fatal("no change expected for a non-terminal status")
	}

	done := job.Clone()
	done.Status = StatusCompleted
	done.Result = &models.ToolResult{ToolCallID: "call-1", Content: `{"ok":true}`}
	w.observe(ctx, done)

	select {
	case change := <-matched:
		if change.From != StatusRunning {
			t.Errorf("change.From = %q, want %q", change.From, StatusRunning)
		}
		if change.Job.Status != StatusCompleted {
			t.Errorf("change.Job.Status = %q, want %q", change.Job.Status, StatusCompleted)
		}
		if change.Job.Result == nil || change.Job.Result.Content != `{"ok":true}` {
			t.Errorf("change.Job.Result = %+v, want the stored result", change.Job.Result)
		}
		if change.At.IsZero() {
			t.Error("change.At not set")
		}
	default:
		t.Fatal("expected a change on the matching subscriber")
	}
	if len(other) != 0 {
		t.Error("non-matching subscriber received a change")
	}

	// The job left the watch set; observing it again emits nothing.
	w.observe(ctx, done)
	if len(matched) != 0 {
		t.Error("second change emitted for the same job")
	}
}

func TestPollDropsUnknownJobs(t *testing.T) {
	cfg := testWatcherConfig()
	cfg.WatchSetCap = 1
	w := NewWatcher(NewMemoryStore(), cfg, nil)

	if err := w.Watch(&Job{ID: "ghost", ToolName: "slow_scan"}); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	w.poll(context.Background())

	// The ghost was dropped, so its slot is free again.
	if err := w.Watch(&Job{ID: "real", ToolName: "slow_scan"}); err != nil {
		t.Fatalf("Watch after drop: %v", err)
	}
}

func TestWatcherDeliversCompletionOverPollLoop(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	job := &Job{ID: "j1", UserID: "u1", SessionID: "s1", ToolName: "slow_scan", Status: StatusQueued}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	w := NewWatcher(store, testWatcherConfig(), nil)
	if err := w.Watch(job); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	ch, detach := w.Subscribe("", "u1")

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("second Start should be a no-op: %v", err)
	}

	finished := job.Clone()
	finished.Status = StatusFailed
	finished.Error = "upstream gone"
	finished.FinishedAt = time.Now().UTC()
	if err := store.Update(ctx, finished); err != nil {
		t.Fatalf("Update: %v", err)
	}

	select {
	case change := <-ch:
		if change.Job.ID != "j1" || change.Job.Status != StatusFailed {
			t.Errorf("change = %+v, want j1 failed", change.Job)
		}
		if change.Job.Error != "upstream gone" {
			t.Errorf("change.Job.Error = %q, want %q", change.Job.Error, "upstream gone")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered by the poll loop")
	}

	// One change per job: give the loop a few more polls to misbehave.
	select {
	case change := <-ch:
		t.Fatalf("unexpected second change: %+v", change)
	case <-time.After(100 * time.Millisecond):
	}

	detach()
	if _, ok := <-ch; ok {
		t.Error("detach should close the subscription channel")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := w.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop should be a no-op: %v", err)
	}
}
