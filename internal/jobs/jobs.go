// Package jobs runs long-running tool calls as background jobs and
// watches the shared job log for completions.
//
// A job moves queued -> running -> completed|failed. The Runner executes
// tools asynchronously and maintains the record through that lifecycle;
// the Watcher polls the store and emits one status change per job when
// it reaches a terminal state, so transports can push completion events
// to waiting clients long after the originating turn finished.
package jobs

import (
	"context"
	"time"

	"github.com/agenticwork/awchat/pkg/models"
)

// Status is the lifecycle state of a background job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one asynchronous tool execution.
type Job struct {
	ID         string             `json:"id"`
	UserID     string             `json:"user_id,omitempty"`
	SessionID  string             `json:"session_id,omitempty"`
	ToolName   string             `json:"tool_name"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
	Status     Status             `json:"status"`
	Result     *models.ToolResult `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	StartedAt  time.Time          `json:"started_at,omitempty"`
	FinishedAt time.Time          `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	if j.Result != nil {
		result := *j.Result
		clone.Result = &result
	}
	return &clone
}

// StatusChange is the watcher's single event: a job reached a terminal
// state. Job is a snapshot taken at the transition.
type StatusChange struct {
	Job  *Job      `json:"job"`
	From Status    `json:"from"`
	At   time.Time `json:"at"`
}

// Store persists job records.
type Store interface {
	// Create inserts a job, filling ID and CreatedAt when unset.
	Create(ctx context.Context, job *Job) error

	// Update rewrites a job's mutable fields, or storage.ErrNotFound.
	Update(ctx context.Context, job *Job) error

	// Get returns a job by id, or storage.ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns jobs newest first. A userID filters to that user's
	// jobs; empty lists all.
	List(ctx context.Context, userID string, limit, offset int) ([]*Job, error)

	// Prune removes jobs created before the cutoff, returning the count.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}
