package pipeline

import (
	"context"
	"sort"
)

// Stage priorities. Lower runs first; the tool loop re-enters at the
// preparation priority after each executed round.
const (
	PrioritySessionLoad   = 10
	PriorityPromptRouting = 20
	PriorityRetrieval     = 30
	PriorityBudget        = 40
	PriorityPreparation   = 45
	PriorityCompletion    = 50
	PriorityToolExecution = 60
	PriorityPersistence   = 70
	PriorityUsageRecord   = 80
)

// Stage is one step of the turn pipeline. Run consumes and extends the
// shared turn context; Rollback unwinds observable side effects and is
// called only when a later stage aborts the turn after Run committed.
// Stages must observe ctx and return promptly on cancellation.
type Stage interface {
	Name() string
	Priority() int
	Run(ctx context.Context, tc *TurnContext) error
	Rollback(ctx context.Context, tc *TurnContext)
}

// noRollback is embedded by stages with no observable side effects.
type noRollback struct{}

func (noRollback) Rollback(context.Context, *TurnContext) {}

// sortStages orders stages by ascending priority, preserving
// registration order within a priority.
func sortStages(stages []Stage) {
	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].Priority() < stages[j].Priority()
	})
}
