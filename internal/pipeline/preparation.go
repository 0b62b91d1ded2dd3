package pipeline

import (
	"context"

	"github.com/agenticwork/awchat/internal/observability"
)

// preparationStage runs transcript preparation over the working list.
// On re-entry after a tool round it preserves the live cycle and skips
// re-appending the current turn; after an upstream schema rejection it
// applies the strict pass that drops every tool cycle.
type preparationStage struct {
	noRollback
	collapseCycles bool
	logger         *observability.Logger
}

func newPreparationStage(collapseCycles bool, logger *observability.Logger) *preparationStage {
	return &preparationStage{collapseCycles: collapseCycles, logger: logger}
}

func (s *preparationStage) Name() string  { return "message-preparation" }
func (s *preparationStage) Priority() int { return PriorityPreparation }

func (s *preparationStage) Run(ctx context.Context, tc *TurnContext) error {
	opts := PrepareOptions{
		ForceFinalCompletion:    tc.ForceFinalCompletion,
		DropAllToolCycles:       tc.StrictPrepare,
		CollapseCompletedCycles: s.collapseCycles,
	}

	prepared := PrepareMessages(ctx, s.logger, tc.Working, tc.Current, opts)
	if violations := Validate(prepared); len(violations) > 0 && !opts.DropAllToolCycles {
		// Histories written by older builds can interleave cycles in ways
		// the normal passes keep. The strict pass always yields an
		// acceptable transcript.
		s.logger.Warn(ctx, "prepared transcript failed validation, dropping tool cycles",
			"violations", len(violations),
			"first", violations[0].Error(),
		)
		opts.DropAllToolCycles = true
		prepared = PrepareMessages(ctx, s.logger, tc.Working, tc.Current, opts)
	}

	tc.Prepared = prepared
	return ctx.Err()
}
