package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/tools"
	"github.com/agenticwork/awchat/pkg/models"
)

// AsyncRunner diverts matching tool calls to background jobs. Submit
// returns immediately with a job-reference output; the real result lands
// in the job record and reaches the client as a completion event.
type AsyncRunner interface {
	Matches(toolName string) bool
	Submit(ctx context.Context, call models.ToolCall, userID, sessionID string) *tools.Output
}

// toolStage executes the assistant's requested tool calls. Calls within
// one round run in parallel; their results append to the transcript in
// call order and the loop re-enters preparation for the next exchange.
// Calls matching the async runner become background jobs instead.
type toolStage struct {
	noRollback
	registry *tools.Registry
	async    AsyncRunner
	timeout  time.Duration
	logger   *observability.Logger
}

func newToolStage(registry *tools.Registry, async AsyncRunner, timeout time.Duration, logger *observability.Logger) *toolStage {
	return &toolStage{registry: registry, async: async, timeout: timeout, logger: logger}
}

func (s *toolStage) Name() string  { return "tool-execution" }
func (s *toolStage) Priority() int { return PriorityToolExecution }

func (s *toolStage) Run(ctx context.Context, tc *TurnContext) error {
	calls := tc.AssistantCalls
	if len(calls) == 0 {
		return nil
	}

	for _, call := range calls {
		tc.emit(Event{Type: EventToolCallStarted, ToolCallID: call.ID, ToolName: call.Name})
	}

	outputs := make([]*tools.Output, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		if s.async != nil && s.async.Matches(call.Name) {
			outputs[i] = s.async.Submit(ctx, call, tc.User.ID, tc.Session.ID)
			continue
		}
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			outputs[i] = s.registry.Execute(ctx, call.Name, tools.Invocation{
				Args:    call.Arguments,
				Caller:  tc.User.ID,
				Timeout: s.timeout,
			})
		}(i, call)
	}
	wg.Wait()

	// A cancelled round is discarded whole; nothing is appended or
	// persisted from it.
	if err := ctx.Err(); err != nil {
		return err
	}

	for i, call := range calls {
		out := outputs[i]
		tc.push(&models.Message{
			ID:         uuid.NewString(),
			SessionID:  tc.Session.ID,
			Role:       models.RoleTool,
			ToolCallID: call.ID,
			Content:    out.Content,
			CreatedAt:  time.Now().UTC(),
		})
		tc.emit(Event{
			Type:       EventToolCallCompleted,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			ToolError:  out.IsError,
		})
		if timedOut, _ := out.Metadata["timeout"].(bool); timedOut {
			s.logger.Warn(ctx, "tool call timed out", "tool", call.Name, "tool_call_id", call.ID)
		}
	}

	tc.Round++
	tc.ToolCallsTotal += len(calls)
	tc.AssistantCalls = nil
	tc.ForceFinalCompletion = true
	return nil
}
