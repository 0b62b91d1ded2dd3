// Package pipeline orchestrates one chat turn as a sequence of stages
// over a shared context: session load, prompt routing, retrieval,
// budgeting, transcript preparation, completion, tool execution,
// persistence, and usage recording.
//
// Stages run in ascending priority order. When the model requests tool
// calls, the runner executes them and re-enters the loop at the
// preparation stage with forceFinalCompletion set, bounded by the
// configured round and call caps. Every turn ends with exactly one
// terminal event: done on success, error otherwise.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agenticwork/awchat/internal/config"
	"github.com/agenticwork/awchat/internal/contextbudget"
	"github.com/agenticwork/awchat/internal/credentials"
	"github.com/agenticwork/awchat/internal/llm"
	"github.com/agenticwork/awchat/internal/memory"
	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/prompts"
	"github.com/agenticwork/awchat/internal/retrieval"
	"github.com/agenticwork/awchat/internal/sessions"
	"github.com/agenticwork/awchat/internal/tools"
	"github.com/agenticwork/awchat/pkg/models"
)

// rollbackTimeout bounds the unwind of a failed turn, which runs on a
// context detached from the turn's own cancellation.
const rollbackTimeout = 5 * time.Second

// Deps wires the pipeline's collaborators. Sessions and Provider are
// required; a nil optional dependency disables its stage's contribution
// rather than failing the turn.
type Deps struct {
	Sessions    sessions.Store
	Router      *prompts.Router
	Memories    *memory.Service
	Retriever   *retrieval.Service
	Budgets     *contextbudget.Manager
	Credentials *credentials.Manager
	Provider    llm.Provider
	Tools       *tools.Registry
	Jobs        AsyncRunner
	Usage       UsageRecorder
}

// Pipeline runs turns. One Pipeline serves the whole process; each Run
// call builds its own TurnContext, so turns for distinct sessions
// proceed in parallel.
type Pipeline struct {
	stages  []Stage
	cfg     config.PipelineConfig
	logger  *observability.Logger
	metrics *observability.Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger *observability.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(p *Pipeline) {
		if metrics != nil {
			p.metrics = metrics
		}
	}
}

// WithStage registers an additional stage at its declared priority.
func WithStage(stage Stage) Option {
	return func(p *Pipeline) {
		p.stages = append(p.stages, stage)
	}
}

// New assembles the standard stage set from the configuration.
func New(cfg *config.Config, deps Deps, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:    cfg.Pipeline,
		logger: observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = observability.NewMetricsWithRegistry(nil)
	}

	budgets := deps.Budgets
	if budgets == nil {
		budgets = contextbudget.NewManager(contextbudget.Config{
			ResponseReserve:   cfg.Budget.ResponseReserve,
			MinResponseTokens: cfg.Budget.MinResponseTokens,
			MaxSystemTokens:   cfg.Budget.MaxSystemTokens,
			Tier1Ratio:        cfg.Budget.Tier1Ratio,
			Tier2Ratio:        cfg.Budget.Tier2Ratio,
			Tier3Ratio:        cfg.Budget.Tier3Ratio,
		})
	}

	p.stages = append(p.stages,
		newSessionStage(deps.Sessions, p.logger),
		newRoutingStage(deps.Router, cfg.Templates.ContextMessages, p.logger),
		newRetrievalStage(deps.Memories, deps.Retriever, cfg.Retrieval.DefaultLimit, cfg.Retrieval.ScoreThreshold, p.logger),
		newBudgetStage(budgets, cfg.Model, p.logger),
		newPreparationStage(cfg.Pipeline.CollapseCompletedCycles, p.logger),
		newCompletionStage(deps.Provider, deps.Credentials, deps.Tools, cfg.Model.Temperature, p.logger),
		newToolStage(deps.Tools, deps.Jobs, cfg.Pipeline.PerToolTimeout, p.logger),
		newPersistenceStage(deps.Sessions, p.logger),
		newUsageStage(deps.Usage, p.logger),
	)
	sortStages(p.stages)
	return p
}

// Run executes one turn. Events stream to the emitter as they are
// produced; the turn ends with exactly one terminal event. The returned
// error carries the failure kind for transports that have not yet
// opened a stream.
func (p *Pipeline) Run(ctx context.Context, req *TurnRequest, user *models.User, emitter Emitter) error {
	if emitter == nil {
		emitter = NopEmitter{}
	}
	tc := &TurnContext{
		Request:   req,
		User:      user,
		Emitter:   emitter,
		StartedAt: time.Now(),
	}

	turnID := uuid.NewString()
	ctx = observability.AddTurnID(ctx, turnID)
	ctx = observability.AddUserID(ctx, user.ID)
	ctx, cancel := context.WithTimeoutCause(ctx, p.cfg.OverallTurnTimeout, ErrTurnTimeout)
	defer cancel()

	committed, err := p.run(ctx, tc)
	elapsed := time.Since(tc.StartedAt)
	if err != nil {
		perr := p.abortErr(ctx, err)
		p.unwind(ctx, committed, tc)
		tc.emit(errorEvent(sessionID(tc), perr))
		p.metrics.RecordTurn(string(perr.Kind), elapsed.Seconds())
		p.logger.Error(ctx, "turn failed",
			"kind", string(perr.Kind),
			"stage", perr.Stage,
			"rounds", tc.Round,
			"elapsed", elapsed,
			"error", perr.Cause,
		)
		return perr
	}

	tc.emit(Event{Type: EventDone, SessionID: sessionID(tc)})
	p.metrics.RecordTurn("ok", elapsed.Seconds())
	p.logger.Info(ctx, "turn completed",
		"session_id", sessionID(tc),
		"rounds", tc.Round,
		"tool_calls", tc.ToolCallsTotal,
		"messages", len(tc.NewMessages),
		"elapsed", elapsed,
	)
	return nil
}

// run walks the stages in priority order, driving the tool loop between
// preparation and tool execution. It returns the stages that committed,
// in order, for rollback on abort.
func (p *Pipeline) run(ctx context.Context, tc *TurnContext) ([]Stage, error) {
	var committed []Stage
	prep := p.indexAt(PriorityPreparation)

	for i := 0; i < len(p.stages); {
		stage := p.stages[i]
		if err := ctx.Err(); err != nil {
			return committed, classify(stage.Name(), err)
		}

		if stage.Priority() == PriorityToolExecution {
			if len(tc.AssistantCalls) == 0 {
				i++
				continue
			}
			if notice := p.capNotice(tc); notice != "" {
				p.finishWithCap(ctx, tc, notice)
				i++
				continue
			}
		}

		if err := stage.Run(ctx, tc); err != nil {
			cerr := classify(stage.Name(), err)
			// One strict re-preparation when the upstream rejects a
			// transcript the normal pass accepted.
			if cerr.Kind == KindSchemaViolation && stage.Priority() == PriorityCompletion && !tc.StrictPrepare && prep >= 0 {
				p.logger.Warn(ctx, "upstream rejected transcript, retrying with strict preparation", "error", cerr.Cause)
				tc.StrictPrepare = true
				i = prep
				continue
			}
			return committed, cerr
		}
		committed = append(committed, stage)

		if stage.Priority() == PriorityToolExecution && prep >= 0 {
			i = prep
			continue
		}
		i++
	}
	return committed, nil
}

// capNotice returns the assistant text for a breached tool limit, or
// empty when the pending round may run.
func (p *Pipeline) capNotice(tc *TurnContext) string {
	if tc.Round >= p.cfg.MaxToolRounds {
		return fmt.Sprintf(
			"I've reached the limit of %d tool rounds for this turn, so I'm stopping here with what I have so far.",
			p.cfg.MaxToolRounds)
	}
	if tc.ToolCallsTotal+len(tc.AssistantCalls) > p.cfg.MaxToolCallsPerTurn {
		return fmt.Sprintf(
			"I've reached the limit of %d tool calls for this turn, so I'm stopping here with what I have so far.",
			p.cfg.MaxToolCallsPerTurn)
	}
	return ""
}

// finishWithCap ends the tool loop with a final assistant message
// describing the cap. The requesting assistant message keeps its
// tool_calls; the next turn's preparation elides the unanswered cycle.
func (p *Pipeline) finishWithCap(ctx context.Context, tc *TurnContext, notice string) {
	p.logger.Warn(ctx, "tool limit reached",
		"session_id", sessionID(tc),
		"rounds", tc.Round,
		"calls", tc.ToolCallsTotal,
		"pending", len(tc.AssistantCalls),
	)
	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID(tc),
		Role:      models.RoleAssistant,
		Content:   notice,
		CreatedAt: time.Now().UTC(),
	}
	tc.push(msg)
	tc.emit(Event{Type: EventDelta, Delta: notice})
	tc.AssistantText = notice
	tc.AssistantCalls = nil
	tc.CapNotice = notice
}

// unwind rolls back committed stages in reverse order on a context
// detached from the turn's cancellation.
func (p *Pipeline) unwind(ctx context.Context, committed []Stage, tc *TurnContext) {
	if len(committed) == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	for i := len(committed) - 1; i >= 0; i-- {
		committed[i].Rollback(rctx, tc)
	}
}

// abortErr classifies the turn failure, surfacing the overall-timeout
// cause distinctly from a plain caller abort.
func (p *Pipeline) abortErr(ctx context.Context, err error) *Error {
	perr := classify("", err)
	if perr.Kind == KindCancelled && errors.Is(err, context.DeadlineExceeded) {
		if cause := context.Cause(ctx); cause != nil && errors.Is(cause, ErrTurnTimeout) {
			perr = &Error{Kind: KindCancelled, Stage: perr.Stage, Cause: ErrTurnTimeout}
		}
	}
	return perr
}

func (p *Pipeline) indexAt(priority int) int {
	for i, stage := range p.stages {
		if stage.Priority() == priority {
			return i
		}
	}
	return -1
}

func sessionID(tc *TurnContext) string {
	if tc.Session == nil {
		return ""
	}
	return tc.Session.ID
}
