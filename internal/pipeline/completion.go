package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agenticwork/awchat/internal/credentials"
	"github.com/agenticwork/awchat/internal/llm"
	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/tools"
	"github.com/agenticwork/awchat/pkg/models"
)

// completionStage drives one model exchange: it verifies the caller's
// delegated credential is fresh, streams the completion against the
// prepared transcript, forwards deltas, and records the assistant
// message in the working transcript.
type completionStage struct {
	noRollback
	provider    llm.Provider
	creds       *credentials.Manager
	registry    *tools.Registry
	temperature float32
	logger      *observability.Logger
}

func newCompletionStage(provider llm.Provider, creds *credentials.Manager, registry *tools.Registry, temperature float32, logger *observability.Logger) *completionStage {
	return &completionStage{
		provider:    provider,
		creds:       creds,
		registry:    registry,
		temperature: temperature,
		logger:      logger,
	}
}

func (s *completionStage) Name() string  { return "completion" }
func (s *completionStage) Priority() int { return PriorityCompletion }

func (s *completionStage) Run(ctx context.Context, tc *TurnContext) error {
	// Every upstream exchange requires a live delegated credential, even
	// though the platform key signs the model call itself. Expired
	// credentials that cannot refresh end the turn before any tokens are
	// spent.
	if s.creds != nil {
		if _, err := s.creds.GetOrRefresh(ctx, tc.User.ID); err != nil {
			return fmt.Errorf("verify delegated credential: %w", err)
		}
	}

	temperature := s.temperature
	if tc.Request.Options.Temperature != nil {
		temperature = *tc.Request.Options.Temperature
	}

	req := &llm.Request{
		Model:       tc.Model.Name,
		System:      tc.SystemPrompt,
		Messages:    tc.Prepared,
		MaxTokens:   tc.Budget.Reserved,
		Temperature: temperature,
	}
	if s.registry != nil && !tc.Request.Options.DisableTools {
		req.Tools = s.registry.List()
	}

	chunks, err := s.provider.Complete(ctx, req)
	if err != nil {
		return fmt.Errorf("open completion: %w", err)
	}

	var (
		text  strings.Builder
		calls []models.ToolCall
		usage *models.TokenUsage
	)
	for chunk := range chunks {
		if chunk.Err != nil {
			return fmt.Errorf("completion stream: %w", chunk.Err)
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			tc.emit(Event{Type: EventDelta, Delta: chunk.Text})
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// The prepared transcript becomes the canonical working list so the
	// tool loop re-prepares exactly what the model saw.
	tc.Working = tc.Prepared
	tc.AssistantText = text.String()
	tc.AssistantCalls = calls

	if tc.AssistantText != "" || len(calls) > 0 {
		msg := &models.Message{
			ID:        uuid.NewString(),
			SessionID: tc.Session.ID,
			Role:      models.RoleAssistant,
			Content:   tc.AssistantText,
			ToolCalls: calls,
			Usage:     usage,
			CreatedAt: time.Now().UTC(),
		}
		tc.push(msg)
	} else {
		s.logger.Warn(ctx, "model returned an empty completion", "model", tc.Model.Name)
	}

	if usage != nil {
		tc.addUsage(usage)
		tc.emit(Event{Type: EventUsage, Usage: usage})
	}
	return nil
}
