package pipeline

import (
	"context"
	"fmt"

	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/prompts"
	"github.com/agenticwork/awchat/pkg/models"
)

// routingStage selects the system-prompt template for the turn. Routing
// is advisory: when the router cannot produce a template the turn
// proceeds with an empty system prompt rather than failing.
type routingStage struct {
	noRollback
	router          *prompts.Router
	contextMessages int
	logger          *observability.Logger
}

func newRoutingStage(router *prompts.Router, contextMessages int, logger *observability.Logger) *routingStage {
	return &routingStage{router: router, contextMessages: contextMessages, logger: logger}
}

func (s *routingStage) Name() string  { return "prompt-routing" }
func (s *routingStage) Priority() int { return PriorityPromptRouting }

func (s *routingStage) Run(ctx context.Context, tc *TurnContext) error {
	if s.router == nil {
		return nil
	}

	if id := tc.Request.Options.TemplateID; id != "" {
		tmpl, err := s.router.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("pinned template %s: %w", id, err)
		}
		if !tmpl.IsActive || !tmpl.AllowsGroup(tc.User.Groups) {
			return fmt.Errorf("pinned template %s: %w", id, prompts.ErrTemplateNotAllowed)
		}
		tc.Template = tmpl
		return nil
	}

	tmpl, err := s.router.SelectTemplateForQuery(ctx, tc.User.ID, tc.Request.Message, s.recentContext(tc))
	if err != nil {
		s.logger.Warn(ctx, "template routing failed, falling back to default", "error", err)
		if tmpl, err = s.router.GetDefault(ctx); err != nil {
			s.logger.Warn(ctx, "no default template available", "error", err)
			return nil
		}
	}
	tc.Template = tmpl
	return nil
}

// recentContext returns the tail of the conversation used to steady
// routing across short follow-up queries.
func (s *routingStage) recentContext(tc *TurnContext) []*models.Message {
	n := s.contextMessages
	if n <= 0 || len(tc.History) == 0 {
		return nil
	}
	if n > len(tc.History) {
		n = len(tc.History)
	}
	recent := make([]*models.Message, 0, n)
	for i := len(tc.History) - n; i < len(tc.History); i++ {
		recent = append(recent, &tc.History[i])
	}
	return recent
}
