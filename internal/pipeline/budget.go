package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/agenticwork/awchat/internal/config"
	"github.com/agenticwork/awchat/internal/contextbudget"
	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/retrieval"
	"github.com/agenticwork/awchat/pkg/models"
)

// budgetStage allocates the model's context window and assembles the
// final context: the system prompt (template, summaries, memories,
// retrieved documents) plus the budgeted recent history.
type budgetStage struct {
	noRollback
	budgets *contextbudget.Manager
	model   config.ModelConfig
	logger  *observability.Logger
}

func newBudgetStage(budgets *contextbudget.Manager, model config.ModelConfig, logger *observability.Logger) *budgetStage {
	return &budgetStage{budgets: budgets, model: model, logger: logger}
}

func (s *budgetStage) Name() string  { return "budget" }
func (s *budgetStage) Priority() int { return PriorityBudget }

func (s *budgetStage) Run(ctx context.Context, tc *TurnContext) error {
	name := tc.Request.Options.Model
	if name == "" {
		name = s.model.Default
	}
	tc.Model = contextbudget.Model{Name: name, ContextWindow: s.model.ContextWindow(name)}

	base := ""
	if tc.Template != nil {
		base = tc.Template.Content
	}

	budget, err := s.budgets.CalculateBudget(tc.Model, contextbudget.EstimateTokens(base))
	if err != nil {
		return fmt.Errorf("allocate window for %s: %w", name, err)
	}

	working := make([]*models.Message, len(tc.Working))
	for i := range tc.Working {
		working[i] = &tc.Working[i]
	}
	budget = s.budgets.Optimize(budget, working)
	tiers := s.budgets.BuildTiers(budget, working, tc.Memories)

	tc.Budget = budget
	tc.Tiers = tiers
	tc.SystemPrompt = composeSystemPrompt(base, tiers, tc.Retrieved)

	// From here on the working transcript is the tier-1 slice; older
	// turns are represented by the summary sections above.
	recent := make([]models.Message, len(tiers.Recent))
	for i, msg := range tiers.Recent {
		recent[i] = *msg
	}
	tc.Working = recent

	s.logger.Debug(ctx, "context budgeted",
		"model", name,
		"window", tc.Model.ContextWindow,
		"tier1_used", tiers.Tier1.UsedTokens,
		"tier2_used", tiers.Tier2.UsedTokens,
		"tier3_used", tiers.Tier3.UsedTokens,
		"recent", len(tiers.Recent),
		"summaries", len(tiers.Summaries),
		"long_term", len(tiers.LongTerm),
		"retrieved", len(tc.Retrieved),
	)
	return nil
}

// composeSystemPrompt renders the template and the budgeted context
// sections. Sections with no content are omitted entirely.
func composeSystemPrompt(base string, tiers contextbudget.Tiers, retrieved []retrieval.Result) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(base))

	if len(tiers.Summaries) > 0 {
		b.WriteString("\n\n## Earlier conversations\n")
		for _, mem := range tiers.Summaries {
			b.WriteString("- ")
			b.WriteString(summaryLine(mem))
			b.WriteString("\n")
		}
	}

	if len(tiers.LongTerm) > 0 {
		b.WriteString("\n## What you know about this user\n")
		for _, mem := range tiers.LongTerm {
			b.WriteString("- ")
			b.WriteString(strings.TrimSpace(mem.Content))
			b.WriteString("\n")
		}
	}

	if len(retrieved) > 0 {
		b.WriteString("\n## Retrieved context\n")
		for _, res := range retrieved {
			title := res.Title
			if title == "" {
				title = res.ID
			}
			fmt.Fprintf(&b, "### %s (%s)\n%s\n", title, res.Type, strings.TrimSpace(res.Content))
		}
	}

	return strings.TrimSpace(b.String())
}

func summaryLine(mem *models.Memory) string {
	if mem.Summary != "" {
		return strings.TrimSpace(mem.Summary)
	}
	return strings.TrimSpace(mem.Content)
}
