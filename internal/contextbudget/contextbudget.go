// Package contextbudget allocates a model's context window across the
// response reserve, the system prompt, and the three context tiers
// (recent turns, conversation summaries, long-term memory).
package contextbudget

import (
	"errors"
	"fmt"
	"math"

	"github.com/agenticwork/awchat/pkg/models"
)

var (
	// ErrBudgetExceeded indicates the system prompt alone overflows the
	// window after the response reserve.
	ErrBudgetExceeded = errors.New("context budget exceeded")
	// ErrInvalidModelConfig indicates a non-positive context window.
	ErrInvalidModelConfig = errors.New("invalid model configuration")
)

// Model describes the window being budgeted.
type Model struct {
	Name          string
	ContextWindow int
}

// Config carries the allocation knobs. Ratios apply to the tokens left
// after the response reserve and system prompt; their sum must not
// exceed 1.
type Config struct {
	ResponseReserve   float64
	MinResponseTokens int
	MaxSystemTokens   int
	Tier1Ratio        float64
	Tier2Ratio        float64
	Tier3Ratio        float64
}

func (c Config) withDefaults() Config {
	if c.ResponseReserve <= 0 {
		c.ResponseReserve = 0.2
	}
	if c.MinResponseTokens <= 0 {
		c.MinResponseTokens = 512
	}
	if c.MaxSystemTokens <= 0 {
		c.MaxSystemTokens = 2000
	}
	if c.Tier1Ratio <= 0 {
		c.Tier1Ratio = 0.5
	}
	if c.Tier2Ratio <= 0 {
		c.Tier2Ratio = 0.3
	}
	if c.Tier3Ratio <= 0 {
		c.Tier3Ratio = 0.2
	}
	return c
}

// Budget is the token allocation for one turn.
type Budget struct {
	// Total is the model's context window.
	Total int
	// Reserved is held back for the model's response.
	Reserved int
	// Available is Total minus Reserved.
	Available int
	// SystemTokens is the clamped system prompt size.
	SystemTokens int
	// Remaining is what the three tiers share.
	Remaining int

	Tier1 int
	Tier2 int
	Tier3 int
}

// Manager computes budgets and assembles tiers.
type Manager struct {
	config Config
}

// NewManager creates a budget manager.
func NewManager(cfg Config) *Manager {
	return &Manager{config: cfg.withDefaults()}
}

// CalculateBudget splits the model's window. The response reserve is the
// larger of the configured fraction and the configured minimum; the
// system prompt is clamped before the tier ratios apply.
func (m *Manager) CalculateBudget(model Model, systemPromptTokens int) (Budget, error) {
	if model.ContextWindow <= 0 {
		return Budget{}, fmt.Errorf("%w: model %q has context window %d", ErrInvalidModelConfig, model.Name, model.ContextWindow)
	}

	total := model.ContextWindow
	reserved := int(math.Floor(float64(total) * m.config.ResponseReserve))
	if reserved < m.config.MinResponseTokens {
		reserved = m.config.MinResponseTokens
	}
	available := total - reserved

	systemTokens := systemPromptTokens
	if systemTokens > m.config.MaxSystemTokens {
		systemTokens = m.config.MaxSystemTokens
	}

	remaining := available - systemTokens
	if remaining < 0 {
		return Budget{}, fmt.Errorf("%w: %d tokens available after reserve, system prompt needs %d",
			ErrBudgetExceeded, available, systemTokens)
	}

	return Budget{
		Total:        total,
		Reserved:     reserved,
		Available:    available,
		SystemTokens: systemTokens,
		Remaining:    remaining,
		Tier1:        int(float64(remaining) * m.config.Tier1Ratio),
		Tier2:        int(float64(remaining) * m.config.Tier2Ratio),
		Tier3:        int(float64(remaining) * m.config.Tier3Ratio),
	}, nil
}

// Optimize boosts the tier-1 share of an existing budget when the live
// conversation outgrows its default allocation. The boost triggers when
// the estimated message tokens exceed 1.5x the tier-1 budget; tier 1
// then takes min(0.6, messages/remaining) of the remaining tokens and
// tiers 2 and 3 split the rest 60/40. The tier sum never exceeds
// Remaining, so rebalancing preserves the overall allocation.
func (m *Manager) Optimize(budget Budget, messages []*models.Message) Budget {
	messageTokens := EstimateMessages(messages)
	if float64(messageTokens) > 1.5*float64(budget.Tier1) && budget.Remaining > 0 {
		share := float64(messageTokens) / float64(budget.Remaining)
		if share > 0.6 {
			share = 0.6
		}
		tier1 := int(float64(budget.Remaining) * share)
		rest := budget.Remaining - tier1
		budget.Tier1 = tier1
		budget.Tier2 = int(float64(rest) * 0.6)
		budget.Tier3 = int(float64(rest) * 0.4)
	}
	return budget
}

// OptimizeBudget computes a budget without a system prompt, rebalances
// it against the conversation, and assembles the tiers. Callers with a
// system prompt compose CalculateBudget, Optimize, and BuildTiers so the
// prompt's share is carved out first.
func (m *Manager) OptimizeBudget(model Model, messages []*models.Message, memories []*models.Memory) (Budget, Tiers, error) {
	budget, err := m.CalculateBudget(model, 0)
	if err != nil {
		return Budget{}, Tiers{}, err
	}
	budget = m.Optimize(budget, messages)
	return budget, m.BuildTiers(budget, messages, memories), nil
}
