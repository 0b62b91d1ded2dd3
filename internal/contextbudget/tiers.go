package contextbudget

import (
	"sort"

	"github.com/agenticwork/awchat/pkg/models"
)

// TierStats records what one tier actually consumed.
type TierStats struct {
	Budget       int
	UsedTokens   int
	MessageCount int
	MemoryCount  int
	AvgRelevance float64
	Entities     []string
}

// Tiers is the assembled context for one turn: recent turns in
// chronological order, conversation summaries, and long-term memories.
type Tiers struct {
	Recent    []*models.Message
	Summaries []*models.Memory
	LongTerm  []*models.Memory

	Tier1 TierStats
	Tier2 TierStats
	Tier3 TierStats
}

// BuildTiers fills each tier from its budget.
//
// Tier 1 walks messages newest-first, stops at the first one that no
// longer fits, and restores chronological order. Tiers 2 and 3 skip
// items that do not fit and keep consuming.
func (m *Manager) BuildTiers(budget Budget, messages []*models.Message, memories []*models.Memory) Tiers {
	tiers := Tiers{
		Tier1: TierStats{Budget: budget.Tier1},
		Tier2: TierStats{Budget: budget.Tier2},
		Tier3: TierStats{Budget: budget.Tier3},
	}

	// Tier 1: recency.
	used := 0
	var recent []*models.Message
	for i := len(messages) - 1; i >= 0; i-- {
		est := EstimateMessage(messages[i])
		if used+est > budget.Tier1 {
			break
		}
		recent = append(recent, messages[i])
		used += est
	}
	for left, right := 0, len(recent)-1; left < right; left, right = left+1, right-1 {
		recent[left], recent[right] = recent[right], recent[left]
	}
	tiers.Recent = recent
	tiers.Tier1.UsedTokens = used
	tiers.Tier1.MessageCount = len(recent)

	var summaries, longTerm []*models.Memory
	for _, mem := range memories {
		if mem == nil {
			continue
		}
		if mem.IsSummary() {
			summaries = append(summaries, mem)
		} else {
			longTerm = append(longTerm, mem)
		}
	}

	// Tier 2: summaries by query relevance.
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].Relevance > summaries[j].Relevance
	})
	used = 0
	relevanceSum := 0.0
	for _, mem := range summaries {
		est := EstimateMemory(mem)
		if used+est > budget.Tier2 {
			continue
		}
		tiers.Summaries = append(tiers.Summaries, mem)
		used += est
		relevanceSum += mem.Relevance
	}
	tiers.Tier2.UsedTokens = used
	tiers.Tier2.MemoryCount = len(tiers.Summaries)
	if len(tiers.Summaries) > 0 {
		tiers.Tier2.AvgRelevance = relevanceSum / float64(len(tiers.Summaries))
	}

	// Tier 3: long-term items by composite score.
	sort.SliceStable(longTerm, func(i, j int) bool {
		return longTerm[i].CompositeScore() > longTerm[j].CompositeScore()
	})
	used = 0
	relevanceSum = 0.0
	seen := make(map[string]bool)
	for _, mem := range longTerm {
		est := EstimateMemory(mem)
		if used+est > budget.Tier3 {
			continue
		}
		tiers.LongTerm = append(tiers.LongTerm, mem)
		used += est
		relevanceSum += mem.Relevance
		for _, entity := range mem.Entities {
			if !seen[entity] {
				seen[entity] = true
				tiers.Tier3.Entities = append(tiers.Tier3.Entities, entity)
			}
		}
	}
	tiers.Tier3.UsedTokens = used
	tiers.Tier3.MemoryCount = len(tiers.LongTerm)
	if len(tiers.LongTerm) > 0 {
		tiers.Tier3.AvgRelevance = relevanceSum / float64(len(tiers.LongTerm))
	}

	return tiers
}
