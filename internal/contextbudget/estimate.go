package contextbudget

import (
	"unicode/utf8"

	"github.com/agenticwork/awchat/pkg/models"
)

// EstimateTokens approximates the token count of raw text as
// ceil(chars/4). No tokenizer dependency; the budget formulas only need
// a stable upper-bound estimate.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (utf8.RuneCountInString(text) + 3) / 4
}

// EstimateMessage counts a message's content plus one token for the role
// and three for per-message framing overhead.
func EstimateMessage(msg *models.Message) int {
	if msg == nil {
		return 0
	}
	return EstimateTokens(msg.Content) + 1 + 3
}

// EstimateMessages sums per-message estimates.
func EstimateMessages(messages []*models.Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateMessage(msg)
	}
	return total
}

// EstimateMemory prefers the memory's stored token count; otherwise it
// estimates content and summary text plus two tokens per entity and five
// for framing.
func EstimateMemory(mem *models.Memory) int {
	if mem == nil {
		return 0
	}
	if mem.TokenCount > 0 {
		return mem.TokenCount
	}
	return EstimateTokens(mem.Content) + EstimateTokens(mem.Summary) + 2*len(mem.Entities) + 5
}
