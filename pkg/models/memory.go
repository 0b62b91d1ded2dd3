package models

import "time"

// MemoryType classifies which tier a ranked memory originated from.
type MemoryType string

const (
	// MemoryConversationSummary is a tier-2 summary of an earlier conversation.
	MemoryConversationSummary MemoryType = "conversation_summary"
	// MemoryDomainKnowledge is a tier-3 long-term knowledge item.
	MemoryDomainKnowledge MemoryType = "domain_knowledge"
	// MemoryEntityFact is a tier-3 fact about a named entity.
	MemoryEntityFact MemoryType = "entity_fact"
)

// Memory is a ranked item retrieved from the tiered memory stores.
// Memories are read-only projections of persisted artefacts.
type Memory struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	Summary    string     `json:"summary,omitempty"`
	Type       MemoryType `json:"type"`
	Relevance  float64    `json:"relevance"`
	Importance float64    `json:"importance"`
	Entities   []string   `json:"entities,omitempty"`
	TokenCount int        `json:"token_count,omitempty"`
	Reasons    []string   `json:"reasons,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CompositeScore is the tier-3 ordering score, weighting importance over
// query relevance.
func (m *Memory) CompositeScore() float64 {
	return 0.7*m.Importance + 0.3*m.Relevance
}

// IsSummary reports whether the memory belongs to the summary tier.
func (m *Memory) IsSummary() bool {
	return m.Type == MemoryConversationSummary
}
