package models

import "time"

// Context source names recorded per usage row.
const (
	SourceFormatting  = "formatting"
	SourceToolContext = "tool_context"
	SourceRetrieval   = "retrieval"
	SourceMemory      = "memory"
	SourceDomainDocs  = "domain_docs"
)

// UsageRecord captures prompt usage for one assistant turn. One record is
// written per turn, best-effort.
type UsageRecord struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	SessionID        string         `json:"session_id"`
	MessageID        string         `json:"message_id"`
	BaseTemplate     string         `json:"base_template,omitempty"`
	DomainTemplate   string         `json:"domain_template,omitempty"`
	Techniques       []string       `json:"techniques,omitempty"`
	Sources          map[string]int `json:"sources,omitempty"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// SourceContributed reports whether the named context source injected at
// least one item into the turn.
func (r *UsageRecord) SourceContributed(source string) bool {
	return r.Sources[source] > 0
}
