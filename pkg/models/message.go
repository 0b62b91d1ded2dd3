// Package models defines the core data types for the chat orchestration core.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ToolCall represents the model's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string         `json:"tool_call_id"`
	Content    string         `json:"content"`
	IsError    bool           `json:"is_error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Attachment references an uploaded blob by storage key, never by value.
type Attachment struct {
	Key         string `json:"key"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// TokenUsage records the token deltas of one model exchange.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Message is a single turn belonging to one session.
//
// Content may be empty when Role is assistant and ToolCalls is non-empty.
// ToolCallID is set iff Role is tool.
type Message struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCallID  string       `json:"tool_call_id,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Usage       *TokenUsage  `json:"usage,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`
}

// HasToolCalls reports whether the message is an assistant turn carrying
// at least one tool call.
func (m *Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// IsToolResponse reports whether the message answers an earlier tool call.
func (m *Message) IsToolResponse() bool {
	return m.Role == RoleTool && m.ToolCallID != ""
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if len(m.ToolCalls) > 0 {
		clone.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(clone.ToolCalls, m.ToolCalls)
	}
	if len(m.Attachments) > 0 {
		clone.Attachments = make([]Attachment, len(m.Attachments))
		copy(clone.Attachments, m.Attachments)
	}
	if m.Usage != nil {
		usage := *m.Usage
		clone.Usage = &usage
	}
	if m.DeletedAt != nil {
		deleted := *m.DeletedAt
		clone.DeletedAt = &deleted
	}
	return &clone
}
