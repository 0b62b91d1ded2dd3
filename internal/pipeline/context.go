package pipeline

import (
	"time"

	"github.com/agenticwork/awchat/internal/contextbudget"
	"github.com/agenticwork/awchat/internal/retrieval"
	"github.com/agenticwork/awchat/pkg/models"
)

// TurnRequest is one inbound user turn.
type TurnRequest struct {
	// SessionID continues an existing conversation. Empty starts a new
	// session owned by the user.
	SessionID string `json:"session_id,omitempty"`

	// Message is the user's input.
	Message string `json:"message"`

	// Attachments reference uploaded blobs by key.
	Attachments []models.Attachment `json:"attachments,omitempty"`

	// Options tunes this turn.
	Options TurnOptions `json:"options,omitempty"`
}

// TurnOptions carries per-turn overrides.
type TurnOptions struct {
	// Model overrides the configured default.
	Model string `json:"model,omitempty"`

	// Temperature overrides the configured sampling temperature.
	Temperature *float32 `json:"temperature,omitempty"`

	// TemplateID pins a prompt template, bypassing semantic routing.
	TemplateID string `json:"template_id,omitempty"`

	// DisableRetrieval skips the retrieval stage.
	DisableRetrieval bool `json:"disable_retrieval,omitempty"`

	// DisableTools withholds the tool catalogue from the model.
	DisableTools bool `json:"disable_tools,omitempty"`
}

// TurnContext is the shared state every stage consumes and extends. One
// instance serves one turn; stages run sequentially over it, so no
// locking is needed.
type TurnContext struct {
	Request *TurnRequest
	User    *models.User
	Emitter Emitter

	// Session and history, loaded by the session stage.
	Session *models.Session
	History []models.Message

	// Current is the persisted user message for this turn.
	Current *models.Message

	// Template and composed system prompt, set by the routing and budget
	// stages.
	Template     *models.PromptTemplate
	SystemPrompt string

	// Context collected for the turn.
	Memories  []*models.Memory
	Retrieved []retrieval.Result

	// Budget allocation and assembled tiers.
	Model  contextbudget.Model
	Budget contextbudget.Budget
	Tiers  contextbudget.Tiers

	// Working is the live transcript: budgeted history, then everything
	// this turn appends. Prepared is the validated copy handed to the
	// model.
	Working  []models.Message
	Prepared []models.Message

	// ForceFinalCompletion re-drives the model after a tool round without
	// appending the current turn again.
	ForceFinalCompletion bool

	// StrictPrepare requests the tighter elision after an upstream
	// schema rejection. Consumed by the preparation stage.
	StrictPrepare bool

	// Tool-loop accounting.
	Round          int
	ToolCallsTotal int

	// Latest assistant output from the completion stage.
	AssistantText  string
	AssistantCalls []models.ToolCall
	Usage          *models.TokenUsage

	// NewMessages accumulates this turn's assistant and tool messages in
	// order for the persistence stage.
	NewMessages []*models.Message

	// PersistedIDs records what persistence committed, for rollback.
	PersistedIDs []string

	// CapNotice is set when a tool limit was reached and carried into the
	// final assistant message.
	CapNotice string

	// StartedAt anchors turn latency metrics.
	StartedAt time.Time
}

// emit forwards an event to the subscriber, tagging the session.
func (tc *TurnContext) emit(ev Event) {
	if tc.Emitter == nil {
		return
	}
	if ev.SessionID == "" && tc.Session != nil {
		ev.SessionID = tc.Session.ID
	}
	tc.Emitter.Emit(ev)
}

// push adds a message produced this turn to the working transcript and
// the persistence queue.
func (tc *TurnContext) push(msg *models.Message) {
	tc.Working = append(tc.Working, *msg)
	tc.NewMessages = append(tc.NewMessages, msg)
}

// addUsage accumulates one exchange's token counts into the turn total.
func (tc *TurnContext) addUsage(u *models.TokenUsage) {
	if u == nil {
		return
	}
	if tc.Usage == nil {
		tc.Usage = &models.TokenUsage{}
	}
	tc.Usage.PromptTokens += u.PromptTokens
	tc.Usage.CompletionTokens += u.CompletionTokens
	tc.Usage.TotalTokens += u.TotalTokens
}

// lastAssistantID returns the id of the turn's final assistant message,
// or the empty string when the turn produced none.
func (tc *TurnContext) lastAssistantID() string {
	for i := len(tc.NewMessages) - 1; i >= 0; i-- {
		if tc.NewMessages[i].Role == models.RoleAssistant {
			return tc.NewMessages[i].ID
		}
	}
	return ""
}
