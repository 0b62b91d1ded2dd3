package pipeline

import (
	"context"
	"fmt"

	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/pkg/models"
)

// PrepareOptions controls transcript preparation.
type PrepareOptions struct {
	// ForceFinalCompletion re-drives the model after a tool round without
	// introducing a new user turn; the current message is not appended.
	ForceFinalCompletion bool

	// DropAllToolCycles elides every assistant-with-tool_calls and every
	// tool response, complete or not. Used for the single retry after the
	// upstream rejects a transcript the normal pass accepted.
	DropAllToolCycles bool

	// CollapseCompletedCycles replaces a finished tool round with a single
	// synthesis assistant message. Experimental, off by default.
	CollapseCompletedCycles bool
}

// PrepareMessages produces the transcript the model provider will accept on
// every retry, without ever losing user content.
//
// The passes run in order: dedup by id, per-assistant tool-call dedup,
// consecutive-user collapse, (user, assistant) pattern collapse, assistant
// content hygiene, two-pass tool-cycle completeness validation with elision,
// orphan tool removal, and current-turn append. Chronological order is
// preserved throughout, and applying the function to its own output changes
// nothing.
func PrepareMessages(ctx context.Context, logger *observability.Logger, history []models.Message, current *models.Message, opts PrepareOptions) []models.Message {
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	msgs := dedupByID(history)
	msgs = dedupToolCalls(ctx, logger, msgs)
	msgs = dropConsecutiveUsers(msgs)
	msgs = collapsePatterns(msgs)
	msgs = scrubAssistants(msgs)
	msgs = elideIncompleteCycles(msgs)
	if opts.DropAllToolCycles {
		msgs = dropToolCycles(msgs)
	}
	msgs = dropOrphanResponses(msgs)
	if opts.CollapseCompletedCycles {
		msgs = collapseCompletedCycles(msgs)
	}
	msgs = appendCurrent(msgs, current, opts)
	// The appended turn can sit next to a retried copy of itself.
	msgs = dropConsecutiveUsers(msgs)
	return msgs
}

// dedupByID keeps the first occurrence of each message id. Messages
// without ids pass through.
func dedupByID(history []models.Message) []models.Message {
	seen := make(map[string]struct{}, len(history))
	out := make([]models.Message, 0, len(history))
	for _, msg := range history {
		if msg.ID != "" {
			if _, dup := seen[msg.ID]; dup {
				continue
			}
			seen[msg.ID] = struct{}{}
		}
		out = append(out, msg)
	}
	return out
}

// dedupToolCalls deduplicates tool calls by id within each assistant
// message and keeps only calls that have a matching tool response later
// in the sequence. Duplicate ids are provider-dependent; they are removed
// but logged so the upstream behaviour stays observable.
func dedupToolCalls(ctx context.Context, logger *observability.Logger, msgs []models.Message) []models.Message {
	answered := make(map[string]struct{})
	for _, msg := range msgs {
		if msg.IsToolResponse() {
			answered[msg.ToolCallID] = struct{}{}
		}
	}

	out := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if !msg.HasToolCalls() {
			out = append(out, msg)
			continue
		}
		seen := make(map[string]struct{}, len(msg.ToolCalls))
		kept := make([]models.ToolCall, 0, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			if _, dup := seen[call.ID]; dup {
				logger.Warn(ctx, "duplicate tool_call id within assistant message",
					"message_id", msg.ID,
					"tool_call_id", call.ID,
				)
				continue
			}
			seen[call.ID] = struct{}{}
			if _, ok := answered[call.ID]; !ok {
				continue
			}
			kept = append(kept, call)
		}
		copied := msg
		copied.ToolCalls = kept
		out = append(out, copied)
	}
	return out
}

// dropConsecutiveUsers keeps only the last message of any run of adjacent
// user turns. Retries that persisted a user message before the assistant
// failed produce such runs.
func dropConsecutiveUsers(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Role == models.RoleUser && len(out) > 0 && out[len(out)-1].Role == models.RoleUser {
			out[len(out)-1] = msg
			continue
		}
		out = append(out, msg)
	}
	return out
}

// collapsePatterns deduplicates (user, assistant) pairs by the triple of
// user content, assistant content, and assistant tool-call count.
func collapsePatterns(msgs []models.Message) []models.Message {
	type pattern struct {
		user      string
		assistant string
		calls     int
	}
	seen := make(map[pattern]struct{})
	out := make([]models.Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		msg := msgs[i]
		if msg.Role == models.RoleUser && i+1 < len(msgs) && msgs[i+1].Role == models.RoleAssistant {
			key := pattern{
				user:      msg.Content,
				assistant: msgs[i+1].Content,
				calls:     len(msgs[i+1].ToolCalls),
			}
			if _, dup := seen[key]; dup {
				i++
				continue
			}
			seen[key] = struct{}{}
		}
		out = append(out, msg)
	}
	return out
}

// scrubAssistants drops empty tool_calls fields and removes assistant
// messages that carry neither content nor calls.
func scrubAssistants(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Role == models.RoleAssistant {
			if len(msg.ToolCalls) == 0 {
				msg.ToolCalls = nil
			}
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

// elideIncompleteCycles removes every assistant whose tool calls are not
// all answered, together with whatever responses it did receive. The
// upstream rejects partial cycles outright, so the whole round goes.
func elideIncompleteCycles(msgs []models.Message) []models.Message {
	responses := make(map[string]struct{})
	for _, msg := range msgs {
		if msg.IsToolResponse() {
			responses[msg.ToolCallID] = struct{}{}
		}
	}

	elidedCalls := make(map[string]struct{})
	elidedMsgs := make(map[int]struct{})
	for i, msg := range msgs {
		if !msg.HasToolCalls() {
			continue
		}
		complete := true
		for _, call := range msg.ToolCalls {
			if _, ok := responses[call.ID]; !ok {
				complete = false
				break
			}
		}
		if complete {
			continue
		}
		elidedMsgs[i] = struct{}{}
		for _, call := range msg.ToolCalls {
			elidedCalls[call.ID] = struct{}{}
		}
	}
	if len(elidedMsgs) == 0 {
		return msgs
	}

	out := make([]models.Message, 0, len(msgs))
	for i, msg := range msgs {
		if _, gone := elidedMsgs[i]; gone {
			continue
		}
		if msg.IsToolResponse() {
			if _, gone := elidedCalls[msg.ToolCallID]; gone {
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

// dropToolCycles strips every tool interaction from the transcript,
// keeping assistants that also carried content.
func dropToolCycles(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Role == models.RoleTool {
			continue
		}
		if msg.HasToolCalls() {
			if msg.Content == "" {
				continue
			}
			msg.ToolCalls = nil
		}
		out = append(out, msg)
	}
	return out
}

// dropOrphanResponses removes tool messages whose call id no longer has
// an owning assistant, as happens when pattern collapse removed one.
func dropOrphanResponses(msgs []models.Message) []models.Message {
	owners := make(map[string]struct{})
	for _, msg := range msgs {
		if msg.HasToolCalls() {
			for _, call := range msg.ToolCalls {
				owners[call.ID] = struct{}{}
			}
		}
	}
	out := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.IsToolResponse() {
			if _, ok := owners[msg.ToolCallID]; !ok {
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

// collapseCompletedCycles replaces each finished tool round with one
// synthesis assistant message carrying the round's final content.
func collapseCompletedCycles(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		msg := msgs[i]
		if !msg.HasToolCalls() {
			out = append(out, msg)
			continue
		}

		// Consume the round: the responses, then at most one synthesis.
		want := make(map[string]struct{}, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			want[call.ID] = struct{}{}
		}
		j := i + 1
		for j < len(msgs) && msgs[j].IsToolResponse() {
			if _, ok := want[msgs[j].ToolCallID]; !ok {
				break
			}
			delete(want, msgs[j].ToolCallID)
			j++
		}
		if len(want) > 0 {
			// Responses are elsewhere in the list; leave the round alone.
			out = append(out, msg)
			continue
		}
		synthesis := msg
		synthesis.ToolCalls = nil
		if j < len(msgs) && msgs[j].Role == models.RoleAssistant && !msgs[j].HasToolCalls() {
			synthesis = msgs[j]
			j++
		}
		if synthesis.Content != "" {
			out = append(out, synthesis)
		}
		i = j - 1
	}
	return out
}

// appendCurrent adds the current user turn unless it is already present
// or the caller asked for a final completion after a tool round.
func appendCurrent(msgs []models.Message, current *models.Message, opts PrepareOptions) []models.Message {
	if current == nil || opts.ForceFinalCompletion {
		return msgs
	}
	for _, msg := range msgs {
		if current.ID != "" && msg.ID == current.ID {
			return msgs
		}
	}
	return append(msgs, *current)
}

// Validate checks the output invariants of preparation: tool responses
// follow the assistant that owns their call id with no intervening
// assistant, every assistant tool call is answered, and no two user turns
// are adjacent. It returns every violation found.
func Validate(msgs []models.Message) []error {
	var violations []error

	owned := make(map[string]int)
	for i, msg := range msgs {
		switch {
		case msg.HasToolCalls():
			owned = make(map[string]int, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				owned[call.ID] = i
			}
		case msg.Role == models.RoleAssistant:
			for id := range owned {
				violations = append(violations, fmt.Errorf("assistant at %d has unanswered tool call %s", owned[id], id))
			}
			owned = map[string]int{}
		case msg.IsToolResponse():
			if _, ok := owned[msg.ToolCallID]; !ok {
				violations = append(violations, fmt.Errorf("tool response at %d has no owning assistant for call %s", i, msg.ToolCallID))
				continue
			}
			delete(owned, msg.ToolCallID)
		case msg.Role == models.RoleUser:
			for id := range owned {
				violations = append(violations, fmt.Errorf("assistant at %d has unanswered tool call %s before next user turn", owned[id], id))
			}
			owned = map[string]int{}
			if i > 0 && msgs[i-1].Role == models.RoleUser {
				violations = append(violations, fmt.Errorf("adjacent user messages at %d and %d", i-1, i))
			}
		}
	}
	for id, idx := range owned {
		violations = append(violations, fmt.Errorf("assistant at %d has unanswered tool call %s at end of transcript", idx, id))
	}
	return violations
}
