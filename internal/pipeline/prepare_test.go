package pipeline

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/agenticwork/awchat/pkg/models"
)

func userMsg(id, content string) models.Message {
	return models.Message{ID: id, Role: models.RoleUser, Content: content}
}

func assistantMsg(id, content string, calls ...models.ToolCall) models.Message {
	return models.Message{ID: id, Role: models.RoleAssistant, Content: content, ToolCalls: calls}
}

func toolMsg(id, callID, content string) models.Message {
	return models.Message{ID: id, Role: models.RoleTool, ToolCallID: callID, Content: content}
}

func call(id, name string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(`{}`)}
}

func msgIDs(msgs []models.Message) []string {
	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
	}
	return ids
}

func TestPrepareKeepsCompletedToolCycle(t *testing.T) {
	history := []models.Message{
		userMsg("u1", "list files"),
		assistantMsg("a1", "", call("c1", "list_files")),
		toolMsg("t1", "c1", `["a.txt"]`),
		assistantMsg("a2", "Here are the files."),
	}

	got := PrepareMessages(context.Background(), nil,history, nil, PrepareOptions{})

	want := []string{"u1", "a1", "t1", "a2"}
	if !reflect.DeepEqual(msgIDs(got), want) {
		t.Fatalf("prepared ids = %v, want %v", msgIDs(got), want)
	}
	if len(got[1].ToolCalls) != 1 || got[1].ToolCalls[0].ID != "c1" {
		t.Errorf("assistant tool calls = %+v, want the completed c1 call", got[1].ToolCalls)
	}
	if violations := Validate(got); len(violations) > 0 {
		t.Errorf("Validate() = %v, want none", violations)
	}
}

func TestPrepareElidesIncompleteCycle(t *testing.T) {
	// The tool response was lost; the bare requesting assistant goes
	// with it, the final synthesis stays.
	history := []models.Message{
		userMsg("u1", "list files"),
		assistantMsg("a1", "", call("c1", "list_files")),
		assistantMsg("a2", "Here are the files."),
	}

	got := PrepareMessages(context.Background(), nil,history, nil, PrepareOptions{})

	want := []string{"u1", "a2"}
	if !reflect.DeepEqual(msgIDs(got), want) {
		t.Fatalf("prepared ids = %v, want %v", msgIDs(got), want)
	}
	if len(got[1].ToolCalls) != 0 {
		t.Errorf("surviving assistant still carries tool calls: %+v", got[1].ToolCalls)
	}
}

func TestPrepareKeepsContentOfIncompleteCaller(t *testing.T) {
	// An assistant that narrated before calling keeps its words even
	// though the unanswered call is stripped.
	history := []models.Message{
		userMsg("u1", "check the weather"),
		assistantMsg("a1", "Checking the forecast now.", call("c1", "get_weather")),
	}

	got := PrepareMessages(context.Background(), nil,history, nil, PrepareOptions{})

	want := []string{"u1", "a1"}
	if !reflect.DeepEqual(msgIDs(got), want) {
		t.Fatalf("prepared ids = %v, want %v", msgIDs(got), want)
	}
	if got[1].Content != "Checking the forecast now." {
		t.Errorf("assistant content = %q, want the narration kept", got[1].Content)
	}
	if len(got[1].ToolCalls) != 0 {
		t.Errorf("unanswered call survived: %+v", got[1].ToolCalls)
	}
}

func TestPrepareCollapsesConsecutiveUsers(t *testing.T) {
	history := []models.Message{
		userMsg("u1", "hi"),
		userMsg("u2", "hi"),
		assistantMsg("a1", "hello"),
	}

	got := PrepareMessages(context.Background(), nil,history, nil, PrepareOptions{})

	want := []string{"u2", "a1"}
	if !reflect.DeepEqual(msgIDs(got), want) {
		t.Fatalf("prepared ids = %v, want %v", msgIDs(got), want)
	}
}

func TestPrepareDropsDuplicateMessageIDs(t *testing.T) {
	history := []models.Message{
		userMsg("u1", "first"),
		assistantMsg("a1", "reply"),
		assistantMsg("a1", "reply again"),
	}

	got := PrepareMessages(context.Background(), nil,history, nil, PrepareOptions{})

	want := []string{"u1", "a1"}
	if !reflect.DeepEqual(msgIDs(got), want) {
		t.Fatalf("prepared ids = %v, want %v", msgIDs(got), want)
	}
	if got[1].Content != "reply" {
		t.Errorf("kept content = %q, want the first occurrence", got[1].Content)
	}
}

func TestPrepareDedupsToolCallIDsWithinAssistant(t *testing.T) {
	history := []models.Message{
		userMsg("u1", "look it up"),
		assistantMsg("a1", "", call("c1", "lookup"), call("c1", "lookup")),
		toolMsg("t1", "c1", "42"),
	}

	got := PrepareMessages(context.Background(), nil,history, nil, PrepareOptions{})

	if len(got) != 3 {
		t.Fatalf("prepared %d messages, want 3: %v", len(got), msgIDs(got))
	}
	if len(got[1].ToolCalls) != 1 {
		t.Errorf("assistant tool calls = %d, want duplicate id removed", len(got[1].ToolCalls))
	}
}

func TestPrepareKeepsAnsweredCallsOfPartialRound(t *testing.T) {
	// One of two calls got a response. The unanswered call is stripped
	// so the remaining cycle is complete.
	history := []models.Message{
		userMsg("u1", "compare both"),
		assistantMsg("a1", "", call("c1", "fetch"), call("c2", "fetch")),
		toolMsg("t1", "c1", "left"),
		assistantMsg("a2", "Only one side came back."),
	}

	got := PrepareMessages(context.Background(), nil,history, nil, PrepareOptions{})

	want := []string{"u1", "a1", "t1", "a2"}
	if !reflect.DeepEqual(msgIDs(got), want) {
		t.Fatalf("prepared ids = %v, want %v", msgIDs(got), want)
	}
	if len(got[1].ToolCalls) != 1 || got[1].ToolCalls[0].ID != "c1" {
		t.Errorf("assistant tool calls = %+v, want only the answered c1", got[1].ToolCalls)
	}
	if violations := Validate(got); len(violations) > 0 {
		t.Errorf("Validate() = %v, want none", violations)
	}
}

func TestPrepareCollapsesRepeatedExchanges(t *testing.T) {
	// A retried turn replayed the whole round. The duplicate pair goes,
	// and the tool response it owned goes with it.
	history := []models.Message{
		userMsg("u1", "weather?"),
		assistantMsg("a1", "", call("c1", "get_weather")),
		toolMsg("t1", "c1", "sunny"),
		assistantMsg("a2", "Sunny."),
		userMsg("u2", "weather?"),
		assistantMsg("a3", "", call("c2", "get_weather")),
		toolMsg("t2", "c2", "sunny"),
		assistantMsg("a4", "Sunny."),
	}

	got := PrepareMessages(context.Background(), nil,history, nil, PrepareOptions{})

	want := []string{"u1", "a1", "t1", "a2", "a4"}
	if !reflect.DeepEqual(msgIDs(got), want) {
		t.Fatalf("prepared ids = %v, want %v", msgIDs(got), want)
	}
	for _, msg := range got {
		if msg.ToolCallID == "c2" {
			t.Errorf("orphan response for collapsed pair survived: %s", msg.ID)
		}
	}
}

func TestPrepareStrictDropsToolCycles(t *testing.T) {
	history := []models.Message{
		userMsg("u1", "list files"),
		assistantMsg("a1", "", call("c1", "list_files")),
		toolMsg("t1", "c1", `["a.txt"]`),
		assistantMsg("a2", "Here are the files."),
		userMsg("u2", "and the weather"),
		assistantMsg("a3", "Let me check.", call("c2", "get_weather")),
		toolMsg("t2", "c2", "sunny"),
	}

	got := PrepareMessages(context.Background(), nil,history, nil, PrepareOptions{DropAllToolCycles: true})

	want := []string{"u1", "a2", "u2", "a3"}
	if !reflect.DeepEqual(msgIDs(got), want) {
		t.Fatalf("prepared ids = %v, want %v", msgIDs(got), want)
	}
	for _, msg := range got {
		if msg.Role == models.RoleTool || len(msg.ToolCalls) > 0 {
			t.Errorf("strict pass left tool traffic in message %s", msg.ID)
		}
	}
}

func TestPrepareAppendsCurrentTurn(t *testing.T) {
	current := userMsg("u2", "and now?")

	tests := []struct {
		name    string
		history []models.Message
		current *models.Message
		opts    PrepareOptions
		want    []string
	}{
		{
			name:    "appended after history",
			history: []models.Message{userMsg("u1", "hi"), assistantMsg("a1", "hello")},
			current: &current,
			want:    []string{"u1", "a1", "u2"},
		},
		{
			name:    "not duplicated when already persisted",
			history: []models.Message{userMsg("u1", "hi"), assistantMsg("a1", "hello"), current},
			current: &current,
			want:    []string{"u1", "a1", "u2"},
		},
		{
			name:    "skipped on final completion after a tool round",
			history: []models.Message{userMsg("u1", "hi"), assistantMsg("a1", "hello")},
			current: &current,
			opts:    PrepareOptions{ForceFinalCompletion: true},
			want:    []string{"u1", "a1"},
		},
		{
			name:    "retried turn replaces its stale copy",
			history: []models.Message{userMsg("u1", "hi"), assistantMsg("a1", "hello"), userMsg("u1b", "and now?")},
			current: &current,
			want:    []string{"u1", "a1", "u2"},
		},
		{
			name:    "empty history",
			current: &current,
			want:    []string{"u2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PrepareMessages(context.Background(), nil,tt.history, tt.current, tt.opts)
			if !reflect.DeepEqual(msgIDs(got), tt.want) {
				t.Errorf("prepared ids = %v, want %v", msgIDs(got), tt.want)
			}
		})
	}
}

func TestPrepareIsIdempotent(t *testing.T) {
	current := userMsg("u9", "current turn")

	tests := []struct {
		name    string
		history []models.Message
		current *models.Message
		opts    PrepareOptions
	}{
		{
			name: "completed cycle",
			history: []models.Message{
				userMsg("u1", "list files"),
				assistantMsg("a1", "", call("c1", "list_files")),
				toolMsg("t1", "c1", `["a.txt"]`),
				assistantMsg("a2", "Here are the files."),
			},
			current: &current,
		},
		{
			name: "incomplete cycle",
			history: []models.Message{
				userMsg("u1", "list files"),
				assistantMsg("a1", "", call("c1", "list_files")),
				assistantMsg("a2", "Here are the files."),
			},
			current: &current,
		},
		{
			name: "retries and duplicates",
			history: []models.Message{
				userMsg("u1", "hi"),
				userMsg("u2", "hi"),
				assistantMsg("a1", "hello"),
				userMsg("u3", "hi"),
				assistantMsg("a2", "hello"),
				toolMsg("t9", "missing", "orphan"),
			},
			current: &current,
		},
		{
			name: "strict pass",
			history: []models.Message{
				userMsg("u1", "list files"),
				assistantMsg("a1", "", call("c1", "list_files")),
				toolMsg("t1", "c1", `["a.txt"]`),
				assistantMsg("a2", "Here are the files."),
			},
			current: &current,
			opts:    PrepareOptions{DropAllToolCycles: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			once := PrepareMessages(context.Background(), nil,tt.history, tt.current, tt.opts)
			twice := PrepareMessages(context.Background(), nil,once, tt.current, tt.opts)
			if !reflect.DeepEqual(once, twice) {
				t.Errorf("second application changed the transcript:\nonce:  %v\ntwice: %v", msgIDs(once), msgIDs(twice))
			}
		})
	}
}

func TestPrepareCollapseCompletedCycles(t *testing.T) {
	history := []models.Message{
		userMsg("u1", "weather?"),
		assistantMsg("a1", "", call("c1", "get_weather")),
		toolMsg("t1", "c1", "sunny"),
		assistantMsg("a2", "Sunny today."),
		userMsg("u2", "thanks"),
	}

	got := PrepareMessages(context.Background(), nil,history, nil, PrepareOptions{CollapseCompletedCycles: true})

	want := []string{"u1", "a2", "u2"}
	if !reflect.DeepEqual(msgIDs(got), want) {
		t.Fatalf("prepared ids = %v, want %v", msgIDs(got), want)
	}
	if got[1].Content != "Sunny today." {
		t.Errorf("synthesis content = %q, want the round's final words", got[1].Content)
	}
}

func TestPrepareDropsEmptyAssistants(t *testing.T) {
	history := []models.Message{
		userMsg("u1", "hi"),
		assistantMsg("a1", ""),
		assistantMsg("a2", "hello"),
	}

	got := PrepareMessages(context.Background(), nil,history, nil, PrepareOptions{})

	want := []string{"u1", "a2"}
	if !reflect.DeepEqual(msgIDs(got), want) {
		t.Fatalf("prepared ids = %v, want %v", msgIDs(got), want)
	}
}

func TestValidateReportsViolations(t *testing.T) {
	tests := []struct {
		name string
		msgs []models.Message
		want int
	}{
		{
			name: "clean transcript",
			msgs: []models.Message{
				userMsg("u1", "list files"),
				assistantMsg("a1", "", call("c1", "list_files")),
				toolMsg("t1", "c1", "[]"),
				assistantMsg("a2", "Done."),
			},
			want: 0,
		},
		{
			name: "unanswered call at end",
			msgs: []models.Message{
				userMsg("u1", "go"),
				assistantMsg("a1", "", call("c1", "run")),
			},
			want: 1,
		},
		{
			name: "orphan tool response",
			msgs: []models.Message{
				userMsg("u1", "go"),
				toolMsg("t1", "c9", "output"),
			},
			want: 1,
		},
		{
			name: "adjacent users",
			msgs: []models.Message{
				userMsg("u1", "hi"),
				userMsg("u2", "hi again"),
			},
			want: 1,
		},
		{
			name: "assistant interrupts an open cycle",
			msgs: []models.Message{
				assistantMsg("a1", "", call("c1", "run")),
				assistantMsg("a2", "meanwhile"),
				toolMsg("t1", "c1", "late"),
			},
			want: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Validate(tt.msgs)
			if len(got) != tt.want {
				t.Errorf("Validate() = %v, want %d violations", got, tt.want)
			}
		})
	}
}
