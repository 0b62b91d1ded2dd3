package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agenticwork/awchat/internal/backoff"
	"github.com/agenticwork/awchat/internal/tools"
	"github.com/agenticwork/awchat/pkg/models"
)

// writeFrames emits SSE data frames followed by the [DONE] terminator.
func writeFrames(w http.ResponseWriter, frames ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, frame := range frames {
		fmt.Fprintf(w, "data: %s\n\n", frame)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func streamHandler(frames ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, frames...)
	})
}

// newTestProvider points a provider at a fake upstream with fast retries.
// maxRetries 0 keeps the constructor default.
func newTestProvider(t *testing.T, maxRetries int, handler http.Handler) *OpenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	p := NewOpenAIProvider(OpenAIConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL + "/v1",
		MaxRetries: maxRetries,
	})
	p.policy = backoff.Policy{Initial: time.Millisecond, Max: 4 * time.Millisecond, Factor: 2}
	return p
}

func collectChunks(t *testing.T, ch <-chan *Chunk) []*Chunk {
	t.Helper()
	var out []*Chunk
	for c := range ch {
		out = append(out, c)
	}
	if len(out) == 0 {
		t.Fatal("stream produced no chunks")
	}
	return out
}

func TestOpenAIProvider_StreamsText(t *testing.T) {
	p := newTestProvider(t, 0, streamHandler(
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}}`,
	))

	ch, err := p.Complete(context.Background(), &Request{
		Model:    "gpt-4o",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	chunks := collectChunks(t, ch)

	var text strings.Builder
	for _, c := range chunks {
		if c.Err != nil {
			t.Fatalf("unexpected chunk error: %v", c.Err)
		}
		text.WriteString(c.Text)
	}
	if text.String() != "Hello" {
		t.Errorf("streamed text = %q, want %q", text.String(), "Hello")
	}

	last := chunks[len(chunks)-1]
	if !last.Done {
		t.Error("last chunk should be marked Done")
	}
	if last.Usage == nil {
		t.Fatal("Done chunk should carry usage")
	}
	if last.Usage.PromptTokens != 12 || last.Usage.CompletionTokens != 4 || last.Usage.TotalTokens != 16 {
		t.Errorf("usage = %+v, want 12/4/16", last.Usage)
	}
}

func TestOpenAIProvider_AccumulatesToolCalls(t *testing.T) {
	p := newTestProvider(t, 0, streamHandler(
		`{"id":"chatcmpl-2","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"web_search","arguments":""}}]}}]}`,
		`{"id":"chatcmpl-2","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"query\":"}}]}}]}`,
		`{"id":"chatcmpl-2","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
		`{"id":"chatcmpl-2","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	))

	ch, err := p.Complete(context.Background(), &Request{
		Model:    "gpt-4o",
		Messages: []models.Message{{Role: models.RoleUser, Content: "search for go"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	chunks := collectChunks(t, ch)

	var calls []*models.ToolCall
	for _, c := range chunks {
		if c.ToolCall != nil {
			calls = append(calls, c.ToolCall)
		}
	}
	if len(calls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(calls))
	}
	if calls[0].ID != "call_1" {
		t.Errorf("tool call ID = %q, want call_1", calls[0].ID)
	}
	if calls[0].Name != "web_search" {
		t.Errorf("tool call name = %q, want web_search", calls[0].Name)
	}
	if got := string(calls[0].Arguments); got != `{"query":"go"}` {
		t.Errorf("tool call arguments = %q, want %q", got, `{"query":"go"}`)
	}

	if !chunks[len(chunks)-1].Done {
		t.Error("stream should end with a Done chunk")
	}
}

func TestOpenAIProvider_FlushesToolCallsAtStreamEnd(t *testing.T) {
	// Two complete calls arrive out of index order, plus a fragment that
	// never gets an id or name. The stream ends without a tool_calls
	// finish; the pending calls still come out, sorted, with the
	// incomplete fragment dropped.
	p := newTestProvider(t, 0, streamHandler(
		`{"id":"chatcmpl-3","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"web_search","arguments":"{\"query\":\"x\"}"}},{"index":0,"id":"call_a","type":"function","function":{"name":"read_files","arguments":"{\"paths\":[\"a.txt\"]}"}},{"index":2,"function":{"arguments":"{"}}]}}]}`,
	))

	ch, err := p.Complete(context.Background(), &Request{
		Model:    "gpt-4o",
		Messages: []models.Message{{Role: models.RoleUser, Content: "go"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	chunks := collectChunks(t, ch)

	var calls []*models.ToolCall
	for _, c := range chunks {
		if c.ToolCall != nil {
			calls = append(calls, c.ToolCall)
		}
	}
	if len(calls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(calls))
	}
	if calls[0].ID != "call_a" || calls[1].ID != "call_b" {
		t.Errorf("tool calls emitted as %s, %s; want call_a, call_b", calls[0].ID, calls[1].ID)
	}
}

func TestOpenAIProvider_RetriesTransientFailures(t *testing.T) {
	var requests atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			http.Error(w, "upstream exploded", http.StatusInternalServerError)
			return
		}
		writeFrames(w,
			`{"id":"chatcmpl-4","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"ok"}}]}`,
		)
	})
	p := newTestProvider(t, 0, handler)

	ch, err := p.Complete(context.Background(), &Request{
		Model:    "gpt-4o",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	chunks := collectChunks(t, ch)
	var text strings.Builder
	for _, c := range chunks {
		text.WriteString(c.Text)
	}
	if text.String() != "ok" {
		t.Errorf("streamed text = %q, want %q", text.String(), "ok")
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("upstream saw %d requests, want 3", got)
	}
}

func TestOpenAIProvider_FailsFastOnAuthErrors(t *testing.T) {
	var requests atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`)
	})
	p := newTestProvider(t, 0, handler)

	_, err := p.Complete(context.Background(), &Request{
		Model:    "gpt-4o",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for rejected credentials")
	}

	pe, ok := AsProviderError(err)
	if !ok {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	if pe.Reason != ReasonAuth {
		t.Errorf("reason = %v, want %v", pe.Reason, ReasonAuth)
	}
	if pe.Status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", pe.Status)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("upstream saw %d requests, want 1 (no retries)", got)
	}
}

func TestOpenAIProvider_ExhaustsRetries(t *testing.T) {
	var requests atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	})
	p := newTestProvider(t, 2, handler)

	_, err := p.Complete(context.Background(), &Request{
		Model:    "gpt-4o",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !errors.Is(err, backoff.ErrMaxAttemptsExhausted) {
		t.Errorf("expected ErrMaxAttemptsExhausted in chain, got %v", err)
	}
	pe, ok := AsProviderError(err)
	if !ok {
		t.Fatalf("expected ProviderError in chain, got %T", err)
	}
	if pe.Reason != ReasonServerError {
		t.Errorf("reason = %v, want %v", pe.Reason, ReasonServerError)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("upstream saw %d requests, want 2", got)
	}
}

func TestOpenAIProvider_ReportsMidStreamErrors(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: "+`{"id":"chatcmpl-5","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"partial"}}]}`+"\n\n")
		fmt.Fprint(w, "data: "+`{"error":{"message":"Rate limit reached for requests","type":"requests"}}`+"\n\n")
	})
	p := newTestProvider(t, 0, handler)

	ch, err := p.Complete(context.Background(), &Request{
		Model:    "gpt-4o",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	chunks := collectChunks(t, ch)

	if chunks[0].Text != "partial" {
		t.Errorf("first chunk text = %q, want %q", chunks[0].Text, "partial")
	}
	last := chunks[len(chunks)-1]
	if last.Err == nil {
		t.Fatal("expected the final chunk to carry the stream error")
	}
	if !last.Done {
		t.Error("error chunk should be marked Done")
	}
	pe, ok := AsProviderError(last.Err)
	if !ok {
		t.Fatalf("expected ProviderError, got %T", last.Err)
	}
	if pe.Reason != ReasonRateLimit {
		t.Errorf("reason = %v, want %v", pe.Reason, ReasonRateLimit)
	}
}

func TestOpenAIProvider_SendsRequestShape(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "gpt-4o" {
			t.Errorf("model = %q, want gpt-4o", req.Model)
		}
		if !req.Stream {
			t.Error("expected a streaming request")
		}
		if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Error("expected stream_options.include_usage")
		}
		if req.MaxTokens != 512 {
			t.Errorf("max_tokens = %d, want 512", req.MaxTokens)
		}
		if req.Temperature != 0.2 {
			t.Errorf("temperature = %v, want 0.2", req.Temperature)
		}
		if len(req.Messages) == 3 {
			if req.Messages[0].Role != openai.ChatMessageRoleSystem || req.Messages[0].Content != "be helpful" {
				t.Errorf("first message = %s %q, want leading system prompt", req.Messages[0].Role, req.Messages[0].Content)
			}
			if req.Messages[1].Role != "user" || req.Messages[2].Role != "assistant" {
				t.Errorf("transcript roles = %s, %s; want user, assistant", req.Messages[1].Role, req.Messages[2].Role)
			}
		} else {
			t.Errorf("got %d messages, want 3", len(req.Messages))
		}
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "web_search" {
			t.Errorf("tools = %+v, want one web_search definition", req.Tools)
		}
		writeFrames(w,
			`{"id":"chatcmpl-6","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"ok"}}]}`,
		)
	})
	p := newTestProvider(t, 0, handler)

	ch, err := p.Complete(context.Background(), &Request{
		Model:  "gpt-4o",
		System: "be helpful",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "hi"},
			{Role: models.RoleAssistant, Content: "hello"},
		},
		Tools: []tools.Definition{{
			Name:        "web_search",
			Description: "Search the web",
			Schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
		}},
		MaxTokens:   512,
		Temperature: 0.2,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	collectChunks(t, ch)
}

func TestOpenAIProvider_RequiresAPIKey(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{})

	_, err := p.Complete(context.Background(), &Request{
		Model:    "gpt-4o",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error when no API key is configured")
	}
	pe, ok := AsProviderError(err)
	if !ok {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	if pe.Reason != ReasonAuth {
		t.Errorf("reason = %v, want %v", pe.Reason, ReasonAuth)
	}
	if !strings.Contains(err.Error(), "API key not configured") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestNewOpenAIProviderDefaults(t *testing.T) {
	tests := []struct {
		name           string
		config         OpenAIConfig
		wantNilClient  bool
		wantMaxRetries int
	}{
		{
			name:           "full config",
			config:         OpenAIConfig{APIKey: "sk-test", BaseURL: "https://proxy.example.com/v1", MaxRetries: 5},
			wantNilClient:  false,
			wantMaxRetries: 5,
		},
		{
			name:           "empty API key",
			config:         OpenAIConfig{},
			wantNilClient:  true,
			wantMaxRetries: 3,
		},
		{
			name:           "negative retries uses default",
			config:         OpenAIConfig{APIKey: "sk-test", MaxRetries: -1},
			wantNilClient:  false,
			wantMaxRetries: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewOpenAIProvider(tt.config)
			if (p.client == nil) != tt.wantNilClient {
				t.Errorf("client nil = %v, want %v", p.client == nil, tt.wantNilClient)
			}
			if p.maxRetries != tt.wantMaxRetries {
				t.Errorf("maxRetries = %d, want %d", p.maxRetries, tt.wantMaxRetries)
			}
		})
	}
}

func TestProviderName(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{})
	if got := p.Name(); got != "openai" {
		t.Errorf("Name() = %q, want openai", got)
	}
}

func TestConvertMessages(t *testing.T) {
	tests := []struct {
		name     string
		messages []models.Message
		system   string
		wantLen  int
	}{
		{
			name: "system prompt injected first",
			messages: []models.Message{
				{Role: models.RoleUser, Content: "Hello"},
				{Role: models.RoleAssistant, Content: "Hi there"},
			},
			system:  "You are a helpful assistant",
			wantLen: 3,
		},
		{
			name: "no system prompt",
			messages: []models.Message{
				{Role: models.RoleUser, Content: "Hello"},
			},
			system:  "",
			wantLen: 1,
		},
		{
			name:     "empty transcript with system",
			messages: nil,
			system:   "sys",
			wantLen:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := convertMessages(tt.messages, tt.system)
			if len(got) != tt.wantLen {
				t.Errorf("convertMessages() got %d messages, want %d", len(got), tt.wantLen)
			}
			if tt.system != "" {
				if got[0].Role != openai.ChatMessageRoleSystem || got[0].Content != tt.system {
					t.Errorf("first message = %s %q, want leading system prompt", got[0].Role, got[0].Content)
				}
			}
		})
	}
}

func TestConvertMessagesToolCalls(t *testing.T) {
	got := convertMessages([]models.Message{
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "web_search", Arguments: json.RawMessage(`{"query":"go"}`)},
				{ID: "call_2", Name: "read_files", Arguments: json.RawMessage(`{"paths":["a.txt"]}`)},
			},
		},
	}, "")

	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if len(got[0].ToolCalls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(got[0].ToolCalls))
	}
	tc := got[0].ToolCalls[0]
	if tc.ID != "call_1" {
		t.Errorf("tool call ID = %q, want call_1", tc.ID)
	}
	if tc.Type != openai.ToolTypeFunction {
		t.Errorf("tool call type = %v, want function", tc.Type)
	}
	if tc.Function.Name != "web_search" {
		t.Errorf("function name = %q, want web_search", tc.Function.Name)
	}
	if tc.Function.Arguments != `{"query":"go"}` {
		t.Errorf("function arguments = %q, want %q", tc.Function.Arguments, `{"query":"go"}`)
	}
}

func TestConvertMessagesToolResponse(t *testing.T) {
	got := convertMessages([]models.Message{
		{Role: models.RoleTool, ToolCallID: "call_9", Content: "42"},
	}, "")

	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleTool {
		t.Errorf("role = %s, want tool", got[0].Role)
	}
	if got[0].ToolCallID != "call_9" {
		t.Errorf("tool call id = %q, want call_9", got[0].ToolCallID)
	}
	if got[0].Content != "42" {
		t.Errorf("content = %q, want 42", got[0].Content)
	}
}

func TestConvertTools(t *testing.T) {
	defs := []tools.Definition{
		{
			Name:        "web_search",
			Description: "Search the web",
			Schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
		},
		{
			Name:   "bad_tool",
			Schema: json.RawMessage(`not valid json`),
		},
		{
			Name: "schemaless_tool",
		},
	}

	got := convertTools(defs)
	if len(got) != 3 {
		t.Fatalf("got %d tools, want 3", len(got))
	}

	if got[0].Type != openai.ToolTypeFunction {
		t.Errorf("tool type = %v, want function", got[0].Type)
	}
	if got[0].Function.Name != "web_search" {
		t.Errorf("function name = %q, want web_search", got[0].Function.Name)
	}
	params, ok := got[0].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("parameters is %T, want map", got[0].Function.Parameters)
	}
	if _, ok := params["properties"].(map[string]any)["query"]; !ok {
		t.Error("schema properties should survive conversion")
	}

	// Unparseable and missing schemas degrade to an open object.
	for _, i := range []int{1, 2} {
		params, ok := got[i].Function.Parameters.(map[string]any)
		if !ok {
			t.Fatalf("tool %d parameters is %T, want map", i, got[i].Function.Parameters)
		}
		if params["type"] != "object" {
			t.Errorf("tool %d degraded schema type = %v, want object", i, params["type"])
		}
	}
}

func TestWrapClassifiesErrors(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{})

	tests := []struct {
		name       string
		err        error
		wantReason FailureReason
		wantStatus int
	}{
		{
			name:       "api error with status",
			err:        &openai.APIError{HTTPStatusCode: 429, Message: "rate limit exceeded"},
			wantReason: ReasonRateLimit,
			wantStatus: 429,
		},
		{
			name:       "request error with status",
			err:        &openai.RequestError{HTTPStatusCode: 503, Err: errors.New("service unavailable")},
			wantReason: ReasonServerError,
			wantStatus: 503,
		},
		{
			name:       "api error without status falls back to message",
			err:        &openai.APIError{Message: "rate limit exceeded"},
			wantReason: ReasonRateLimit,
			wantStatus: 0,
		},
		{
			name:       "transport error",
			err:        errors.New("dial tcp: connection refused"),
			wantReason: ReasonServerError,
			wantStatus: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := p.wrap("gpt-4o", tt.err)
			pe, ok := AsProviderError(wrapped)
			if !ok {
				t.Fatalf("expected ProviderError, got %T", wrapped)
			}
			if pe.Reason != tt.wantReason {
				t.Errorf("reason = %v, want %v", pe.Reason, tt.wantReason)
			}
			if pe.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d", pe.Status, tt.wantStatus)
			}
			if pe.Model != "gpt-4o" {
				t.Errorf("model = %q, want gpt-4o", pe.Model)
			}
			if !errors.Is(wrapped, tt.err) {
				t.Error("wrapped error should unwrap to the cause")
			}
		})
	}
}
