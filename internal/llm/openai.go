package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agenticwork/awchat/internal/backoff"
	"github.com/agenticwork/awchat/internal/tools"
	"github.com/agenticwork/awchat/pkg/models"
)

// OpenAIConfig configures the completion client.
type OpenAIConfig struct {
	APIKey string
	// BaseURL points the client at a compatible endpoint when set.
	BaseURL string
	// MaxRetries bounds attempts to open the stream. Default 3.
	MaxRetries int
}

// OpenAIProvider implements Provider against the OpenAI chat API.
//
// It is safe for concurrent use; every Complete call owns its stream and
// goroutine.
type OpenAIProvider struct {
	client     *openai.Client
	maxRetries int
	policy     backoff.Policy
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates a completion client. An empty API key is
// allowed for delayed configuration; Complete fails until one is set.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	p := &OpenAIProvider{
		maxRetries: cfg.MaxRetries,
		policy: backoff.Policy{
			Initial: time.Second,
			Max:     8 * time.Second,
			Factor:  2,
			Jitter:  0.1,
		},
	}
	if p.maxRetries <= 0 {
		p.maxRetries = 3
	}
	if cfg.APIKey != "" {
		clientConfig := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
		p.client = openai.NewClientWithConfig(clientConfig)
	}
	return p
}

// Name returns the provider identifier used in logs and metrics.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete opens a streaming completion, retrying transient failures with
// backoff. Non-retryable failures return immediately as a ProviderError.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	if p.client == nil {
		return nil, &ProviderError{
			Reason:   ReasonAuth,
			Provider: p.Name(),
			Model:    req.Model,
			Message:  "API key not configured",
		}
	}

	chatReq := p.buildRequest(req)
	stream, err := backoff.RetryIf(ctx, p.policy, p.maxRetries, IsRetryable,
		func(int) (*openai.ChatCompletionStream, error) {
			s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
			if err != nil {
				return nil, p.wrap(req.Model, err)
			}
			return s, nil
		})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *Chunk)
	go p.processStream(ctx, req.Model, stream, chunks)
	return chunks, nil
}

func (p *OpenAIProvider) buildRequest(req *Request) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      convertMessages(req.Messages, req.System),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}
	return chatReq
}

// processStream converts the wire stream into chunks. Tool calls arrive
// as fragments keyed by index and are emitted only once complete, on a
// tool_calls finish or at end of stream.
func (p *OpenAIProvider) processStream(ctx context.Context, model string, stream *openai.ChatCompletionStream, chunks chan<- *Chunk) {
	defer close(chunks)
	defer stream.Close()

	calls := make(map[int]*models.ToolCall)
	var usage *models.TokenUsage

	emit := func(c *Chunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	flush := func() bool {
		indexes := make([]int, 0, len(calls))
		for i := range calls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			call := calls[i]
			if call.ID == "" || call.Name == "" {
				continue
			}
			if !emit(&Chunk{ToolCall: call}) {
				return false
			}
		}
		calls = make(map[int]*models.ToolCall)
		return true
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !flush() {
					return
				}
				emit(&Chunk{Usage: usage, Done: true})
				return
			}
			emit(&Chunk{Err: p.wrap(model, err), Done: true})
			return
		}

		// The usage report arrives on a choiceless frame at the end.
		if response.Usage != nil {
			usage = &models.TokenUsage{
				PromptTokens:     response.Usage.PromptTokens,
				CompletionTokens: response.Usage.CompletionTokens,
				TotalTokens:      response.Usage.TotalTokens,
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			if !emit(&Chunk{Text: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := calls[index]
			if call == nil {
				call = &models.ToolCall{}
				calls[index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.Arguments = append(call.Arguments, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flush() {
				return
			}
		}
	}
}

// convertMessages translates the transcript into the wire format. The
// system prompt becomes the leading message; tool messages carry the id
// linking them to the call they answer.
func convertMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		converted := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		switch msg.Role {
		case models.RoleAssistant:
			for _, tc := range msg.ToolCalls {
				converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
		case models.RoleTool:
			converted.ToolCallID = msg.ToolCallID
		}
		out = append(out, converted)
	}
	return out
}

// convertTools translates registry definitions. A schema that fails to
// parse degrades to an open object so one bad tool cannot break the call.
func convertTools(defs []tools.Definition) []openai.Tool {
	out := make([]openai.Tool, len(defs))
	for i, def := range defs {
		var schema map[string]any
		if err := json.Unmarshal(def.Schema, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}

// wrap classifies an upstream error, preferring structured status codes
// over message inspection.
func (p *OpenAIProvider) wrap(model string, err error) error {
	pe := &ProviderError{Provider: p.Name(), Model: model, Cause: err}
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		pe.Status = apiErr.HTTPStatusCode
		pe.Message = apiErr.Message
		pe.Reason = classifyStatus(apiErr.HTTPStatusCode)
	case errors.As(err, &reqErr):
		pe.Status = reqErr.HTTPStatusCode
		pe.Reason = classifyStatus(reqErr.HTTPStatusCode)
	default:
		pe.Reason = classifyMessage(err)
	}
	if pe.Reason == ReasonUnknown {
		pe.Reason = classifyMessage(err)
	}
	return pe
}
