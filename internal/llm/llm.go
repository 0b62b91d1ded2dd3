// Package llm streams chat completions from the upstream model provider.
//
// Completions are delivered as a channel of chunks: text deltas as they
// arrive, accumulated tool calls once they are complete, and a final Done
// chunk carrying token usage when the upstream reports it. The channel is
// closed when the stream ends for any reason.
package llm

import (
	"context"

	"github.com/agenticwork/awchat/internal/tools"
	"github.com/agenticwork/awchat/pkg/models"
)

// Request describes one completion call.
type Request struct {
	// Model is the upstream model identifier.
	Model string

	// System is the system prompt, injected ahead of the messages.
	System string

	// Messages is the prepared transcript, oldest first.
	Messages []models.Message

	// Tools lists the definitions advertised to the model.
	Tools []tools.Definition

	// MaxTokens caps the completion length when positive.
	MaxTokens int

	// Temperature is passed through when non-zero.
	Temperature float32
}

// Chunk is one unit of a streaming completion.
type Chunk struct {
	// Text is a content delta. Empty on non-text chunks.
	Text string

	// ToolCall is a fully accumulated tool call.
	ToolCall *models.ToolCall

	// Usage carries the exchange's token counts, set on the Done chunk
	// when the upstream reports usage.
	Usage *models.TokenUsage

	// Done marks the end of a successful stream.
	Done bool

	// Err reports a mid-stream failure. The channel closes after it.
	Err error
}

// Provider produces streaming completions.
//
// Complete returns an error for failures before the stream opens
// (authentication, exhausted retries); once a channel is returned, later
// failures arrive as a Chunk with Err set. Implementations close the
// channel when the stream ends.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (<-chan *Chunk, error)
}
