// Package tools defines the tool abstraction exposed to the model and the
// registry that validates and executes tool invocations.
//
// Execution failures are reported through Output.IsError so the model loop
// can observe them; transport-level faults never leak out of Execute.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Tool is one callable capability advertised to the model.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, inv Invocation) (*Output, error)
}

// Invocation carries the arguments and call environment for one execution.
// The cancellation signal travels on the context; implementations must
// observe it and return promptly.
type Invocation struct {
	// Args is the raw JSON argument object supplied by the model.
	Args json.RawMessage

	// WorkDir is the directory file-oriented tools operate in.
	WorkDir string

	// Caller identifies the authenticated user or service principal on
	// whose behalf the tool runs.
	Caller string

	// Timeout bounds this call. Zero means the registry default.
	Timeout time.Duration
}

// Output is the result of one tool execution.
type Output struct {
	Content  string         `json:"content"`
	IsError  bool           `json:"is_error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Definition describes a registered tool for the model provider.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Errorf builds an error output with a formatted message.
func Errorf(format string, args ...any) *Output {
	return ErrorOutput(fmt.Sprintf(format, args...))
}

// ErrorOutput wraps a message as an `{"error": ...}` payload the model can
// parse, marked IsError.
func ErrorOutput(message string) *Output {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &Output{Content: message, IsError: true}
	}
	return &Output{Content: string(payload), IsError: true}
}

// JSONOutput encodes a payload as indented JSON content.
func JSONOutput(payload any) *Output {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return Errorf("encode result: %v", err)
	}
	return &Output{Content: string(encoded)}
}
