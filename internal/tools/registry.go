package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agenticwork/awchat/internal/observability"
)

// Execution limits.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolArgsSize is the maximum size of the argument JSON (10MB).
	MaxToolArgsSize = 10 << 20

	// DefaultCallTimeout bounds a call when neither the invocation nor the
	// registry sets one.
	DefaultCallTimeout = 30 * time.Second
)

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry manages available tools with thread-safe registration and lookup.
// Execute validates arguments against the tool's schema, applies the
// per-call timeout, and converts every failure mode into an IsError output.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]registered
	timeout time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCallTimeout sets the default per-call timeout.
func WithCallTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *observability.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink for execution recording.
func WithMetrics(metrics *observability.Metrics) RegistryOption {
	return func(r *Registry) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// NewRegistry creates an empty registry ready for tool registration.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:   make(map[string]registered),
		timeout: DefaultCallTimeout,
		logger:  observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = observability.NewMetricsWithRegistry(nil)
	}
	return r
}

// Register adds a tool, compiling its schema for input validation.
// A tool with the same name is replaced. Domain tools use this at runtime.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength)
	}
	compiled, err := compileSchema(tool.Schema())
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = registered{tool: tool, schema: compiled}
	return nil
}

// Unregister removes a tool from the registry by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[name]
	return entry.tool, ok
}

// List returns definitions for every registered tool, sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, entry := range r.tools {
		defs = append(defs, Definition{
			Name:        entry.tool.Name(),
			Description: entry.tool.Description(),
			Schema:      entry.tool.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a tool by name and always returns an output. Unknown tools,
// invalid arguments, handler errors, panics, and timeouts all surface as
// IsError outputs so the model loop can observe them.
func (r *Registry) Execute(ctx context.Context, name string, inv Invocation) *Output {
	start := time.Now()
	out, status := r.run(ctx, name, inv)
	r.metrics.RecordToolExecution(name, status, time.Since(start).Seconds())
	if out.IsError {
		r.logger.Warn(ctx, "tool execution failed",
			"tool", name,
			"status", status,
			"caller", inv.Caller,
		)
	}
	return out
}

func (r *Registry) run(ctx context.Context, name string, inv Invocation) (*Output, string) {
	if len(name) > MaxToolNameLength {
		return Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength), "rejected"
	}
	if len(inv.Args) > MaxToolArgsSize {
		return Errorf("tool arguments exceed maximum size of %d bytes", MaxToolArgsSize), "rejected"
	}

	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ErrorOutput("tool not found: " + name), "not_found"
	}

	if err := validateArgs(entry.schema, inv.Args); err != nil {
		return Errorf("invalid arguments: %v", err), "invalid_args"
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := safeExecute(callCtx, entry.tool, inv)
	timedOut := callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	switch {
	case err != nil:
		if timedOut {
			return timeoutOutput(name, timeout), "timeout"
		}
		return Errorf("tool failed: %v", err), "error"
	case out == nil:
		return ErrorOutput("tool returned no output"), "error"
	case out.IsError:
		if timedOut {
			return timeoutOutput(name, timeout), "timeout"
		}
		return out, "error"
	default:
		return out, "ok"
	}
}

// timeoutOutput marks the failure as a per-call timeout so the pipeline can
// classify it apart from other tool errors.
func timeoutOutput(name string, timeout time.Duration) *Output {
	out := Errorf("tool %s timed out after %s", name, timeout)
	out.Metadata = map[string]any{"timeout": true}
	return out
}

// safeExecute invokes the tool, converting panics into errors.
func safeExecute(ctx context.Context, tool Tool, inv Invocation) (out *Output, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = fmt.Errorf("tool panicked: %v", rec)
		}
	}()
	return tool.Execute(ctx, inv)
}

func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	return jsonschema.CompileString("tool.schema.json", string(schema))
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	if schema == nil {
		return nil
	}
	raw := args
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("parse arguments: %w", err)
	}
	return schema.Validate(decoded)
}
