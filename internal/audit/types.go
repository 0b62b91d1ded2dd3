// Package audit provides structured audit logging for administrative actions,
// credential lifecycle events, and API key issuance. Every control-plane
// mutation produces one event; the stream is the durable record of who
// changed what.
package audit

import (
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	// Control-plane events
	EventConfigUpdated    EventType = "admin.config_updated"
	EventAccessDecided    EventType = "admin.access_decided"
	EventAllowlistAdded   EventType = "admin.allowlist_added"
	EventAllowlistRemoved EventType = "admin.allowlist_removed"
	EventSessionPurged    EventType = "admin.session_purged"

	// Prompt template events
	EventTemplateCreated EventType = "template.created"
	EventTemplateUpdated EventType = "template.updated"
	EventTemplateDeleted EventType = "template.deleted"

	// API key events
	EventKeyIssued  EventType = "key.issued"
	EventKeyDeleted EventType = "key.deleted"

	// Delegated credential events
	EventCredentialStored  EventType = "credential.stored"
	EventCredentialDeleted EventType = "credential.deleted"
	EventCredentialsSwept  EventType = "credential.swept"
)

// Level represents audit log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event represents a single audit log entry.
type Event struct {
	// ID is a unique identifier for this audit event.
	ID string `json:"id"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// Level is the severity level.
	Level Level `json:"level"`

	// Timestamp when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Actor is the user id that performed the action, or "system" for
	// scheduled work such as the credential sweep.
	Actor string `json:"actor,omitempty"`

	// Target identifies what was acted on: a config key, an access request
	// id, an allowlist entry, a session id, a template id, or a key id.
	Target string `json:"target,omitempty"`

	// Action describes what happened.
	Action string `json:"action"`

	// Details contains event-specific structured data.
	Details map[string]any `json:"details,omitempty"`

	// Duration is the time taken for timed operations.
	Duration time.Duration `json:"duration,omitempty"`

	// Error contains error information if applicable.
	Error string `json:"error,omitempty"`

	// RequestID correlates the event with the HTTP request that caused it.
	RequestID string `json:"request_id,omitempty"`
}

// OutputFormat specifies the audit log output format.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Config configures the audit logger.
type Config struct {
	// Enabled determines if audit logging is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Level is the minimum level to log.
	Level Level `json:"level" yaml:"level"`

	// Format specifies the output format.
	Format OutputFormat `json:"format" yaml:"format"`

	// Output specifies where to write logs.
	// Supported: "stdout", "stderr", "file:/path/to/file.log"
	Output string `json:"output" yaml:"output"`

	// IncludeValues determines if written configuration values are logged
	// verbatim. Set to false for privacy-sensitive environments; values are
	// then recorded as a short hash.
	IncludeValues bool `json:"include_values" yaml:"include_values"`

	// MaxFieldSize limits the size of logged fields.
	MaxFieldSize int `json:"max_field_size" yaml:"max_field_size"`

	// EventTypes filters which event types to log (empty = all).
	EventTypes []EventType `json:"event_types" yaml:"event_types"`

	// BufferSize is the size of the async write buffer.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`

	// FlushInterval is how often to flush the buffer.
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// DefaultConfig returns a default audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		Level:         LevelInfo,
		Format:        FormatJSON,
		Output:        "stdout",
		IncludeValues: false,
		MaxFieldSize:  1024,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}
