package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenticwork/awchat/internal/observability"
)

// Logger provides structured audit logging for the control plane with
// configurable privacy controls.
//
// Key features:
//   - Structured logging with JSON or text output
//   - Privacy controls for sensitive data (value hashing, field truncation)
//   - Async buffered writes for performance
//   - Request correlation (request_id)
//   - Configurable event filtering
//
// Usage:
//
//	logger := audit.NewLogger(audit.Config{
//	    Enabled: true,
//	    Level:   audit.LevelInfo,
//	    Format:  audit.FormatJSON,
//	    Output:  "stdout",
//	})
//	defer logger.Close()
//
//	logger.LogConfigUpdated(ctx, adminID, "routing.thresholds", value)
type Logger struct {
	config     Config
	output     io.WriteCloser
	slogger    *slog.Logger
	buffer     chan *Event
	wg         sync.WaitGroup
	done       chan struct{}
	eventTypes map[EventType]bool
}

// NewLogger creates a new audit logger with the given configuration.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}

	// Set defaults
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxFieldSize == 0 {
		config.MaxFieldSize = 1024
	}

	// Open output
	var output io.WriteCloser
	switch {
	case config.Output == "stdout" || config.Output == "":
		output = os.Stdout
	case config.Output == "stderr":
		output = os.Stderr
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		output = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", config.Output)
	}

	// Build event type filter map
	eventTypes := make(map[EventType]bool)
	for _, et := range config.EventTypes {
		eventTypes[et] = true
	}

	l := &Logger{
		config:     config,
		output:     output,
		buffer:     make(chan *Event, config.BufferSize),
		done:       make(chan struct{}),
		eventTypes: eventTypes,
	}

	// Create underlying slog logger for structured output
	var handler slog.Handler
	switch config.Format {
	case FormatText:
		handler = slog.NewTextHandler(output, &slog.HandlerOptions{
			Level: l.slogLevel(),
		})
	default:
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{
			Level: l.slogLevel(),
		})
	}
	l.slogger = slog.New(handler).With("component", "audit")

	// Start async writer
	l.wg.Add(1)
	go l.writeLoop()

	return l, nil
}

// Close flushes remaining events and closes the logger.
func (l *Logger) Close() error {
	if !l.config.Enabled {
		return nil
	}

	close(l.done)
	l.wg.Wait()

	if l.output != os.Stdout && l.output != os.Stderr {
		return l.output.Close()
	}
	return nil
}

// Log writes an audit event to the log.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if l == nil || !l.config.Enabled {
		return
	}

	// Check event type filter
	if len(l.eventTypes) > 0 && !l.eventTypes[event.Type] {
		return
	}

	// Check level
	if !l.shouldLog(event.Level) {
		return
	}

	// Set defaults
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Add request correlation
	if event.RequestID == "" {
		event.RequestID = observability.GetRequestID(ctx)
	}

	// Non-blocking write to buffer
	select {
	case l.buffer <- event:
	default:
		// Buffer full, log directly (slower but doesn't drop)
		l.writeEvent(event)
	}
}

// LogConfigUpdated logs a runtime configuration write.
func (l *Logger) LogConfigUpdated(ctx context.Context, actor, key string, value []byte) {
	if l == nil {
		return
	}
	details := map[string]any{
		"config_key": key,
	}

	if l.config.IncludeValues && value != nil {
		valueStr := string(value)
		if len(valueStr) > l.config.MaxFieldSize {
			valueStr = valueStr[:l.config.MaxFieldSize] + "...(truncated)"
		}
		details["value"] = valueStr
	} else if value != nil {
		// Hash the value for privacy; config entries may hold secrets.
		details["value_hash"] = hashString(string(value))
	}

	l.Log(ctx, &Event{
		Type:    EventConfigUpdated,
		Level:   LevelInfo,
		Actor:   actor,
		Target:  key,
		Action:  "config_updated",
		Details: details,
	})
}

// LogAccessDecision logs an approve or deny decision on an access request.
func (l *Logger) LogAccessDecision(ctx context.Context, actor, requestID, email string, approved bool) {
	action := "access_denied"
	if approved {
		action = "access_approved"
	}

	l.Log(ctx, &Event{
		Type:   EventAccessDecided,
		Level:  LevelInfo,
		Actor:  actor,
		Target: requestID,
		Action: action,
		Details: map[string]any{
			"email":    email,
			"approved": approved,
		},
	})
}

// LogAllowlistChange logs an addition to or removal from an allowlist.
// Kind is "user" or "domain".
func (l *Logger) LogAllowlistChange(ctx context.Context, actor, kind, value string, added bool) {
	eventType := EventAllowlistRemoved
	action := "allowlist_entry_removed"
	if added {
		eventType = EventAllowlistAdded
		action = "allowlist_entry_added"
	}

	l.Log(ctx, &Event{
		Type:   eventType,
		Level:  LevelInfo,
		Actor:  actor,
		Target: value,
		Action: action,
		Details: map[string]any{
			"kind":  kind,
			"value": value,
		},
	})
}

// LogSessionPurged logs a hard delete of a session. Messages go with the
// session by cascade, so the session id and owner are the whole story.
func (l *Logger) LogSessionPurged(ctx context.Context, actor, sessionID, ownerID string) {
	l.Log(ctx, &Event{
		Type:   EventSessionPurged,
		Level:  LevelWarn,
		Actor:  actor,
		Target: sessionID,
		Action: "session_purged",
		Details: map[string]any{
			"session_id": sessionID,
			"owner_id":   ownerID,
		},
	})
}

// LogTemplateChange logs a prompt template create, update, or delete.
func (l *Logger) LogTemplateChange(ctx context.Context, eventType EventType, actor, templateID, name string) {
	action := "template_changed"
	switch eventType {
	case EventTemplateCreated:
		action = "template_created"
	case EventTemplateUpdated:
		action = "template_updated"
	case EventTemplateDeleted:
		action = "template_deleted"
	}

	l.Log(ctx, &Event{
		Type:   eventType,
		Level:  LevelInfo,
		Actor:  actor,
		Target: templateID,
		Action: action,
		Details: map[string]any{
			"template_id": templateID,
			"name":        name,
		},
	})
}

// LogKeyIssued logs the creation of an API key. Only the key id and display
// prefix are recorded, never the secret.
func (l *Logger) LogKeyIssued(ctx context.Context, actor, keyID, prefix, tier string, system bool) {
	l.Log(ctx, &Event{
		Type:   EventKeyIssued,
		Level:  LevelInfo,
		Actor:  actor,
		Target: keyID,
		Action: "key_issued",
		Details: map[string]any{
			"key_id": keyID,
			"prefix": prefix,
			"tier":   tier,
			"system": system,
		},
	})
}

// LogKeyDeleted logs the deletion of an API key.
func (l *Logger) LogKeyDeleted(ctx context.Context, actor, keyID string) {
	l.Log(ctx, &Event{
		Type:   EventKeyDeleted,
		Level:  LevelInfo,
		Actor:  actor,
		Target: keyID,
		Action: "key_deleted",
	})
}

// LogCredentialStored logs the creation or refresh of a delegated credential.
func (l *Logger) LogCredentialStored(ctx context.Context, userID, tenantID string, refreshed bool) {
	action := "credential_stored"
	if refreshed {
		action = "credential_refreshed"
	}

	l.Log(ctx, &Event{
		Type:   EventCredentialStored,
		Level:  LevelInfo,
		Actor:  userID,
		Target: userID,
		Action: action,
		Details: map[string]any{
			"tenant_id": tenantID,
			"refreshed": refreshed,
		},
	})
}

// LogCredentialDeleted logs the removal of a delegated credential (unlink).
func (l *Logger) LogCredentialDeleted(ctx context.Context, actor, userID string) {
	l.Log(ctx, &Event{
		Type:   EventCredentialDeleted,
		Level:  LevelInfo,
		Actor:  actor,
		Target: userID,
		Action: "credential_deleted",
	})
}

// LogCredentialsSwept logs one run of the expired-credential sweep.
func (l *Logger) LogCredentialsSwept(ctx context.Context, removed int64, duration time.Duration) {
	l.Log(ctx, &Event{
		Type:     EventCredentialsSwept,
		Level:    LevelInfo,
		Actor:    "system",
		Action:   "credentials_swept",
		Duration: duration,
		Details: map[string]any{
			"removed": removed,
		},
	})
}

// writeLoop processes buffered events.
func (l *Logger) writeLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		case <-ticker.C:
			// Flush any remaining buffered events
			l.flushBuffer()
		case <-l.done:
			// Drain remaining events
			l.flushBuffer()
			return
		}
	}
}

// flushBuffer drains all buffered events.
func (l *Logger) flushBuffer() {
	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		default:
			return
		}
	}
}

// writeEvent writes a single event to the output.
func (l *Logger) writeEvent(event *Event) {
	attrs := []any{
		"audit_id", event.ID,
		"audit_type", event.Type,
		"action", event.Action,
		"timestamp", event.Timestamp.Format(time.RFC3339Nano),
	}

	if event.Actor != "" {
		attrs = append(attrs, "actor", event.Actor)
	}
	if event.Target != "" {
		attrs = append(attrs, "target", event.Target)
	}
	if event.RequestID != "" {
		attrs = append(attrs, "request_id", event.RequestID)
	}
	if event.Duration > 0 {
		attrs = append(attrs, "duration_ms", event.Duration.Milliseconds())
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}

	// Add details as individual attributes for better querying
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}

	switch event.Level {
	case LevelDebug:
		l.slogger.Debug("audit", attrs...)
	case LevelInfo:
		l.slogger.Info("audit", attrs...)
	case LevelWarn:
		l.slogger.Warn("audit", attrs...)
	case LevelError:
		l.slogger.Error("audit", attrs...)
	}
}

// shouldLog checks if an event at the given level should be logged.
func (l *Logger) shouldLog(level Level) bool {
	levels := map[Level]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}
	return levels[level] >= levels[l.config.Level]
}

// slogLevel converts audit level to slog level.
func (l *Logger) slogLevel() slog.Level {
	switch l.config.Level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// hashString creates a SHA256 hash of a string (first 16 chars).
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}
