package pipeline

import (
	"encoding/json"
	"sync"

	"github.com/agenticwork/awchat/pkg/models"
)

// EventType enumerates everything a turn stream can carry. The pipeline
// produces the turn-scoped kinds; the transport adds connected,
// heartbeat, and job_completed around them.
type EventType string

const (
	EventConnected         EventType = "connected"
	EventDelta             EventType = "delta"
	EventToolCallStarted   EventType = "tool_call_started"
	EventToolCallCompleted EventType = "tool_call_completed"
	EventMessagePersisted  EventType = "message_persisted"
	EventUsage             EventType = "usage"
	EventJobCompleted      EventType = "job_completed"
	EventHeartbeat         EventType = "heartbeat"
	EventError             EventType = "error"
	EventDone              EventType = "done"
)

// Event is one unit of the turn stream, delivered to subscribers in
// production order.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`

	// Delta is an assistant content chunk.
	Delta string `json:"delta,omitempty"`

	// Tool call progress.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolError  bool   `json:"tool_error,omitempty"`

	// MessageID identifies a persisted message.
	MessageID string `json:"message_id,omitempty"`

	// Role of the message in message_persisted events.
	Role models.Role `json:"role,omitempty"`

	// Usage carries token deltas on usage events.
	Usage *models.TokenUsage `json:"usage,omitempty"`

	// Error payload for terminal error events.
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Payload carries event-specific extras: capability flags on
	// connected, the job record on job_completed.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Emitter receives pipeline events. Emit must not block indefinitely;
// transports buffer or drop under backpressure rather than stalling the
// turn.
type Emitter interface {
	Emit(ev Event)
}

// NopEmitter discards every event.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}

// ChannelEmitter bridges events onto a channel. The producer calls Close
// after its last Emit; a consumer that stops draining early calls
// Abandon so in-flight Emits return instead of blocking forever.
type ChannelEmitter struct {
	ch        chan Event
	abandoned chan struct{}

	abandonOnce sync.Once
	closeOnce   sync.Once
}

// NewChannelEmitter creates an emitter with the given buffer.
func NewChannelEmitter(buffer int) *ChannelEmitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelEmitter{
		ch:        make(chan Event, buffer),
		abandoned: make(chan struct{}),
	}
}

// Emit delivers the event, returning without delivery once the consumer
// has abandoned the stream.
func (e *ChannelEmitter) Emit(ev Event) {
	select {
	case <-e.abandoned:
	case e.ch <- ev:
	}
}

// Events returns the receive side of the stream. It is closed by the
// producer after the terminal event.
func (e *ChannelEmitter) Events() <-chan Event {
	return e.ch
}

// Close ends the stream. Producer-side only, after the last Emit.
func (e *ChannelEmitter) Close() {
	e.closeOnce.Do(func() { close(e.ch) })
}

// Abandon releases the producer when the consumer stops draining.
func (e *ChannelEmitter) Abandon() {
	e.abandonOnce.Do(func() { close(e.abandoned) })
}

// errorEvent builds the single terminal error event for a classified
// failure.
func errorEvent(sessionID string, err *Error) Event {
	ev := Event{
		Type:      EventError,
		SessionID: sessionID,
		ErrorKind: string(KindInternal),
	}
	if err != nil {
		ev.ErrorKind = string(err.Kind)
		ev.ErrorMessage = err.Error()
	}
	return ev
}
