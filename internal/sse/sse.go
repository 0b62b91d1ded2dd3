// Package sse streams chat turn events to HTTP clients as server-sent
// events.
//
// A stream carries the pipeline's events in production order, framed as
// "event: <type>" / "data: <json>" pairs, with heartbeat comments to
// keep intermediaries from closing the connection and background job
// completions forwarded from the watcher. The stream stays open after
// the turn's terminal event so a client waiting on a background job can
// keep listening; it closes when the client disconnects.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agenticwork/awchat/internal/config"
	"github.com/agenticwork/awchat/internal/jobs"
	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/pipeline"
)

// JobNotifier hands out subscriptions to background job completions.
// *jobs.Watcher implements it.
type JobNotifier interface {
	Subscribe(sessionID, userID string) (<-chan jobs.StatusChange, func())
}

// Streamer writes event streams for chat turns. One Streamer serves the
// whole process; each Subscribe call manages a single client connection.
type Streamer struct {
	heartbeat time.Duration
	jobPoll   time.Duration
	jobs      JobNotifier
	logger    *observability.Logger
}

// capabilities are reported to the client on the connected event.
type capabilities struct {
	Heartbeats     bool `json:"heartbeats"`
	BackgroundJobs bool `json:"background_jobs"`
}

// NewStreamer creates a streamer. notifier may be nil when background
// jobs are disabled.
func NewStreamer(cfg config.StreamConfig, notifier JobNotifier, logger *observability.Logger) *Streamer {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	jobPoll := cfg.JobForwardInterval
	if jobPoll <= 0 {
		jobPoll = 2 * time.Second
	}
	return &Streamer{
		heartbeat: heartbeat,
		jobPoll:   jobPoll,
		jobs:      notifier,
		logger:    logger,
	}
}

// Subscribe turns the response into an event stream and forwards turn
// events from source until the client disconnects. The connected event
// goes out first; after source closes the stream idles on heartbeats
// and job completions. The caller owns pre-flight rejections, the
// pipeline's context, and the emitter feeding source.
func (s *Streamer) Subscribe(w http.ResponseWriter, r *http.Request, sessionID, userID string, source <-chan pipeline.Event) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return errors.New("response writer does not support flushing")
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	var jobCh <-chan jobs.StatusChange
	detach := func() {}
	if s.jobs != nil {
		jobCh, detach = s.jobs.Subscribe(sessionID, userID)
	}
	defer detach()

	connected := pipeline.Event{
		Type:      pipeline.EventConnected,
		SessionID: sessionID,
		Payload:   s.capabilityPayload(),
	}
	if err := writeEvent(w, flusher, connected); err != nil {
		return err
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	jobTick := time.NewTicker(s.jobPoll)
	defer jobTick.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug(ctx, "stream client disconnected", "session_id", sessionID)
			return nil

		case ev, open := <-source:
			if !open {
				// Turn finished; idle until the client goes away.
				source = nil
				continue
			}
			if err := writeEvent(w, flusher, ev); err != nil {
				return err
			}

		case <-jobTick.C:
			for _, change := range drain(jobCh) {
				if err := writeEvent(w, flusher, jobEvent(change)); err != nil {
					return err
				}
			}

		case <-heartbeat.C:
			if err := writeComment(w, flusher, "heartbeat"); err != nil {
				return err
			}
		}
	}
}

func (s *Streamer) capabilityPayload() json.RawMessage {
	payload, err := json.Marshal(capabilities{
		Heartbeats:     true,
		BackgroundJobs: s.jobs != nil,
	})
	if err != nil {
		return nil
	}
	return payload
}

// jobEvent shapes a watcher change as a stream event. The full record
// travels in the payload; the top-level fields give clients enough to
// resolve the originating tool call without decoding it.
func jobEvent(change jobs.StatusChange) pipeline.Event {
	ev := pipeline.Event{
		Type:       pipeline.EventJobCompleted,
		SessionID:  change.Job.SessionID,
		ToolCallID: change.Job.ToolCallID,
		ToolName:   change.Job.ToolName,
		ToolError:  change.Job.Status == jobs.StatusFailed,
	}
	if payload, err := json.Marshal(change); err == nil {
		ev.Payload = payload
	}
	return ev
}

// drain empties the job channel without blocking. A nil channel yields
// nothing.
func drain(ch <-chan jobs.StatusChange) []jobs.StatusChange {
	var out []jobs.StatusChange
	for {
		select {
		case change, open := <-ch:
			if !open {
				return out
			}
			out = append(out, change)
		default:
			return out
		}
	}
}

func writeEvent(w io.Writer, flusher http.Flusher, ev pipeline.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Type, err)
	}
	flusher.Flush()
	return nil
}

func writeComment(w io.Writer, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return fmt.Errorf("write comment: %w", err)
	}
	flusher.Flush()
	return nil
}
