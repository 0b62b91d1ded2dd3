package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/agenticwork/awchat/internal/auth"
	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/pipeline"
	"github.com/agenticwork/awchat/pkg/models"
)

// chatEventBuffer absorbs bursts between the pipeline and a slow
// client before Emit starts blocking on the channel.
const chatEventBuffer = 64

// handleChat runs one turn and streams its events. Rejections (bad
// body, foreign session) are JSON responses; once the stream opens,
// failures travel as the stream's terminal error event. Client
// disconnect cancels the turn.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := auth.UserFromContext(ctx)
	if !ok {
		respondError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req pipeline.TurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, "message required", http.StatusBadRequest)
		return
	}

	// A continued session must exist and belong to the caller. Both
	// failures read as not-found so session ids cannot be probed.
	if req.SessionID != "" {
		session, err := s.deps.Sessions.Get(ctx, req.SessionID)
		if err != nil || session.UserID != user.ID {
			respondError(w, "session not found", http.StatusNotFound)
			return
		}
		ctx = observability.AddSessionID(ctx, req.SessionID)
	}

	s.applyRuntimeOverrides(ctx, user, &req.Options)

	emitter := pipeline.NewChannelEmitter(chatEventBuffer)
	go func() {
		defer emitter.Close()
		// A failed turn already produced the stream's error event.
		_ = s.deps.Pipeline.Run(ctx, &req, user, emitter)
	}()

	if err := s.deps.Streamer.Subscribe(w, r, req.SessionID, user.ID, emitter.Events()); err != nil {
		s.logger.Warn(ctx, "event stream ended early", "error", err)
	}
	emitter.Abandon()
}

// applyRuntimeOverrides fills unset per-turn options from the control
// plane: the caller's groups pick the model, slider overrides set the
// sampling temperature. Explicit client options always win.
func (s *Server) applyRuntimeOverrides(ctx context.Context, user *models.User, opts *pipeline.TurnOptions) {
	if s.deps.Config == nil {
		return
	}
	if opts.Model == "" {
		if model, ok := s.deps.Config.ModelForGroups(ctx, user.Groups); ok {
			opts.Model = model
		}
	}
	if opts.Temperature == nil {
		if sliders, ok := s.deps.Config.SliderOverrides(ctx); ok && sliders.Temperature != nil {
			opts.Temperature = sliders.Temperature
		}
	}
}
