package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agenticwork/awchat/internal/auth"
	"github.com/agenticwork/awchat/internal/sessions"
	"github.com/agenticwork/awchat/internal/storage"
	"github.com/agenticwork/awchat/pkg/models"
)

// handleListSessions returns the caller's live sessions, most recently
// updated first.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		respondError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	limit := parseIntQuery(r, "limit", 50)
	offset := parseIntQuery(r, "offset", 0)

	list, err := s.deps.Sessions.List(r.Context(), user.ID, sessions.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		s.logger.Error(r.Context(), "list sessions failed", "error", err)
		respondError(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]any{
		"sessions": list,
		"limit":    limit,
		"offset":   offset,
	}, http.StatusOK)
}

// handleCreateSession opens an empty session. Untitled sessions get a
// title derived from their first message when the first turn runs.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		respondError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	session := &models.Session{
		UserID: user.ID,
		Title:  strings.TrimSpace(req.Title),
	}
	if err := s.deps.Sessions.Create(r.Context(), session); err != nil {
		s.logger.Error(r.Context(), "create session failed", "error", err)
		respondError(w, "failed to create session", http.StatusInternalServerError)
		return
	}

	respondJSON(w, session, http.StatusCreated)
}

// handleSessionMessages returns a session's recent messages in
// chronological order.
func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	session, ok := s.ownedSession(w, r)
	if !ok {
		return
	}

	limit := parseIntQuery(r, "limit", sessions.DefaultHistoryLimit)
	msgs, err := s.deps.Sessions.Messages(r.Context(), session.ID, limit)
	if err != nil {
		s.logger.Error(r.Context(), "load messages failed", "session_id", session.ID, "error", err)
		respondError(w, "failed to load messages", http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]any{
		"session_id": session.ID,
		"messages":   msgs,
	}, http.StatusOK)
}

// handleRenameSession sets a session title.
func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.ownedSession(w, r)
	if !ok {
		return
	}

	var req struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		respondError(w, "title required", http.StatusBadRequest)
		return
	}

	if err := s.deps.Sessions.SetTitle(r.Context(), session.ID, title); err != nil {
		s.logger.Error(r.Context(), "rename session failed", "session_id", session.ID, "error", err)
		respondError(w, "failed to rename session", http.StatusInternalServerError)
		return
	}
	session.Title = title
	respondJSON(w, session, http.StatusOK)
}

// handleDeleteSession soft-deletes a session; its messages are kept for
// the retention window.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.ownedSession(w, r)
	if !ok {
		return
	}

	if err := s.deps.Sessions.Delete(r.Context(), session.ID); err != nil {
		s.logger.Error(r.Context(), "delete session failed", "session_id", session.ID, "error", err)
		respondError(w, "failed to delete session", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedSession loads the {id} session and verifies the caller owns it.
// Missing and foreign sessions both read as 404 so ids cannot be
// probed. On failure the response has been written.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		respondError(w, "authentication required", http.StatusUnauthorized)
		return nil, false
	}

	id := chi.URLParam(r, "id")
	session, err := s.deps.Sessions.Get(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, "session not found", http.StatusNotFound)
		return nil, false
	case err != nil:
		s.logger.Error(r.Context(), "load session failed", "session_id", id, "error", err)
		respondError(w, "failed to load session", http.StatusInternalServerError)
		return nil, false
	case session.UserID != user.ID:
		respondError(w, "session not found", http.StatusNotFound)
		return nil, false
	}
	return session, true
}
