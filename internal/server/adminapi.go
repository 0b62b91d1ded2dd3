package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agenticwork/awchat/internal/admin"
	"github.com/agenticwork/awchat/internal/auth"
	"github.com/agenticwork/awchat/internal/storage"
	"github.com/agenticwork/awchat/pkg/models"
)

// adminUser returns the authenticated caller for control-plane calls.
// The admin service re-checks the flag; the route group already gated
// on it.
func adminUser(r *http.Request) *models.User {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		return nil
	}
	return user
}

// adminError maps control-plane errors onto HTTP statuses.
func (s *Server) adminError(w http.ResponseWriter, r *http.Request, err error, action string) {
	switch {
	case errors.Is(err, admin.ErrAdminRequired):
		respondError(w, "admin required", http.StatusForbidden)
	case errors.Is(err, admin.ErrAlreadyDecided):
		respondError(w, "request already decided", http.StatusConflict)
	case errors.Is(err, admin.ErrAlreadyAllowed):
		respondError(w, "already allowed", http.StatusConflict)
	case errors.Is(err, admin.ErrInvalidInput):
		respondError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, "not found", http.StatusNotFound)
	default:
		s.logger.Error(r.Context(), action+" failed", "error", err)
		respondError(w, "failed to "+action, http.StatusInternalServerError)
	}
}

func (s *Server) handleListConfig(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Admin.ListConfig(r.Context(), adminUser(r))
	if err != nil {
		s.adminError(w, r, err, "list config")
		return
	}
	respondJSON(w, map[string]any{"entries": entries}, http.StatusOK)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	entry, err := s.deps.Admin.GetConfig(r.Context(), adminUser(r), key)
	if err != nil {
		s.adminError(w, r, err, "read config")
		return
	}
	respondJSON(w, entry, http.StatusOK)
}

// handleSetConfig writes one runtime config entry. The request body is
// the value itself, any JSON document.
func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		respondError(w, "value must be valid JSON", http.StatusBadRequest)
		return
	}

	entry, err := s.deps.Admin.SetConfig(r.Context(), adminUser(r), key, body)
	if err != nil {
		s.adminError(w, r, err, "write config")
		return
	}
	respondJSON(w, entry, http.StatusOK)
}

func (s *Server) handleListAccessRequests(w http.ResponseWriter, r *http.Request) {
	status := admin.RequestStatus(r.URL.Query().Get("status"))
	list, err := s.deps.Admin.ListAccessRequests(r.Context(), adminUser(r), status)
	if err != nil {
		s.adminError(w, r, err, "list access requests")
		return
	}
	respondJSON(w, map[string]any{"requests": list}, http.StatusOK)
}

func (s *Server) handleApproveAccess(w http.ResponseWriter, r *http.Request) {
	s.decideAccess(w, r, true)
}

func (s *Server) handleDenyAccess(w http.ResponseWriter, r *http.Request) {
	s.decideAccess(w, r, false)
}

func (s *Server) decideAccess(w http.ResponseWriter, r *http.Request, approve bool) {
	id := chi.URLParam(r, "id")
	req, err := s.deps.Admin.DecideAccessRequest(r.Context(), adminUser(r), id, approve)
	if err != nil {
		s.adminError(w, r, err, "decide access request")
		return
	}
	respondJSON(w, req, http.StatusOK)
}

func (s *Server) handleListAllowedUsers(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Admin.AllowedUsers(r.Context(), adminUser(r))
	if err != nil {
		s.adminError(w, r, err, "list allowed users")
		return
	}
	respondJSON(w, map[string]any{"users": list}, http.StatusOK)
}

func (s *Server) handleAllowUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.deps.Admin.AllowUser(r.Context(), adminUser(r), req.Email); err != nil {
		s.adminError(w, r, err, "add allowed user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisallowUser(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	if err := s.deps.Admin.DisallowUser(r.Context(), adminUser(r), email); err != nil {
		s.adminError(w, r, err, "remove allowed user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAllowedDomains(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Admin.AllowedDomains(r.Context(), adminUser(r))
	if err != nil {
		s.adminError(w, r, err, "list allowed domains")
		return
	}
	respondJSON(w, map[string]any{"domains": list}, http.StatusOK)
}

func (s *Server) handleAllowDomain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain string `json:"domain"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.deps.Admin.AllowDomain(r.Context(), adminUser(r), req.Domain); err != nil {
		s.adminError(w, r, err, "add allowed domain")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisallowDomain(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	if err := s.deps.Admin.DisallowDomain(r.Context(), adminUser(r), domain); err != nil {
		s.adminError(w, r, err, "remove allowed domain")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHardDeleteSession purges a session and its messages for good.
// The caller must echo the session id in the body; a bare DELETE is not
// enough for an irreversible admin action.
func (s *Server) handleHardDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Confirm string `json:"confirm"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Confirm != id {
		respondError(w, "confirmation must match the session id", http.StatusBadRequest)
		return
	}

	session, err := s.deps.Sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, "session not found", http.StatusNotFound)
			return
		}
		s.logger.Error(r.Context(), "load session failed", "session_id", id, "error", err)
		respondError(w, "failed to load session", http.StatusInternalServerError)
		return
	}

	if err := s.deps.Sessions.HardDelete(r.Context(), id); err != nil {
		s.logger.Error(r.Context(), "hard delete failed", "session_id", id, "error", err)
		respondError(w, "failed to delete session", http.StatusInternalServerError)
		return
	}

	s.deps.Audit.LogSessionPurged(r.Context(), actorID(r), id, session.UserID)
	s.logger.Info(r.Context(), "session purged", "session_id", id, "owner_id", session.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// handleRequestAccess records a request to join the platform. It is
// deliberately unauthenticated and idempotent per email.
func (s *Server) handleRequestAccess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email  string `json:"email"`
		Reason string `json:"reason"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	record, err := s.deps.Admin.RequestAccess(r.Context(), req.Email, req.Reason)
	if err != nil {
		s.adminError(w, r, err, "record access request")
		return
	}

	respondJSON(w, map[string]string{
		"id":     record.ID,
		"status": string(record.Status),
	}, http.StatusAccepted)
}
