package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agenticwork/awchat/internal/auth"
	"github.com/agenticwork/awchat/internal/storage"
)

// handleCreateKey mints an API key for the caller. The response is the
// only place the plaintext ever appears. System keys and tier overrides
// are admin-only.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		respondError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req struct {
		Name      string `json:"name"`
		Tier      string `json:"tier"`
		System    bool   `json:"system"`
		PerMinute int    `json:"per_minute"`
		PerHour   int    `json:"per_hour"`
		Burst     int    `json:"burst"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		respondError(w, "name required", http.StatusBadRequest)
		return
	}

	elevated := req.System || req.Tier != "" || req.PerMinute > 0 || req.PerHour > 0 || req.Burst > 0
	if elevated && !user.IsAdmin {
		respondError(w, "admin required for system keys and tier overrides", http.StatusForbidden)
		return
	}

	key, plaintext, err := s.deps.Auth.CreateKey(r.Context(), user.ID, req.Name, auth.KeyOptions{
		System:    req.System,
		Tier:      req.Tier,
		PerMinute: req.PerMinute,
		PerHour:   req.PerHour,
		Burst:     req.Burst,
	})
	if err != nil {
		s.logger.Error(r.Context(), "create api key failed", "error", err)
		respondError(w, "failed to create api key", http.StatusInternalServerError)
		return
	}

	s.deps.Audit.LogKeyIssued(r.Context(), user.ID, key.ID, key.Prefix, key.Tier, key.IsSystem)
	respondJSON(w, map[string]any{
		"key":     plaintext,
		"api_key": key,
	}, http.StatusCreated)
}

// handleListKeys returns the caller's key records, hashes excluded.
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		respondError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	keys, err := s.deps.Auth.ListKeys(r.Context(), user.ID)
	if err != nil {
		s.logger.Error(r.Context(), "list api keys failed", "error", err)
		respondError(w, "failed to list api keys", http.StatusInternalServerError)
		return
	}
	respondJSON(w, map[string]any{"keys": keys}, http.StatusOK)
}

// handleDeleteKey revokes one of the caller's keys.
func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		respondError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.deps.Auth.DeleteKey(r.Context(), user.ID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, "key not found", http.StatusNotFound)
			return
		}
		s.logger.Error(r.Context(), "delete api key failed", "key_id", id, "error", err)
		respondError(w, "failed to delete api key", http.StatusInternalServerError)
		return
	}

	s.deps.Audit.LogKeyDeleted(r.Context(), user.ID, id)
	w.WriteHeader(http.StatusNoContent)
}
