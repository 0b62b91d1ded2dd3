package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agenticwork/awchat/internal/auth"
	"github.com/agenticwork/awchat/internal/blob"
)

// maxAttachmentBytes caps one uploaded attachment.
const maxAttachmentBytes = 10 << 20

// handleUploadAttachment stores the raw request body as a blob and
// returns its key. Messages reference attachments by this key; the body
// itself never travels through the turn endpoint.
func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		respondError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if s.deps.Blobs == nil {
		respondError(w, "attachment storage unavailable", http.StatusServiceUnavailable)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAttachmentBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, "attachment too large", http.StatusRequestEntityTooLarge)
			return
		}
		respondError(w, "failed to read attachment", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		respondError(w, "attachment body is required", http.StatusBadRequest)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key, err := blob.GenerateKey(user.ID, r.URL.Query().Get("prefix"))
	if err != nil {
		s.logger.Error(r.Context(), "attachment key generation failed", "error", err)
		respondError(w, "failed to store attachment", http.StatusInternalServerError)
		return
	}

	meta, err := s.deps.Blobs.Store(r.Context(), key, data, contentType)
	if err != nil {
		s.logger.Error(r.Context(), "attachment store failed", "key", key, "error", err)
		respondError(w, "failed to store attachment", http.StatusInternalServerError)
		return
	}

	s.logger.Info(r.Context(), "attachment stored",
		"key", meta.Key,
		"size", meta.Size,
		"backend", meta.Backend)
	respondJSON(w, map[string]any{
		"key":          meta.Key,
		"size":         meta.Size,
		"content_type": meta.ContentType,
	}, http.StatusCreated)
}

// handleGetAttachment serves a blob by key. The random key suffix is the
// access capability: any authenticated caller holding the exact key may
// read it, which is what lets messages be shared across a session.
func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	if s.deps.Blobs == nil {
		respondError(w, "attachment storage unavailable", http.StatusServiceUnavailable)
		return
	}
	key := chi.URLParam(r, "*")
	if key == "" {
		respondError(w, "attachment not found", http.StatusNotFound)
		return
	}

	data, err := s.deps.Blobs.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			respondError(w, "attachment not found", http.StatusNotFound)
			return
		}
		s.logger.Error(r.Context(), "attachment read failed", "key", key, "error", err)
		respondError(w, "failed to read attachment", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleDeleteAttachment removes a blob. Deletion is owner-only:
// the key embeds the uploader's id, and only that user or an admin may
// delete it. Foreign keys read as absent.
func (s *Server) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		respondError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if s.deps.Blobs == nil {
		respondError(w, "attachment storage unavailable", http.StatusServiceUnavailable)
		return
	}
	key := chi.URLParam(r, "*")
	if key == "" || (!user.IsAdmin && !ownsBlobKey(user.ID, key)) {
		respondError(w, "attachment not found", http.StatusNotFound)
		return
	}

	existed, err := s.deps.Blobs.Delete(r.Context(), key)
	if err != nil {
		s.logger.Error(r.Context(), "attachment delete failed", "key", key, "error", err)
		respondError(w, "failed to delete attachment", http.StatusInternalServerError)
		return
	}
	if !existed {
		respondError(w, "attachment not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownsBlobKey reports whether key sits under the user's directory
// segment. Keys are YYYY/MM/<safe-user-id>/<name>.
func ownsBlobKey(userID, key string) bool {
	parts := strings.Split(key, "/")
	return len(parts) == 4 && parts[2] == blob.SafeUserID(userID)
}
