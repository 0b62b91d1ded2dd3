package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agenticwork/awchat/internal/audit"
	"github.com/agenticwork/awchat/internal/prompts"
	"github.com/agenticwork/awchat/pkg/models"
)

// templateRequest is the write shape for template create and update.
type templateRequest struct {
	Name            string   `json:"name"`
	Content         string   `json:"content"`
	Category        string   `json:"category"`
	Triggers        []string `json:"triggers"`
	Groups          []string `json:"groups"`
	PreferredModels []string `json:"preferred_models"`
	IsDefault       bool     `json:"is_default"`
	IsActive        *bool    `json:"is_active"`
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	list, err := s.deps.Templates.List(r.Context(), activeOnly)
	if err != nil {
		s.logger.Error(r.Context(), "list templates failed", "error", err)
		respondError(w, "failed to list templates", http.StatusInternalServerError)
		return
	}
	respondJSON(w, map[string]any{"templates": list}, http.StatusOK)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	template, err := s.deps.Templates.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, prompts.ErrTemplateNotFound) {
			respondError(w, "template not found", http.StatusNotFound)
			return
		}
		s.logger.Error(r.Context(), "load template failed", "template_id", id, "error", err)
		respondError(w, "failed to load template", http.StatusInternalServerError)
		return
	}
	respondJSON(w, template, http.StatusOK)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Content) == "" {
		respondError(w, "name and content required", http.StatusBadRequest)
		return
	}

	template := &models.PromptTemplate{
		Name:            strings.TrimSpace(req.Name),
		Content:         req.Content,
		Category:        req.Category,
		Triggers:        req.Triggers,
		Groups:          req.Groups,
		PreferredModels: req.PreferredModels,
		IsDefault:       req.IsDefault,
		IsActive:        true,
	}
	if req.IsActive != nil {
		template.IsActive = *req.IsActive
	}

	if err := s.deps.Templates.Create(r.Context(), template); err != nil {
		s.logger.Error(r.Context(), "create template failed", "name", template.Name, "error", err)
		respondError(w, "failed to create template", http.StatusInternalServerError)
		return
	}

	s.deps.Audit.LogTemplateChange(r.Context(), audit.EventTemplateCreated, actorID(r), template.ID, template.Name)
	respondJSON(w, template, http.StatusCreated)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	template, err := s.deps.Templates.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, prompts.ErrTemplateNotFound) {
			respondError(w, "template not found", http.StatusNotFound)
			return
		}
		s.logger.Error(r.Context(), "load template failed", "template_id", id, "error", err)
		respondError(w, "failed to load template", http.StatusInternalServerError)
		return
	}

	var req templateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Content) == "" {
		respondError(w, "name and content required", http.StatusBadRequest)
		return
	}

	template.Name = strings.TrimSpace(req.Name)
	template.Content = req.Content
	template.Category = req.Category
	template.Triggers = req.Triggers
	template.Groups = req.Groups
	template.PreferredModels = req.PreferredModels
	template.IsDefault = req.IsDefault
	if req.IsActive != nil {
		template.IsActive = *req.IsActive
	}

	if err := s.deps.Templates.Update(r.Context(), template); err != nil {
		s.logger.Error(r.Context(), "update template failed", "template_id", id, "error", err)
		respondError(w, "failed to update template", http.StatusInternalServerError)
		return
	}

	s.deps.Audit.LogTemplateChange(r.Context(), audit.EventTemplateUpdated, actorID(r), template.ID, template.Name)
	respondJSON(w, template, http.StatusOK)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// Load first so the audit entry can name the template.
	template, err := s.deps.Templates.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, prompts.ErrTemplateNotFound) {
			respondError(w, "template not found", http.StatusNotFound)
			return
		}
		s.logger.Error(r.Context(), "load template failed", "template_id", id, "error", err)
		respondError(w, "failed to load template", http.StatusInternalServerError)
		return
	}

	if err := s.deps.Templates.Delete(r.Context(), id); err != nil {
		s.logger.Error(r.Context(), "delete template failed", "template_id", id, "error", err)
		respondError(w, "failed to delete template", http.StatusInternalServerError)
		return
	}

	s.deps.Audit.LogTemplateChange(r.Context(), audit.EventTemplateDeleted, actorID(r), template.ID, template.Name)
	w.WriteHeader(http.StatusNoContent)
}
