// Package server exposes the chat platform over HTTP: the streaming
// turn endpoint, session and API key management, prompt template
// administration, and the admin control plane. Every route runs behind
// request-id tagging, structured request logging, authentication, and
// per-key rate limiting.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agenticwork/awchat/internal/admin"
	"github.com/agenticwork/awchat/internal/audit"
	"github.com/agenticwork/awchat/internal/auth"
	"github.com/agenticwork/awchat/internal/blob"
	"github.com/agenticwork/awchat/internal/config"
	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/pipeline"
	"github.com/agenticwork/awchat/internal/prompts"
	"github.com/agenticwork/awchat/internal/ratelimit"
	"github.com/agenticwork/awchat/internal/sessions"
	"github.com/agenticwork/awchat/internal/sse"
	"github.com/agenticwork/awchat/pkg/models"
)

// TurnRunner drives one chat turn. *pipeline.Pipeline implements it.
type TurnRunner interface {
	Run(ctx context.Context, req *pipeline.TurnRequest, user *models.User, emitter pipeline.Emitter) error
}

// Deps wires the server's collaborators. Auth, Sessions, Pipeline, and
// Streamer are required; the rest disable their routes or middleware
// when nil.
type Deps struct {
	Auth      *auth.Service
	Sessions  sessions.Store
	Templates prompts.Store
	Admin     *admin.Service
	Config    *admin.ConfigReader
	Pipeline  TurnRunner
	Streamer  *sse.Streamer
	Limiter   *ratelimit.Limiter
	Blobs     blob.Backend
	Audit     *audit.Logger
	Logger    *observability.Logger
	Metrics   *observability.Metrics

	// HealthCheck reports backend readiness, typically a database ping.
	HealthCheck func(ctx context.Context) error
}

// Server is the HTTP front of the platform.
type Server struct {
	cfg     config.ServerConfig
	deps    Deps
	router  *chi.Mux
	httpSrv *http.Server
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New assembles the router and middleware chain.
func New(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NewNopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetricsWithRegistry(nil)
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger,
		metrics: deps.Metrics,
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimw.RealIP)
	r.Use(s.recoverPanics)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Access requests are the one unauthenticated write: people asking
	// to be let in do not have credentials yet.
	r.Post("/api/access-requests", s.handleRequestAccess)

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Middleware())
		r.Use(s.rateLimit)

		r.Post("/api/chat", s.handleChat)

		r.Route("/api/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)
			r.Get("/{id}/messages", s.handleSessionMessages)
			r.Patch("/{id}", s.handleRenameSession)
			r.Delete("/{id}", s.handleDeleteSession)
		})

		r.Route("/api/attachments", func(r chi.Router) {
			r.Post("/", s.handleUploadAttachment)
			r.Get("/*", s.handleGetAttachment)
			r.Delete("/*", s.handleDeleteAttachment)
		})

		r.Route("/api/keys", func(r chi.Router) {
			r.Get("/", s.handleListKeys)
			r.Post("/", s.handleCreateKey)
			r.Delete("/{id}", s.handleDeleteKey)
		})

		r.Route("/api/templates", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Get("/", s.handleListTemplates)
			r.Post("/", s.handleCreateTemplate)
			r.Get("/{id}", s.handleGetTemplate)
			r.Put("/{id}", s.handleUpdateTemplate)
			r.Delete("/{id}", s.handleDeleteTemplate)
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Get("/config", s.handleListConfig)
			r.Get("/config/{key}", s.handleGetConfig)
			r.Put("/config/{key}", s.handleSetConfig)
			r.Get("/access-requests", s.handleListAccessRequests)
			r.Post("/access-requests/{id}/approve", s.handleApproveAccess)
			r.Post("/access-requests/{id}/deny", s.handleDenyAccess)
			r.Get("/allowlist/users", s.handleListAllowedUsers)
			r.Post("/allowlist/users", s.handleAllowUser)
			r.Delete("/allowlist/users/{email}", s.handleDisallowUser)
			r.Get("/allowlist/domains", s.handleListAllowedDomains)
			r.Post("/allowlist/domains", s.handleAllowDomain)
			r.Delete("/allowlist/domains/{domain}", s.handleDisallowDomain)
			r.Delete("/sessions/{id}", s.handleHardDeleteSession)
		})
	})

	s.router = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens and serves until Shutdown or a listener error.
// WriteTimeout stays zero: event streams are long-lived by design.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: s.cfg.ReadTimeout,
	}
	s.logger.Info(context.Background(), "http server listening", "addr", addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// handleHealthz reports liveness, and readiness when a health check is
// wired.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthCheck != nil {
		if err := s.deps.HealthCheck(r.Context()); err != nil {
			s.logger.Warn(r.Context(), "health check failed", "error", err)
			respondJSON(w, map[string]string{"status": "degraded"}, http.StatusServiceUnavailable)
			return
		}
	}
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}
