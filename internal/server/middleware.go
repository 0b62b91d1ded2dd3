package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agenticwork/awchat/internal/auth"
	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/ratelimit"
)

// requestID tags every request with an id for log correlation. An
// inbound X-Request-ID is trusted so callers can stitch traces across
// services; otherwise a fresh one is minted.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := observability.AddRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logRequests emits one structured line and one metrics observation per
// request. The metric is labelled with the chi route pattern rather
// than the raw path to keep cardinality bounded.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		elapsed := time.Since(start)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.logger.Info(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"elapsed", elapsed,
		)
		s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(sw.status), elapsed.Seconds())
	})
}

// recoverPanics converts handler panics into 500 responses and keeps
// the process alive.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error(r.Context(), "panic recovered",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
				)
				respondError(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimit enforces the caller's tier windows. API keys are limited
// per key, bearer-token callers per user on the standard tier. Rejected
// requests get a JSON 429 with X-RateLimit headers before any stream
// opens.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		subject, tier := s.limitSubject(ctx)
		if subject == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.deps.Limiter.Allow(subject, tier) {
			status := s.deps.Limiter.GetStatus(subject, tier)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(status.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(status.Remaining))
			w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(status.RetryAfter)))
			s.logger.Warn(ctx, "rate limit exceeded",
				"subject", subject,
				"tier", tier.Name,
			)
			respondError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitSubject picks the bucket key and tier for the authenticated
// caller. Empty means unauthenticated and is left to the auth
// middleware.
func (s *Server) limitSubject(ctx context.Context) (string, ratelimit.Tier) {
	if key, ok := auth.APIKeyFromContext(ctx); ok {
		return "key:" + key.ID, s.deps.Auth.TierFor(key)
	}
	if user, ok := auth.UserFromContext(ctx); ok {
		return "user:" + user.ID, s.deps.Auth.TierFor(nil)
	}
	return "", ratelimit.Tier{}
}

// ceilSeconds rounds a wait up to whole seconds; Retry-After must never
// promise less than the actual wait.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// statusWriter captures the response code for logging. Flush passes
// through so event-stream handlers keep working behind the wrapper.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
