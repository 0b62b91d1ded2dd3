package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/ratelimit"
)

func TestRequestIDMinted(t *testing.T) {
	var seen string
	h := requestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if seen == "" {
		t.Error("no request id reached the handler context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("response header = %q, handler saw %q", got, seen)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	var seen string
	h := requestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "trace-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "trace-42" {
		t.Errorf("handler saw %q, want the inbound id", seen)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "trace-42" {
		t.Errorf("response header = %q", got)
	}
}

func TestRecoverPanics(t *testing.T) {
	s := &Server{logger: observability.NewNopLogger()}
	h := s.recoverPanics(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if msg := errorMessage(t, rec); msg != "internal server error" {
		t.Errorf("error = %q", msg)
	}
}

func TestRateLimitExhaustion(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Limiter = ratelimit.NewLimiter(true)
	})
	token := env.token(t, env.alice)

	// The standard tier carries a burst of 2 immediate requests.
	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodGet, "/api/sessions", token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d; body %s", i+1, rec.Code, rec.Body.String())
		}
	}

	rec := env.do(t, http.MethodGet, "/api/sessions", token, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if msg := errorMessage(t, rec); msg != "rate limit exceeded" {
		t.Errorf("error = %q", msg)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "60" {
		t.Errorf("X-RateLimit-Limit = %q, want 60", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
}

func TestRateLimitIsolatesUsers(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Limiter = ratelimit.NewLimiter(true)
	})

	aliceToken := env.token(t, env.alice)
	for i := 0; i < 3; i++ {
		env.do(t, http.MethodGet, "/api/sessions", aliceToken, nil)
	}

	// Exhausting one user's bucket leaves the next caller untouched.
	rec := env.do(t, http.MethodGet, "/api/sessions", env.token(t, env.bob), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d; body %s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestHealthzSkipsRateLimit(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Limiter = ratelimit.NewLimiter(true)
	})

	for i := 0; i < 10; i++ {
		rec := env.do(t, http.MethodGet, "/healthz", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}
}

func TestCeilSeconds(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want int
	}{
		{0, 0},
		{-time.Second, 0},
		{time.Millisecond, 1},
		{999 * time.Millisecond, 1},
		{time.Second, 1},
		{1100 * time.Millisecond, 2},
		{90 * time.Second, 90},
	}
	for _, tc := range cases {
		if got := ceilSeconds(tc.in); got != tc.want {
			t.Errorf("ceilSeconds(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestStatusWriterFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}

	var _ http.Flusher = sw
	sw.Flush()
	if !rec.Flushed {
		t.Error("Flush did not reach the underlying writer")
	}

	sw.WriteHeader(http.StatusAccepted)
	if sw.status != http.StatusAccepted {
		t.Errorf("status = %d, want %d", sw.status, http.StatusAccepted)
	}
}
