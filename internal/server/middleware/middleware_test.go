package middleware_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbarrientos2/VEIL/internal/server/middleware"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestAuth(t *testing.T) {
	h := middleware.Auth("secret", "/api/health")(okHandler)

	cases := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"bearer", "/api/markets", map[string]string{"Authorization": "Bearer secret"}, http.StatusNoContent},
		{"api key header", "/api/markets", map[string]string{"X-API-Key": "secret"}, http.StatusNoContent},
		{"wrong token", "/api/markets", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"missing token", "/api/markets", nil, http.StatusUnauthorized},
		{"open path", "/api/health", nil, http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusUnauthorized {
				assert.Contains(t, rec.Body.String(), `"kind":"unauthorized"`)
			}
		})
	}
}

func TestAuth_EmptyKeyDisablesCheck(t *testing.T) {
	rec := httptest.NewRecorder()
	middleware.Auth("")(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/markets", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLogging_RequestID(t *testing.T) {
	h := middleware.Logging(discard())(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(middleware.RequestIDHeader, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(middleware.RequestIDHeader))
}

func TestLogging_RecoversPanic(t *testing.T) {
	h := middleware.Logging(discard())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/markets", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal error")
}

func TestCORS(t *testing.T) {
	h := middleware.CORS([]string{"https://veil.example"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/markets", nil)
	req.Header.Set("Origin", "https://veil.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://veil.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Veil-Identity")

	req = httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

// countingLimiter allows limit calls per key and ignores the window.
type countingLimiter struct {
	mu   sync.Mutex
	seen map[string]int
	err  error
}

func (l *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[key]++
	return l.seen[key] <= limit, nil
}

func TestRateLimit(t *testing.T) {
	limiter := &countingLimiter{seen: map[string]int{}}
	h := middleware.RateLimit(limiter, 2, time.Minute, discard())(okHandler)

	post := func(identity string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/markets", nil)
		if identity != "" {
			req.Header.Set("X-Veil-Identity", identity)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, post("alice"))
	assert.Equal(t, http.StatusNoContent, post("ALICE"))
	assert.Equal(t, http.StatusTooManyRequests, post("alice"))
	assert.Equal(t, http.StatusNoContent, post("bob"))

	// reads are never limited
	for range 5 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
		req.Header.Set("X-Veil-Identity", "alice")
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestRateLimit_FailsOpen(t *testing.T) {
	limiter := &countingLimiter{err: errors.New("redis down")}
	rec := httptest.NewRecorder()
	middleware.RateLimit(limiter, 1, time.Minute, discard())(okHandler).
		ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/markets", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
