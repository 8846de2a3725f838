package middleware

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the per-request id. An inbound value is kept so a
// caller can correlate its own logs.
const RequestIDHeader = "X-Request-ID"

// Logging tags each request with an id, converts handler panics into a 500
// and emits one access line per request. 5xx responses log at warn.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)

			sw := &statusWriter{ResponseWriter: w}
			defer func() {
				if p := recover(); p != nil {
					logger.ErrorContext(r.Context(), "handler panic",
						slog.String("request_id", id),
						slog.Any("panic", p),
						slog.String("stack", string(debug.Stack())),
					)
					if sw.status == 0 {
						sw.Header().Set("Content-Type", "application/json; charset=utf-8")
						sw.WriteHeader(http.StatusInternalServerError)
						_, _ = sw.Write([]byte(`{"error":"internal error","kind":"unknown"}`))
					}
				}

				status := sw.status
				if status == 0 {
					status = http.StatusOK
				}
				level := slog.LevelInfo
				if status >= http.StatusInternalServerError {
					level = slog.LevelWarn
				}
				logger.LogAttrs(r.Context(), level, "http request",
					slog.String("request_id", id),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", status),
					slog.Int("bytes", sw.written),
					slog.Duration("duration", time.Since(start)),
					slog.String("identity", r.Header.Get("X-Veil-Identity")),
				)
			}()

			next.ServeHTTP(sw, r)
		})
	}
}

// statusWriter records the first status code and the body size.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.status == 0 {
		sw.status = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.written += n
	return n, err
}

// Hijack lets the WebSocket upgrade pass through.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("middleware: response writer cannot hijack")
	}
	// Upgraded connections report 101 in the access line.
	sw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
