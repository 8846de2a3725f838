// Package server exposes the market operations over JSON/HTTP and streams
// lifecycle events over WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sbarrientos2/VEIL/internal/domain"
	"github.com/sbarrientos2/VEIL/internal/server/handler"
	"github.com/sbarrientos2/VEIL/internal/server/middleware"
	"github.com/sbarrientos2/VEIL/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr        string
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit caps mutating requests per caller per RateWindow. Zero
	// disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health       *handler.HealthHandler
	Status       *handler.StatusHandler
	Markets      *handler.MarketHandler
	Computations *handler.ComputationHandler
	Archive      *handler.ArchiveHandler // nil unless archiving is enabled
}

// Server is the HTTP + WebSocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain. wsHub and limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := Routes(handlers, wsHub)

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			// Long enough for ?wait= on asynchronous operations.
			WriteTimeout: 45 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the route table without middleware.
func Routes(handlers Handlers, wsHub *ws.Hub) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	mux.HandleFunc("GET /api/cluster", handlers.Status.GetClusterKey)

	m := handlers.Markets
	mux.HandleFunc("GET /api/markets", m.ListMarkets)
	mux.HandleFunc("POST /api/markets", m.CreateMarket)
	mux.HandleFunc("GET /api/markets/{address}", m.GetMarket)
	mux.HandleFunc("GET /api/markets/{address}/vault", m.GetVault)
	mux.HandleFunc("POST /api/markets/{address}/init", m.InitState)
	mux.HandleFunc("POST /api/markets/{address}/close", m.Close)
	mux.HandleFunc("POST /api/markets/{address}/resolve", m.Resolve)
	mux.HandleFunc("POST /api/markets/{address}/cancel", m.Cancel)
	mux.HandleFunc("POST /api/markets/{address}/reveal-totals", m.RevealTotals)
	mux.HandleFunc("POST /api/markets/{address}/bet-count", m.RequestBetCount)
	mux.HandleFunc("POST /api/markets/{address}/force-unlock", m.ForceUnlock)

	mux.HandleFunc("GET /api/markets/{address}/bets", m.ListBets)
	mux.HandleFunc("POST /api/markets/{address}/bets", m.PlaceBet)
	mux.HandleFunc("PUT /api/markets/{address}/bets", m.ResubmitBet)
	mux.HandleFunc("GET /api/markets/{address}/bets/{bettor}", m.GetBet)
	mux.HandleFunc("POST /api/markets/{address}/claim", m.ClaimPayout)
	mux.HandleFunc("POST /api/markets/{address}/refund", m.ClaimRefund)

	mux.HandleFunc("GET /api/computations", handlers.Computations.ListPending)
	mux.HandleFunc("GET /api/computations/{id}", handlers.Computations.GetComputation)

	if handlers.Archive != nil {
		mux.HandleFunc("GET /api/archive/{address}", handlers.Archive.GetArchived)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}
	return mux
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Serve accepts connections on ln until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests within the ctx deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
