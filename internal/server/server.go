// Package server is the HTTP and WebSocket front door.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/okabelanger/streambid/internal/domain"
	"github.com/okabelanger/streambid/internal/server/handler"
	"github.com/okabelanger/streambid/internal/server/middleware"
	"github.com/okabelanger/streambid/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	AuthSecret  string // if empty, authentication is disabled
	// APIRateLimit caps requests per client IP inside APIRateWindow.
	// Zero disables API rate limiting.
	APIRateLimit  int
	APIRateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health    *handler.HealthHandler
	Discovery *handler.DiscoveryHandler
	Billing   *handler.BillingHandler
}

// Server serves the REST API and the WebSocket endpoint.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain (CORS, logging, rate limit, auth) wired up. limiter
// may be nil when API rate limiting is disabled.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Authenticated API.
	var api http.Handler = apiMux(handlers)

	verifier := (*middleware.TokenVerifier)(nil)
	if cfg.AuthSecret != "" {
		verifier = middleware.NewTokenVerifier(cfg.AuthSecret)
	}
	api = middleware.Auth(verifier)(api)
	if limiter != nil && cfg.APIRateLimit > 0 {
		window := cfg.APIRateWindow
		if window <= 0 {
			window = time.Second
		}
		api = middleware.RateLimit(limiter, cfg.APIRateLimit, window)(api)
	}
	mux.Handle("/api/", api)

	// WebSocket endpoint: same auth, no rate limit on the handshake.
	if wsHub != nil {
		mux.Handle("GET /ws", middleware.Auth(verifier)(http.HandlerFunc(wsHub.HandleWS)))
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// apiMux registers the authenticated REST routes.
func apiMux(handlers Handlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/influencers", handlers.Discovery.ListInfluencers)
	mux.HandleFunc("POST /api/billing/{id}/refund", handlers.Billing.Refund)
	return mux
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
