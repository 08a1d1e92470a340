// Package server exposes the operational HTTP API and the WebSocket event
// feed used by operator dashboards.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/leadforge/dealbot/internal/server/handler"
	"github.com/leadforge/dealbot/internal/server/middleware"
	"github.com/leadforge/dealbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit caps requests per client IP per RateWindow. Zero disables
	// the middleware; it also stays off when no limiter is wired.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Deals    *handler.DealHandler
	Orders   *handler.OrderHandler
	Managers *handler.ManagerHandler
	Audit    *handler.AuditHandler
}

// Server is the headless HTTP + WebSocket API for the deal pipeline.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain (rate limit, logging, CORS, auth) applied. The
// limiter and the WebSocket hub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter middleware.Limiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check.
	mux.HandleFunc("GET /health", handlers.Health.HealthCheck)

	// Deal pipeline.
	mux.HandleFunc("GET /api/deals", handlers.Deals.ListDeals)
	mux.HandleFunc("GET /api/deals/{id}", handlers.Deals.GetDeal)
	mux.HandleFunc("GET /api/deals/{id}/transcript", handlers.Deals.GetTranscript)
	mux.HandleFunc("POST /api/deals/{id}/claim", handlers.Deals.ClaimDeal)
	mux.HandleFunc("POST /api/deals/{id}/close", handlers.Deals.CloseDeal)

	// Order intake and listing.
	mux.HandleFunc("GET /api/orders", handlers.Orders.ListOrders)
	mux.HandleFunc("POST /api/orders", handlers.Orders.CreateOrder)

	// Manager registry.
	mux.HandleFunc("GET /api/managers", handlers.Managers.ListManagers)
	mux.HandleFunc("PUT /api/managers/{id}", handlers.Managers.UpsertManager)

	// Audit log.
	mux.HandleFunc("GET /api/audit", handlers.Audit.ListAudit)

	// WebSocket event feed.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
	}

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
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
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
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
