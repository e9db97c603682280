// Package server exposes the settlement core over HTTP and WebSocket: fill
// submission and quoting, order cancellation, escrow lifecycle calls, merkle
// proof validation, and archive access.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fuselabs/crossfill/internal/domain"
	"github.com/fuselabs/crossfill/internal/server/handler"
	"github.com/fuselabs/crossfill/internal/server/middleware"
	"github.com/fuselabs/crossfill/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit is the number of requests allowed per client per window.
	// Zero disables rate limiting.
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Archive may be nil when cold storage is not configured.
type Handlers struct {
	Health  *handler.HealthHandler
	Admin   *handler.AdminHandler
	Fills   *handler.FillHandler
	Orders  *handler.OrderHandler
	Escrows *handler.EscrowHandler
	Merkle  *handler.MerkleHandler
	Archive *handler.ArchiveHandler
}

// Server is the headless HTTP + WebSocket API for the settlement daemon.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, rate limiting, auth) and attaches
// the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check and status (no auth required for health).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Admin.GetStatus)

	// Fill endpoints.
	mux.HandleFunc("POST /api/fills", handlers.Fills.SubmitFill)
	mux.HandleFunc("POST /api/fills/simulate", handlers.Fills.SimulateFill)
	mux.HandleFunc("POST /api/fills/quote", handlers.Fills.Quote)

	// Order endpoints.
	mux.HandleFunc("POST /api/orders/hash", handlers.Fills.HashOrder)
	mux.HandleFunc("POST /api/orders/cancel", handlers.Orders.CancelOrder)
	mux.HandleFunc("POST /api/orders/cancel-batch", handlers.Orders.CancelOrders)
	mux.HandleFunc("POST /api/orders/mass-invalidate", handlers.Orders.MassInvalidate)
	mux.HandleFunc("GET /api/orders/{hash}/receipts", handlers.Fills.ListReceipts)
	mux.HandleFunc("GET /api/orders/{hash}/remaining", handlers.Orders.GetRemaining)

	// Epoch and invalidator state.
	mux.HandleFunc("GET /api/epochs", handlers.Orders.GetEpoch)
	mux.HandleFunc("POST /api/epochs/increase", handlers.Orders.IncreaseEpoch)
	mux.HandleFunc("GET /api/invalidators/bits", handlers.Orders.GetBitSlot)

	// Escrow lifecycle.
	mux.HandleFunc("GET /api/escrows", handlers.Escrows.ListEscrows)
	mux.HandleFunc("POST /api/escrows/dst", handlers.Escrows.CreateDst)
	mux.HandleFunc("GET /api/escrows/{id}", handlers.Escrows.GetEscrow)
	mux.HandleFunc("POST /api/escrows/{id}/withdraw", handlers.Escrows.Withdraw)
	mux.HandleFunc("POST /api/escrows/{id}/withdraw-to", handlers.Escrows.WithdrawTo)
	mux.HandleFunc("POST /api/escrows/{id}/public-withdraw", handlers.Escrows.PublicWithdraw)
	mux.HandleFunc("POST /api/escrows/{id}/cancel", handlers.Escrows.Cancel)
	mux.HandleFunc("POST /api/escrows/{id}/public-cancel", handlers.Escrows.PublicCancel)
	mux.HandleFunc("POST /api/escrows/{id}/rescue", handlers.Escrows.RescueFunds)

	// Merkle partial-fill validation.
	mux.HandleFunc("POST /api/merkle/validate", handlers.Merkle.Validate)
	mux.HandleFunc("GET /api/merkle/last", handlers.Merkle.LastValidated)

	// Archive access, only when cold storage is wired.
	if handlers.Archive != nil {
		mux.HandleFunc("GET /api/archives", handlers.Archive.ListArchives)
		mux.HandleFunc("GET /api/archives/{path...}", handlers.Archive.GetArchive)
		mux.HandleFunc("POST /api/archives/run", handlers.Archive.TriggerArchive)
	}

	// Admin endpoints.
	mux.HandleFunc("POST /api/admin/pause", handlers.Admin.Pause)
	mux.HandleFunc("POST /api/admin/unpause", handlers.Admin.Unpause)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply per-client rate limiting when a limiter is configured.
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
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
