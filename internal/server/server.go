// Package server exposes the dashboard HTTP API, the signed news ingest
// endpoint, Prometheus metrics and the WebSocket event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/server/handler"
	"github.com/alanyoungcy/sentibot/internal/server/middleware"
	"github.com/alanyoungcy/sentibot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Archive is
// optional.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Positions *handler.PositionHandler
	Orders    *handler.OrderHandler
	News      *handler.NewsHandler
	Trading   *handler.TradingHandler
	StopLoss  *handler.StopLossHandler
	Prices    *handler.PriceHandler
	Archive   *handler.ArchiveHandler
	Metrics   http.Handler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes and wraps them in CORS, logging, auth and,
// when limiter is non-nil, rate limiting.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, h, hub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", h.Status.GetStatus)
	mux.HandleFunc("GET /api/risk", h.Status.GetRisk)
	mux.HandleFunc("GET /api/summary", h.Status.GetSummary)
	mux.HandleFunc("GET /api/config", h.Status.GetConfig)

	mux.HandleFunc("GET /api/positions", h.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/history", h.Positions.ListHistory)
	mux.HandleFunc("GET /api/positions/{id}", h.Positions.GetPosition)
	mux.HandleFunc("POST /api/positions/{id}/close", h.Positions.ClosePosition)
	mux.HandleFunc("PUT /api/positions/{id}/stop-loss", h.Positions.UpdateStopLoss)

	mux.HandleFunc("GET /api/orders", h.Orders.ListOrders)
	mux.HandleFunc("DELETE /api/orders/{id}", h.Orders.CancelOrder)

	mux.HandleFunc("GET /api/stop-loss/status", h.StopLoss.GetStatus)
	mux.HandleFunc("GET /api/prices", h.Prices.GetPrices)

	mux.HandleFunc("POST /api/news", h.News.IngestNews)
	mux.HandleFunc("GET /api/news", h.News.ListNews)

	mux.HandleFunc("POST /api/trading/pause", h.Trading.Pause)
	mux.HandleFunc("POST /api/trading/resume", h.Trading.Resume)
	mux.HandleFunc("GET /api/signals", h.Trading.ListSignals)

	if h.Archive != nil {
		mux.HandleFunc("GET /api/archive/{kind}/{day}", h.Archive.GetDay)
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	// POST /api/news carries its own HMAC signature and is exempt from the
	// API key, as are the probe endpoints.
	var out http.Handler = mux
	out = middleware.Auth(cfg.APIKey, "/api/health", "/metrics", "/api/news")(out)
	if limiter != nil && cfg.RateLimit > 0 {
		out = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(out)
	}
	out = middleware.Logging(logger)(out)
	out = middleware.CORS(cfg.CORSOrigins)(out)
	return out
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the ctx deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
