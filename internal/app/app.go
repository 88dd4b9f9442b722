// Package app assembles the sentiment trading bot and runs one operating
// mode. "trade" consumes scored news and places orders; "monitor" keeps the
// stop-loss loop and the HTTP API running with new entries paused.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/sentibot/internal/config"
	"github.com/alanyoungcy/sentibot/internal/ledger"
)

// App owns the configuration and the backend teardown. Backends opened by
// Wire (Postgres pool, Redis client, S3 archive) are released by Close after
// Run has returned, so the mode goroutines never see a closed store.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	closers []func()
	ledger  *ledger.Ledger
	once    sync.Once
}

// New creates an App. Nothing is connected until Run.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run connects the backends, builds the ledger and services for the
// configured mode and blocks until ctx is cancelled or a mode goroutine
// fails. Positions restored from Postgres are supervised from the first
// monitor cycle in either mode.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "app: starting",
		slog.String("mode", a.cfg.Mode),
		slog.String("exchange", a.cfg.Exchange.Kind),
		slog.Bool("auto_execute", a.cfg.Trading.AutoExecute),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.onClose(cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "trade":
		return a.TradeMode(ctx, deps)
	case "monitor":
		return a.MonitorMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

func (a *App) onClose(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}

// track remembers the ledger so Close can report what is left OPEN.
func (a *App) track(l *ledger.Ledger) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ledger = l
}

// Close releases backends in reverse order of acquisition. OPEN positions
// are not liquidated on shutdown; they stay on the exchange and in Postgres
// and are restored on the next start. Only the first call has any effect.
func (a *App) Close() {
	a.once.Do(func() {
		a.mu.Lock()
		closers, l := a.closers, a.ledger
		a.closers = nil
		a.mu.Unlock()

		if l != nil {
			if open := l.OpenPositions(); len(open) > 0 {
				symbols := make([]string, 0, len(open))
				for _, p := range open {
					symbols = append(symbols, p.Symbol)
				}
				a.logger.Warn("app: stopping with open positions, stop-loss supervision ends",
					slog.Int("open", len(open)),
					slog.String("symbols", strings.Join(symbols, ",")),
				)
			}
		}
		a.logger.Info("app: releasing backends", slog.Int("closers", len(closers)))
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	})
}
