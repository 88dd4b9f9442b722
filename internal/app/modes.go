package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/sentibot/internal/config"
	"github.com/alanyoungcy/sentibot/internal/crypto"
	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/executor"
	"github.com/alanyoungcy/sentibot/internal/feed"
	"github.com/alanyoungcy/sentibot/internal/ledger"
	"github.com/alanyoungcy/sentibot/internal/platform/bybit"
	"github.com/alanyoungcy/sentibot/internal/server"
	"github.com/alanyoungcy/sentibot/internal/server/handler"
	"github.com/alanyoungcy/sentibot/internal/server/ws"
	"github.com/alanyoungcy/sentibot/internal/service"
	"github.com/alanyoungcy/sentibot/internal/strategy"
)

// core is the trading core shared by every mode.
type core struct {
	ledger    *ledger.Ledger
	orders    *service.OrderService
	positions *service.PositionService
	engine    *strategy.Engine
	monitor   *service.StopLossMonitor
	prices    *service.PriceService
	pairs     []string
	journal   *service.Journal
	reset     *service.DailyReset
	startedAt time.Time
}

// TradeMode runs the full pipeline: news feed, executor, engine, stop-loss
// monitor, daily reset, journal and the HTTP API.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startCore(ctx, g, c)

	newsFeed := feed.NewNewsFeed(deps.SignalBus, domain.StreamNews, 256, a.logger)
	g.Go(func() error {
		return newsFeed.Run(ctx)
	})

	exec := executor.NewExecutor(
		newsFeed.News(),
		c.engine,
		deps.NewsStore,
		a.cfg.Trading.NewsDedupTTL.Duration,
		a.cfg.Trading.AutoExecute,
		a.logger,
	)
	g.Go(func() error {
		return exec.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c, false)
	}

	return g.Wait()
}

// MonitorMode supervises existing positions only. New entries stay disabled
// and no news is consumed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}
	c.engine.Pause()

	g, ctx := errgroup.WithContext(ctx)
	a.startCore(ctx, g, c)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c, true)
	}

	return g.Wait()
}

// buildCore restores the ledger and constructs the services around it.
func (a *App) buildCore(ctx context.Context, deps *Dependencies) (*core, error) {
	cfg := a.cfg
	quote := cfg.Trading.QuoteAsset

	l := ledger.New(a.logger)
	a.track(l)
	if deps.PositionStore != nil {
		var px depositor
		if deps.Paper != nil {
			px = deps.Paper
		}
		if err := restoreLedger(ctx, deps.PositionStore, l, px, time.Now().UTC()); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}

	// Only hand over a notifier that can deliver something.
	var notifier service.Notifier
	if deps.Notifier != nil && deps.Notifier.Enabled() {
		notifier = deps.Notifier
	}
	journal := service.NewJournal(
		deps.PositionStore, deps.AuditStore, deps.SignalBus, notifier,
		deps.Metrics, cfg.Risk.DailyLossLimit, 1024, a.logger,
	)
	l.Subscribe(journal)

	orders := service.NewOrderService(deps.Exchange, deps.OrderStore, deps.SignalBus, deps.Metrics, a.logger)
	positions := service.NewPositionService(
		l, orders, deps.LockManager, deps.PositionStore, quote, cfg.Monitor.LockTTL.Duration, a.logger,
	)
	risk := service.NewRiskService(cfg.Risk.Limits(), a.logger)

	gen := strategy.NewGenerator(strategy.SignalConfig{
		SupportedCoins:    cfg.Trading.SupportedCoins,
		MinSignalStrength: cfg.Trading.MinSignalStrength,
		MinConfidence:     cfg.Trading.MinConfidence,
	})
	engine := strategy.NewEngine(gen, risk, l, deps.Exchange, orders, positions, strategy.EngineConfig{
		QuoteAsset:         quote,
		StopLossPercentage: cfg.Trading.StopLossPercentage,
		CheckBalance:       cfg.Risk.CheckBalance,
		AmountFor:          cfg.Trading.AmountFor,
		PrecisionFor:       cfg.Trading.PrecisionFor,
	}, deps.Metrics, a.logger)

	monitor := service.NewStopLossMonitor(
		l, deps.Exchange, positions, deps.PriceCache, deps.Metrics, quote, cfg.Monitor.Interval.Duration, a.logger,
	)

	pairs := make([]string, 0, len(cfg.Trading.SupportedCoins))
	for _, coin := range cfg.Trading.SupportedCoins {
		pairs = append(pairs, cfg.Trading.TradeSymbol(coin))
	}
	prices := service.NewPriceService(
		deps.Exchange, deps.PriceCache, deps.SignalBus, deps.Metrics, pairs, cfg.Monitor.PriceInterval.Duration, a.logger,
	)

	var archiver service.DayArchiver
	if deps.Archiver != nil {
		archiver = deps.Archiver
	}
	reset := service.NewDailyReset(l, archiver, a.logger)

	return &core{
		ledger:    l,
		orders:    orders,
		positions: positions,
		engine:    engine,
		monitor:   monitor,
		prices:    prices,
		pairs:     pairs,
		journal:   journal,
		reset:     reset,
		startedAt: time.Now().UTC(),
	}, nil
}

// startCore launches the goroutines every mode runs.
func (a *App) startCore(ctx context.Context, g *errgroup.Group, c *core) {
	g.Go(func() error {
		return c.journal.Run(ctx)
	})
	g.Go(func() error {
		return c.reset.Run(ctx)
	})
	if a.cfg.Monitor.Enabled {
		g.Go(func() error {
			return c.monitor.Run(ctx)
		})
	} else {
		a.logger.WarnContext(ctx, "stop-loss monitor disabled by configuration")
	}
	if a.cfg.Monitor.PriceInterval.Duration > 0 {
		g.Go(func() error {
			return c.prices.Run(ctx)
		})
	}
	if ex := a.cfg.Exchange; strings.EqualFold(ex.Kind, "bybit") && ex.Stream {
		stream := bybit.NewTickerStream(ex.StreamURL, ex.Testnet, c.pairs, a.logger)
		a.logger.InfoContext(ctx, "app: ticker stream enabled", slog.Int("pairs", len(c.pairs)))
		stream.OnTicker(c.prices.Observe)
		g.Go(func() error {
			return stream.Run(ctx)
		})
	}
}

// depositor credits simulator balances.
type depositor interface {
	Deposit(asset string, amount float64)
}

// restoreLedger seeds the ledger with open positions and today's closed
// positions. On the simulator the restored holdings are deposited so they
// can be sold again.
func restoreLedger(ctx context.Context, store domain.PositionStore, l *ledger.Ledger, px depositor, now time.Time) error {
	open, err := store.GetOpen(ctx)
	if err != nil {
		return fmt.Errorf("restore ledger: open positions: %w", err)
	}
	closed, err := store.ListClosedBetween(ctx, ledger.StartOfDay(now), now)
	if err != nil {
		return fmt.Errorf("restore ledger: closed today: %w", err)
	}
	l.Restore(open, closed)

	if px != nil {
		for _, p := range open {
			px.Deposit(p.Symbol, p.Quantity)
		}
	}
	return nil
}

// startHTTPServer runs the API server and the WebSocket hub in g. locked
// keeps entries disabled (monitor mode).
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core, locked bool) {
	cfg := a.cfg

	status := func() domain.BotStatus {
		return domain.BotStatus{
			Mode:           cfg.Mode,
			Exchange:       cfg.Exchange.Kind,
			TradingEnabled: c.engine.TradingEnabled(),
			StartedAt:      c.startedAt,
			UptimeSeconds:  int64(time.Since(c.startedAt).Seconds()),
			Risk:           c.ledger.RiskState(),
		}
	}

	checks := map[string]handler.Check{"redis": deps.Redis.Ping}
	if deps.Postgres != nil {
		checks["postgres"] = deps.Postgres.Ping
	}
	if deps.Blob != nil {
		checks["s3"] = deps.Blob.Health
	}

	var verifier handler.SignatureVerifier
	if cfg.Server.WebhookSecret != "" {
		verifier = crypto.NewWebhookSigner(cfg.Server.WebhookSecret)
	} else {
		a.logger.WarnContext(ctx, "server.webhook_secret is empty, POST /api/news disabled")
	}

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(checks, a.logger),
		Status:    handler.NewStatusHandler(cfg.Mode, cfg.Exchange.Kind, c.startedAt, c.engine.TradingEnabled, c.positions, config.RedactedConfig(cfg)),
		Positions: handler.NewPositionHandler(c.positions, a.logger),
		Orders:    handler.NewOrderHandler(c.orders, a.logger),
		News:      handler.NewNewsHandler(deps.SignalBus, domain.StreamNews, verifier, deps.NewsStore, a.logger),
		Trading:   handler.NewTradingHandler(c.engine, locked, a.logger),
		StopLoss:  handler.NewStopLossHandler(c.monitor),
		Prices:    handler.NewPriceHandler(c.prices, a.logger),
		Metrics:   deps.Metrics.Handler(),
	}
	if deps.Archiver != nil {
		handlers.Archive = handler.NewArchiveHandler(deps.Archiver, a.logger)
	}

	hub := ws.NewHub(deps.SignalBus, status, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        cfg.Server.Port,
		CORSOrigins: cfg.Server.CORSOrigins,
		APIKey:      cfg.Server.APIKey,
		RateLimit:   cfg.Server.RateLimit,
		RateWindow:  cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
