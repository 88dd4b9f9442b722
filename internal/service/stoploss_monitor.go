package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/ledger"
	"github.com/alanyoungcy/sentibot/internal/metrics"
)

// Liquidator closes a position at market.
type Liquidator interface {
	Liquidate(ctx context.Context, id string, reason domain.CloseReason) (domain.Position, error)
}

// PriceSource returns the live price of an exchange pair.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// StopLossMonitor supervises every OPEN position on a fixed interval and
// liquidates those whose price has fallen to or below their stop-loss. The
// set of watched positions is re-read from the ledger every cycle, so a
// position closed by any path simply drops out of supervision.
type StopLossMonitor struct {
	ledger     *ledger.Ledger
	prices     PriceSource
	liquidator Liquidator
	cache      domain.PriceCache // optional
	metrics    *metrics.Metrics
	quote      string
	interval   time.Duration
	parallel   int
	logger     *slog.Logger

	mu            sync.Mutex
	running       bool
	cycles        int64
	lastCycle     time.Time
	triggered     int64
	priceFailures int64
	watching      map[string]domain.PositionWatch
	now           func() time.Time
}

// NewStopLossMonitor creates a monitor. cache may be nil.
func NewStopLossMonitor(
	l *ledger.Ledger,
	prices PriceSource,
	liquidator Liquidator,
	cache domain.PriceCache,
	m *metrics.Metrics,
	quote string,
	interval time.Duration,
	logger *slog.Logger,
) *StopLossMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &StopLossMonitor{
		ledger:     l,
		prices:     prices,
		liquidator: liquidator,
		cache:      cache,
		metrics:    m,
		quote:      quote,
		interval:   interval,
		parallel:   4,
		logger:     logger.With(slog.String("component", "stop_loss_monitor")),
		watching:   make(map[string]domain.PositionWatch),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CycleReport summarises one supervisory cycle.
type CycleReport struct {
	Checked       int
	Triggered     int
	Liquidated    int
	PriceFailures int
}

// Run executes a cycle immediately and then every interval until ctx is
// cancelled. Call in a goroutine.
func (m *StopLossMonitor) Run(ctx context.Context) error {
	m.setRunning(true)
	defer m.setRunning(false)

	m.logger.InfoContext(ctx, "stop-loss monitor started", slog.Duration("interval", m.interval))
	m.RunCycle(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "stop-loss monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.RunCycle(ctx)
		}
	}
}

// RunCycle checks every currently OPEN position once. Positions are evaluated
// independently: a price or order failure for one never affects the others.
// Concurrent cycles are safe; the liquidation lock and the ledger's
// close-once rule keep liquidation accounting at most once.
func (m *StopLossMonitor) RunCycle(ctx context.Context) CycleReport {
	start := time.Now()
	open := m.ledger.OpenPositions()

	var (
		repMu sync.Mutex
		rep   = CycleReport{Checked: len(open)}
	)
	watches := make(map[string]domain.PositionWatch, len(open))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallel)
	for _, pos := range open {
		g.Go(func() error {
			res := m.check(gctx, pos)
			repMu.Lock()
			defer repMu.Unlock()
			if res.watch != nil {
				watches[pos.ID] = *res.watch
			}
			if res.priceFailed {
				rep.PriceFailures++
			}
			if res.triggered {
				rep.Triggered++
			}
			if res.liquidated {
				rep.Liquidated++
			}
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.cycles++
	m.lastCycle = m.now()
	m.triggered += int64(rep.Triggered)
	m.priceFailures += int64(rep.PriceFailures)
	m.watching = watches
	m.mu.Unlock()

	m.metrics.ObserveMonitorCycle(time.Since(start))
	if rep.Checked > 0 {
		m.logger.DebugContext(ctx, "stop-loss cycle complete",
			slog.Int("checked", rep.Checked),
			slog.Int("triggered", rep.Triggered),
			slog.Int("liquidated", rep.Liquidated),
			slog.Int("price_failures", rep.PriceFailures),
		)
	}
	return rep
}

type checkResult struct {
	watch       *domain.PositionWatch
	priceFailed bool
	triggered   bool
	liquidated  bool
}

func (m *StopLossMonitor) check(ctx context.Context, pos domain.Position) checkResult {
	var res checkResult
	pair := domain.TradePair(pos.Symbol, m.quote)

	price, err := m.prices.GetPrice(ctx, pair)
	if err != nil {
		res.priceFailed = true
		m.logger.WarnContext(ctx, "stop-loss price fetch failed",
			slog.String("position_id", pos.ID),
			slog.String("symbol", pair),
			slog.String("error", err.Error()),
		)
		return res
	}

	marked, err := m.ledger.MarkPrice(pos.ID, price)
	if errors.Is(err, domain.ErrInvalidOrder) {
		res.priceFailed = true
		m.logger.WarnContext(ctx, "stop-loss price unusable",
			slog.String("position_id", pos.ID),
			slog.String("symbol", pair),
			slog.Float64("price", price),
		)
		return res
	}
	if err != nil {
		// Closed since the snapshot was taken: no longer watched.
		return res
	}
	m.metrics.SetPrice(pair, price)
	if m.cache != nil {
		if cerr := m.cache.SetPrice(ctx, pair, price, m.now()); cerr != nil {
			m.logger.DebugContext(ctx, "price cache write failed",
				slog.String("symbol", pair),
				slog.String("error", cerr.Error()),
			)
		}
	}

	w := domain.PositionWatch{
		PositionID:    marked.ID,
		Symbol:        marked.Symbol,
		EntryPrice:    marked.EntryPrice,
		StopLossPrice: marked.StopLossPrice,
		CurrentPrice:  price,
		DistancePct:   (price - marked.StopLossPrice) / price,
		UpdatedAt:     m.now(),
	}
	res.watch = &w

	if price > marked.StopLossPrice {
		return res
	}

	res.triggered = true
	m.metrics.RecordStopLossTrigger()
	m.logger.WarnContext(ctx, "stop-loss triggered",
		slog.String("position_id", marked.ID),
		slog.String("symbol", pair),
		slog.Float64("price", price),
		slog.Float64("stop_loss_price", marked.StopLossPrice),
	)

	_, err = m.liquidator.Liquidate(ctx, marked.ID, domain.CloseReasonStopLoss)
	switch {
	case err == nil:
		res.liquidated = true
		res.watch = nil
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrLockHeld):
		m.logger.InfoContext(ctx, "stop-loss liquidation skipped, position already closing",
			slog.String("position_id", marked.ID),
			slog.String("reason", err.Error()),
		)
		res.watch = nil
	default:
		m.metrics.RecordError("stop_loss_liquidation")
		m.logger.WarnContext(ctx, "stop-loss liquidation failed, retrying next cycle",
			slog.String("position_id", marked.ID),
			slog.String("error", err.Error()),
		)
	}
	return res
}

// Status reports the monitor's activity and the positions it watched in the
// last cycle.
func (m *StopLossMonitor) Status() domain.MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := domain.MonitorStatus{
		Running:       m.running,
		Interval:      m.interval,
		Cycles:        m.cycles,
		Triggered:     m.triggered,
		PriceFailures: m.priceFailures,
		Watching:      make([]domain.PositionWatch, 0, len(m.watching)),
	}
	if !m.lastCycle.IsZero() {
		t := m.lastCycle
		st.LastCycleAt = &t
	}
	for _, w := range m.watching {
		st.Watching = append(st.Watching, w)
	}
	sort.Slice(st.Watching, func(i, j int) bool { return st.Watching[i].PositionID < st.Watching[j].PositionID })
	return st
}

func (m *StopLossMonitor) setRunning(v bool) {
	m.mu.Lock()
	m.running = v
	m.mu.Unlock()
}
