package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/ledger"
	"github.com/alanyoungcy/sentibot/internal/metrics"
)

// RiskGate authorizes signals against portfolio limits.
type RiskGate interface {
	Authorize(signal domain.TradeSignal, state domain.RiskState) domain.Decision
	CheckBalance(ctx context.Context, exchange domain.Exchange, quote string, cost float64) (domain.Decision, error)
}

// OrderPlacer submits market orders, settles the ones left unconfirmed and
// links them to positions.
type OrderPlacer interface {
	Place(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
	Cancel(ctx context.Context, id string) (domain.Order, error)
	Refresh(ctx context.Context, id string) (domain.Order, error)
	Link(ctx context.Context, orderID, positionID string) error
}

// Liquidator closes an OPEN position at market.
type Liquidator interface {
	Liquidate(ctx context.Context, id string, reason domain.CloseReason) (domain.Position, error)
}

// EngineConfig holds sizing and stop-loss parameters.
type EngineConfig struct {
	QuoteAsset         string
	StopLossPercentage float64
	CheckBalance       bool
	// AmountFor returns the quote amount to spend per entry in a coin.
	AmountFor func(coin string) float64
	// PrecisionFor returns the quantity decimals for a coin.
	PrecisionFor func(coin string) int
}

// Action is what the engine did with one signal.
type Action string

const (
	ActionOpened   Action = "opened"
	ActionClosed   Action = "closed"
	ActionDenied   Action = "denied"
	ActionIgnored  Action = "ignored"
	ActionPaused   Action = "paused"
	ActionSkipped  Action = "skipped"
	ActionRejected Action = "rejected"
	ActionFailed   Action = "failed"
)

// Outcome records the handling of one signal.
type Outcome struct {
	At         time.Time          `json:"at"`
	Signal     domain.TradeSignal `json:"signal"`
	Decision   domain.Decision    `json:"decision"`
	Action     Action             `json:"action"`
	OrderID    string             `json:"order_id,omitempty"`
	PositionID string             `json:"position_id,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// Traded reports whether the outcome moved money.
func (o Outcome) Traded() bool {
	return o.Action == ActionOpened || o.Action == ActionClosed
}

// Engine orchestrates signal generation, risk authorization, order
// placement and ledger updates for each scored news item.
type Engine struct {
	gen      *Generator
	risk     RiskGate
	ledger   *ledger.Ledger
	exchange domain.Exchange
	orders   OrderPlacer
	exits    Liquidator
	cfg      EngineConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// entryMu makes authorize -> place -> open one step with respect to other
	// entries, so concurrent evaluations cannot overrun the limits.
	entryMu sync.Mutex
	enabled atomic.Bool

	mu          sync.Mutex
	recent      []Outcome
	recentLimit int
	now         func() time.Time
}

// NewEngine creates an Engine with trading enabled.
func NewEngine(
	gen *Generator,
	risk RiskGate,
	l *ledger.Ledger,
	exchange domain.Exchange,
	orders OrderPlacer,
	exits Liquidator,
	cfg EngineConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	e := &Engine{
		gen:         gen,
		risk:        risk,
		ledger:      l,
		exchange:    exchange,
		orders:      orders,
		exits:       exits,
		cfg:         cfg,
		metrics:     m,
		logger:      logger.With(slog.String("component", "strategy_engine")),
		recentLimit: 200,
		now:         func() time.Time { return time.Now().UTC() },
	}
	e.enabled.Store(true)
	return e
}

// Pause stops new entries. SELL exits and stop-loss supervision continue.
func (e *Engine) Pause() {
	if e.enabled.Swap(false) {
		e.logger.Info("trading paused")
	}
}

// Resume re-enables new entries.
func (e *Engine) Resume() {
	if !e.enabled.Swap(true) {
		e.logger.Info("trading resumed")
	}
}

// TradingEnabled reports whether new entries are allowed.
func (e *Engine) TradingEnabled() bool {
	return e.enabled.Load()
}

// Evaluate generates signals for news and acts on each independently. Policy
// denials are outcomes, not errors. The returned error joins the failures of
// individual signals; transient ones wrap domain.ErrTransient and are not
// retried here.
func (e *Engine) Evaluate(ctx context.Context, news domain.NewsItem, score *domain.SentimentScore) ([]Outcome, error) {
	signals := e.gen.Generate(news, score)
	if len(signals) == 0 {
		return nil, nil
	}

	outcomes := make([]Outcome, 0, len(signals))
	var errs []error
	for _, sig := range signals {
		e.metrics.RecordSignal(sig.Symbol, string(sig.Direction))
		out, err := e.act(ctx, sig)
		out.At = e.now()
		out.Signal = sig
		if err != nil {
			out.Error = err.Error()
			errs = append(errs, err)
		}
		outcomes = append(outcomes, out)
		e.remember(out)
	}
	return outcomes, errors.Join(errs...)
}

func (e *Engine) act(ctx context.Context, sig domain.TradeSignal) (Outcome, error) {
	if sig.Direction == domain.DirectionBuy {
		e.entryMu.Lock()
		defer e.entryMu.Unlock()
		if !e.enabled.Load() {
			e.logger.InfoContext(ctx, "signal skipped, trading paused",
				slog.String("symbol", sig.Symbol),
				slog.String("news_id", sig.SourceNewsID),
			)
			return Outcome{Action: ActionPaused}, nil
		}
	}

	dec := e.risk.Authorize(sig, e.ledger.RiskState())
	if !dec.Authorized {
		e.metrics.RecordDecision(string(dec.Reason))
		e.logger.InfoContext(ctx, "signal denied",
			slog.String("symbol", sig.Symbol),
			slog.String("direction", string(sig.Direction)),
			slog.Float64("strength", sig.Strength),
			slog.String("reason", string(dec.Reason)),
			slog.String("news_id", sig.SourceNewsID),
		)
		return Outcome{Decision: dec, Action: ActionDenied}, nil
	}

	if sig.Direction == domain.DirectionSell {
		e.metrics.RecordDecision("authorized")
		return e.exit(ctx, sig, dec)
	}
	return e.enter(ctx, sig, dec)
}

func (e *Engine) enter(ctx context.Context, sig domain.TradeSignal, dec domain.Decision) (Outcome, error) {
	out := Outcome{Decision: dec}
	pair := domain.TradePair(sig.Symbol, e.cfg.QuoteAsset)

	price, err := e.exchange.GetPrice(ctx, pair)
	if err != nil {
		out.Action = ActionFailed
		return out, fmt.Errorf("strategy_engine: price %s: %w", pair, domain.Transient(err))
	}

	qty := Quantity(e.cfg.AmountFor(sig.Symbol), price, e.cfg.PrecisionFor(sig.Symbol))
	if qty <= 0 {
		e.logger.WarnContext(ctx, "signal skipped, order size rounds to zero",
			slog.String("symbol", pair),
			slog.Float64("price", price),
		)
		out.Action = ActionSkipped
		return out, nil
	}

	if e.cfg.CheckBalance {
		bal, err := e.risk.CheckBalance(ctx, e.exchange, e.cfg.QuoteAsset, qty*price)
		if err != nil {
			out.Action = ActionFailed
			return out, fmt.Errorf("strategy_engine: %w", domain.Transient(err))
		}
		if !bal.Authorized {
			e.metrics.RecordDecision(string(bal.Reason))
			e.logger.InfoContext(ctx, "signal denied",
				slog.String("symbol", sig.Symbol),
				slog.String("reason", string(bal.Reason)),
				slog.String("news_id", sig.SourceNewsID),
			)
			out.Decision = bal
			out.Action = ActionDenied
			return out, nil
		}
	}
	e.metrics.RecordDecision("authorized")

	order, err := e.orders.Place(ctx, domain.OrderRequest{
		Symbol:       sig.Symbol,
		Pair:         pair,
		Side:         domain.OrderSideBuy,
		Quantity:     qty,
		SourceNewsID: sig.SourceNewsID,
	})
	out.OrderID = order.ID
	if err != nil {
		out.Action = ActionFailed
		return out, fmt.Errorf("strategy_engine: %w", err)
	}
	if order.Status == domain.OrderStatusPending {
		order = e.settlePending(ctx, order)
	}
	if order.Status != domain.OrderStatusFilled {
		out.Action = ActionRejected
		if order.Status == domain.OrderStatusPending {
			out.Action = ActionFailed
			return out, fmt.Errorf("strategy_engine: buy %s still %s after cancel: %w", order.ID, order.Status, domain.ErrInvalidState)
		}
		return out, nil
	}

	pos, err := e.ledger.Open(ledger.OpenRequest{
		Symbol:       sig.Symbol,
		Direction:    domain.DirectionBuy,
		EntryPrice:   order.FillPrice,
		Quantity:     order.Quantity,
		StopLossPct:  e.cfg.StopLossPercentage,
		OrderID:      order.ID,
		SourceNewsID: sig.SourceNewsID,
	})
	if err != nil {
		e.metrics.RecordError("ledger_open")
		e.logger.ErrorContext(ctx, "filled order not recorded in ledger",
			slog.String("order_id", order.ID),
			slog.String("symbol", pair),
			slog.String("error", err.Error()),
		)
		out.Action = ActionFailed
		return out, fmt.Errorf("strategy_engine: %w", err)
	}
	if err := e.orders.Link(ctx, order.ID, pos.ID); err != nil {
		e.logger.WarnContext(ctx, "link order to position failed",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}

	out.Action = ActionOpened
	out.PositionID = pos.ID
	return out, nil
}

// settlePending cancels a BUY the exchange has not confirmed. An exchange
// that refuses the cancel because the order already reached a final state is
// asked for that state, so a late fill still becomes a position.
func (e *Engine) settlePending(ctx context.Context, order domain.Order) domain.Order {
	cancelled, err := e.orders.Cancel(ctx, order.ID)
	if err == nil {
		e.logger.WarnContext(ctx, "unconfirmed buy cancelled",
			slog.String("order_id", order.ID),
			slog.String("symbol", order.Pair),
		)
		return cancelled
	}
	if !errors.Is(err, domain.ErrInvalidState) {
		e.metrics.RecordError("cancel_pending_buy")
		e.logger.ErrorContext(ctx, "cancel unconfirmed buy failed",
			slog.String("order_id", order.ID),
			slog.String("symbol", order.Pair),
			slog.String("error", err.Error()),
		)
		return order
	}

	settled, err := e.orders.Refresh(ctx, order.ID)
	if err != nil {
		e.metrics.RecordError("refresh_pending_buy")
		e.logger.ErrorContext(ctx, "unconfirmed buy state unknown",
			slog.String("order_id", order.ID),
			slog.String("symbol", order.Pair),
			slog.String("error", err.Error()),
		)
		return order
	}
	e.logger.InfoContext(ctx, "unconfirmed buy settled",
		slog.String("order_id", order.ID),
		slog.String("status", string(settled.Status)),
	)
	return settled
}

func (e *Engine) exit(ctx context.Context, sig domain.TradeSignal, dec domain.Decision) (Outcome, error) {
	out := Outcome{Decision: dec}
	pos, ok := e.ledger.FindOpen(sig.Symbol, domain.DirectionBuy)
	if !ok {
		e.logger.InfoContext(ctx, "sell signal ignored, no open position",
			slog.String("symbol", sig.Symbol),
			slog.String("news_id", sig.SourceNewsID),
		)
		out.Action = ActionIgnored
		return out, nil
	}
	out.PositionID = pos.ID

	if _, err := e.exits.Liquidate(ctx, pos.ID, domain.CloseReasonManual); err != nil {
		if errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrLockHeld) {
			e.logger.WarnContext(ctx, "sell signal ignored, position already closing",
				slog.String("position_id", pos.ID),
				slog.String("reason", err.Error()),
			)
			out.Action = ActionIgnored
			return out, nil
		}
		out.Action = ActionFailed
		return out, fmt.Errorf("strategy_engine: %w", err)
	}
	out.Action = ActionClosed
	return out, nil
}

func (e *Engine) remember(o Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recent = append(e.recent, o)
	if over := len(e.recent) - e.recentLimit; over > 0 {
		e.recent = append([]Outcome(nil), e.recent[over:]...)
	}
}

// RecentOutcomes returns up to limit outcomes, newest first.
func (e *Engine) RecentOutcomes(limit int) []Outcome {
	if limit <= 0 {
		limit = 20
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.recent)
	if limit > n {
		limit = n
	}
	out := make([]Outcome, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.recent[i])
	}
	return out
}
