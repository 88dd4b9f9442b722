package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/metrics"
)

// Notifier delivers operator alerts filtered by event type.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Notification event types.
const (
	EventPositionOpened    = "position_opened"
	EventPositionClosed    = "position_closed"
	EventStopLossTriggered = "stop_loss_triggered"
	EventDailyLossLimit    = "daily_loss_limit"
	EventError             = "error"
)

// Journal observes ledger events and, off the ledger's critical path,
// persists positions, writes the audit log, publishes bus events, refreshes
// metrics and sends notifications. Persistence is history only: failures
// are logged and never affect trading.
type Journal struct {
	positions domain.PositionStore // optional
	audit     domain.AuditStore    // optional
	bus       domain.SignalBus     // optional
	notifier  Notifier             // optional
	metrics   *metrics.Metrics
	lossLimit float64
	logger    *slog.Logger

	events      chan domain.PositionEvent
	lossAlerted bool
}

// NewJournal creates a Journal with a queue of size buffer. Any collaborator
// may be nil.
func NewJournal(
	positions domain.PositionStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	notifier Notifier,
	m *metrics.Metrics,
	lossLimit float64,
	buffer int,
	logger *slog.Logger,
) *Journal {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Journal{
		positions: positions,
		audit:     audit,
		bus:       bus,
		notifier:  notifier,
		metrics:   m,
		lossLimit: lossLimit,
		logger:    logger.With(slog.String("component", "journal")),
		events:    make(chan domain.PositionEvent, buffer),
	}
}

// OnPositionEvent implements ledger.Listener. It never blocks: when the queue
// is full the event is dropped and counted.
func (j *Journal) OnPositionEvent(evt domain.PositionEvent) {
	select {
	case j.events <- evt:
	default:
		j.metrics.RecordDroppedEvent()
		j.logger.Warn("journal: queue full, event dropped",
			slog.String("event", string(evt.Type)),
			slog.String("position_id", evt.Position.ID),
		)
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left
// using a short detached context.
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			j.flush()
			return ctx.Err()
		case evt := <-j.events:
			j.handle(ctx, evt)
		}
	}
}

func (j *Journal) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case evt := <-j.events:
			j.handle(ctx, evt)
		default:
			return
		}
	}
}

func (j *Journal) handle(ctx context.Context, evt domain.PositionEvent) {
	j.metrics.SetRiskState(evt.Risk.OpenPositionCount, evt.Risk.TradesToday, evt.Risk.RealizedLossToday)

	j.persist(ctx, evt)
	j.publish(ctx, evt)

	switch evt.Type {
	case domain.PositionOpened:
		j.auditLog(ctx, evt)
		p := evt.Position
		j.notify(ctx, EventPositionOpened, "Position opened",
			fmt.Sprintf("%s qty %g @ %.4f, stop %.4f", p.Symbol, p.Quantity, p.EntryPrice, p.StopLossPrice))

	case domain.PositionClosed:
		j.auditLog(ctx, evt)
		p := evt.Position
		j.metrics.RecordClose(string(p.Status))
		event, title := EventPositionClosed, "Position closed"
		if p.Status == domain.PositionClosedStopLoss {
			event, title = EventStopLossTriggered, "Stop-loss executed"
		}
		closePrice := 0.0
		if p.ClosePrice != nil {
			closePrice = *p.ClosePrice
		}
		j.notify(ctx, event, title,
			fmt.Sprintf("%s qty %g closed @ %.4f (entry %.4f), pnl %.2f", p.Symbol, p.Quantity, closePrice, p.EntryPrice, p.RealizedPnL))

		if j.lossLimit > 0 && !j.lossAlerted && evt.Risk.RealizedLossToday >= j.lossLimit {
			j.lossAlerted = true
			j.notify(ctx, EventDailyLossLimit, "Daily loss limit reached",
				fmt.Sprintf("realized loss today %.2f >= limit %.2f, new entries blocked until UTC midnight", evt.Risk.RealizedLossToday, j.lossLimit))
		}

	case domain.PositionStopLossUpdated:
		j.auditLog(ctx, evt)

	case domain.DailyCountersReset:
		j.lossAlerted = false
		j.auditLog(ctx, evt)
	}
}

func (j *Journal) persist(ctx context.Context, evt domain.PositionEvent) {
	if j.positions == nil {
		return
	}
	var err error
	switch evt.Type {
	case domain.PositionOpened:
		err = j.positions.Create(ctx, evt.Position)
	case domain.PositionClosed:
		err = j.positions.Close(ctx, evt.Position)
	case domain.PositionMarked, domain.PositionStopLossUpdated:
		err = j.positions.Update(ctx, evt.Position)
	default:
		return
	}
	if err != nil {
		j.metrics.RecordError("journal_persist")
		j.logger.WarnContext(ctx, "journal: persist position failed",
			slog.String("event", string(evt.Type)),
			slog.String("position_id", evt.Position.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (j *Journal) publish(ctx context.Context, evt domain.PositionEvent) {
	if j.bus == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	channel := domain.ChannelPositions
	if evt.Type == domain.DailyCountersReset {
		channel = domain.ChannelRisk
	}
	if err := j.bus.Publish(ctx, channel, payload); err != nil {
		j.logger.WarnContext(ctx, "journal: publish event failed",
			slog.String("event", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (j *Journal) auditLog(ctx context.Context, evt domain.PositionEvent) {
	if j.audit == nil {
		return
	}
	detail := map[string]any{
		"open_positions":      evt.Risk.OpenPositionCount,
		"trades_today":        evt.Risk.TradesToday,
		"realized_loss_today": evt.Risk.RealizedLossToday,
	}
	if p := evt.Position; p.ID != "" {
		detail["position_id"] = p.ID
		detail["symbol"] = p.Symbol
		detail["status"] = string(p.Status)
		detail["entry_price"] = p.EntryPrice
		detail["quantity"] = p.Quantity
		detail["stop_loss_price"] = p.StopLossPrice
		if p.ClosePrice != nil {
			detail["close_price"] = *p.ClosePrice
			detail["realized_pnl"] = p.RealizedPnL
		}
	}
	if err := j.audit.Log(ctx, string(evt.Type), detail); err != nil {
		j.logger.WarnContext(ctx, "journal: audit log failed",
			slog.String("event", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (j *Journal) notify(ctx context.Context, event, title, message string) {
	if j.notifier == nil {
		return
	}
	if err := j.notifier.Notify(ctx, event, title, message); err != nil {
		j.logger.WarnContext(ctx, "journal: notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
