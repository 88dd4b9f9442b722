// Package ledger holds the authoritative in-memory record of positions and
// the daily risk counters. Every mutation runs under one exclusive lock;
// readers receive copies that stay valid while mutations continue.
package ledger

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// Listener is notified after a mutation has been applied. Calls happen
// outside the ledger lock and in mutation order. Listeners must not call
// back into the ledger and should return quickly.
type Listener interface {
	OnPositionEvent(evt domain.PositionEvent)
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(evt domain.PositionEvent)

// OnPositionEvent calls f(evt).
func (f ListenerFunc) OnPositionEvent(evt domain.PositionEvent) { f(evt) }

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock used for timestamps and trading days.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDFunc overrides position id generation.
func WithIDFunc(newID func() string) Option {
	return func(l *Ledger) { l.newID = newID }
}

// Ledger owns every Position and the RiskState counters.
type Ledger struct {
	mu          sync.RWMutex
	emitMu      sync.Mutex
	positions   map[string]*domain.Position
	seq         []string
	byOrderID   map[string]string
	openCount   int
	tradesToday int
	lossToday   float64
	day         time.Time
	listeners   []Listener

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// New creates an empty ledger whose trading day is the current UTC date.
func New(logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		positions: make(map[string]*domain.Position),
		byOrderID: make(map[string]string),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
		logger:    logger.With(slog.String("component", "ledger")),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.day = StartOfDay(l.now())
	return l
}

// StartOfDay returns UTC midnight of the day containing t.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Subscribe registers a listener for subsequent mutations.
func (l *Ledger) Subscribe(ln Listener) {
	l.mu.Lock()
	l.listeners = append(l.listeners, ln)
	l.mu.Unlock()
}

// OpenRequest describes a confirmed fill that becomes a new position.
type OpenRequest struct {
	Symbol       string
	Direction    domain.Direction
	EntryPrice   float64
	Quantity     float64
	StopLossPct  float64
	OrderID      string
	SourceNewsID string
}

// Open records a new OPEN position and increments trades_today and the open
// count in the same critical section. A second open for an OrderID that is
// already linked to a position fails with domain.ErrInvalidState.
func (l *Ledger) Open(req OpenRequest) (domain.Position, error) {
	if req.Symbol == "" || req.EntryPrice <= 0 || req.Quantity <= 0 {
		return domain.Position{}, fmt.Errorf("ledger: open %q: %w", req.Symbol, domain.ErrInvalidOrder)
	}
	if req.StopLossPct < 0 || req.StopLossPct >= 1 {
		return domain.Position{}, fmt.Errorf("ledger: open %q: stop loss pct %.4f: %w", req.Symbol, req.StopLossPct, domain.ErrInvalidOrder)
	}
	if req.Direction == "" {
		req.Direction = domain.DirectionBuy
	}

	l.mu.Lock()
	if req.OrderID != "" {
		if existing, ok := l.byOrderID[req.OrderID]; ok {
			l.mu.Unlock()
			return domain.Position{}, fmt.Errorf("ledger: order %s already opened position %s: %w", req.OrderID, existing, domain.ErrInvalidState)
		}
	}

	now := l.now()
	pos := &domain.Position{
		ID:            l.newID(),
		Symbol:        req.Symbol,
		Direction:     req.Direction,
		EntryPrice:    req.EntryPrice,
		Quantity:      req.Quantity,
		StopLossPrice: domain.StopLossPrice(req.EntryPrice, req.StopLossPct),
		CurrentPrice:  req.EntryPrice,
		Status:        domain.PositionOpen,
		OrderID:       req.OrderID,
		SourceNewsID:  req.SourceNewsID,
		OpenedAt:      now,
	}
	l.positions[pos.ID] = pos
	l.seq = append(l.seq, pos.ID)
	if req.OrderID != "" {
		l.byOrderID[req.OrderID] = pos.ID
	}
	l.openCount++
	l.tradesToday++
	out := *pos
	evt := l.eventLocked(domain.PositionOpened, out, now)
	listeners := l.listeners
	l.emitMu.Lock()
	l.mu.Unlock()

	l.logger.Info("ledger: position opened",
		slog.String("position_id", out.ID),
		slog.String("symbol", out.Symbol),
		slog.Float64("entry_price", out.EntryPrice),
		slog.Float64("quantity", out.Quantity),
		slog.Float64("stop_loss_price", out.StopLossPrice),
	)
	l.emit(listeners, evt)
	return out, nil
}

// Close moves an OPEN position to the terminal status matching reason. Any
// close of a position that is not OPEN fails with domain.ErrInvalidState, so
// at most one close per position ever succeeds. A losing close adds
// (entry - close) * quantity to realized_loss_today.
func (l *Ledger) Close(id string, closePrice float64, reason domain.CloseReason) (domain.Position, error) {
	status, ok := reason.Status()
	if !ok {
		return domain.Position{}, fmt.Errorf("ledger: close %s: unknown reason %q: %w", id, reason, domain.ErrInvalidOrder)
	}
	if closePrice <= 0 {
		return domain.Position{}, fmt.Errorf("ledger: close %s: price %.8f: %w", id, closePrice, domain.ErrInvalidOrder)
	}

	l.mu.Lock()
	pos, ok := l.positions[id]
	if !ok {
		l.mu.Unlock()
		return domain.Position{}, fmt.Errorf("ledger: close %s: %w", id, domain.ErrNotFound)
	}
	if !pos.IsOpen() {
		current := pos.Status
		l.mu.Unlock()
		return domain.Position{}, fmt.Errorf("ledger: close %s: status %s: %w", id, current, domain.ErrInvalidState)
	}

	now := l.now()
	price := closePrice
	pos.Status = status
	pos.ClosedAt = &now
	pos.ClosePrice = &price
	pos.CurrentPrice = closePrice
	pos.RealizedPnL = (closePrice - pos.EntryPrice) * pos.Quantity
	pos.UnrealizedPnL = 0
	if loss := (pos.EntryPrice - closePrice) * pos.Quantity; loss > 0 {
		l.lossToday += loss
	}
	l.openCount--
	out := clonePosition(pos)
	evt := l.eventLocked(domain.PositionClosed, out, now)
	listeners := l.listeners
	l.emitMu.Lock()
	l.mu.Unlock()

	l.logger.Info("ledger: position closed",
		slog.String("position_id", out.ID),
		slog.String("symbol", out.Symbol),
		slog.String("status", string(out.Status)),
		slog.Float64("close_price", closePrice),
		slog.Float64("realized_pnl", out.RealizedPnL),
	)
	l.emit(listeners, evt)
	return out, nil
}

// MarkPrice records the latest observed price of an OPEN position and
// recomputes its unrealized P&L.
func (l *Ledger) MarkPrice(id string, price float64) (domain.Position, error) {
	if price <= 0 {
		return domain.Position{}, fmt.Errorf("ledger: mark %s: price %.8f: %w", id, price, domain.ErrInvalidOrder)
	}
	l.mu.Lock()
	pos, ok := l.positions[id]
	if !ok {
		l.mu.Unlock()
		return domain.Position{}, fmt.Errorf("ledger: mark %s: %w", id, domain.ErrNotFound)
	}
	if !pos.IsOpen() {
		l.mu.Unlock()
		return domain.Position{}, fmt.Errorf("ledger: mark %s: %w", id, domain.ErrInvalidState)
	}
	pos.CurrentPrice = price
	pos.UnrealizedPnL = (price - pos.EntryPrice) * pos.Quantity
	out := *pos
	evt := l.eventLocked(domain.PositionMarked, out, l.now())
	listeners := l.listeners
	l.emitMu.Lock()
	l.mu.Unlock()

	l.emit(listeners, evt)
	return out, nil
}

// UpdateStopLoss overrides the stop-loss price of an OPEN position.
func (l *Ledger) UpdateStopLoss(id string, stopPrice float64) (domain.Position, error) {
	if stopPrice <= 0 {
		return domain.Position{}, fmt.Errorf("ledger: update stop loss %s: price %.8f: %w", id, stopPrice, domain.ErrInvalidOrder)
	}
	l.mu.Lock()
	pos, ok := l.positions[id]
	if !ok {
		l.mu.Unlock()
		return domain.Position{}, fmt.Errorf("ledger: update stop loss %s: %w", id, domain.ErrNotFound)
	}
	if !pos.IsOpen() {
		l.mu.Unlock()
		return domain.Position{}, fmt.Errorf("ledger: update stop loss %s: %w", id, domain.ErrInvalidState)
	}
	old := pos.StopLossPrice
	pos.StopLossPrice = stopPrice
	out := *pos
	evt := l.eventLocked(domain.PositionStopLossUpdated, out, l.now())
	listeners := l.listeners
	l.emitMu.Lock()
	l.mu.Unlock()

	l.logger.Info("ledger: stop loss updated",
		slog.String("position_id", id),
		slog.Float64("old", old),
		slog.Float64("new", stopPrice),
	)
	l.emit(listeners, evt)
	return out, nil
}

// ResetDailyCounters zeroes trades_today and realized_loss_today and starts
// a new trading day. The open position count reflects live state and is left
// untouched. Calling it twice in a row has the same effect as once.
func (l *Ledger) ResetDailyCounters() {
	l.mu.Lock()
	now := l.now()
	l.tradesToday = 0
	l.lossToday = 0
	l.day = StartOfDay(now)
	evt := l.eventLocked(domain.DailyCountersReset, domain.Position{}, now)
	listeners := l.listeners
	l.emitMu.Lock()
	l.mu.Unlock()

	l.logger.Info("ledger: daily counters reset", slog.Time("trading_day", evt.Risk.TradingDay))
	l.emit(listeners, evt)
}

// Restore seeds an empty ledger from persisted state after a restart: open
// positions are supervised again and today's counters are rebuilt from what
// was opened and closed since UTC midnight.
func (l *Ledger) Restore(open, closedToday []domain.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	day := StartOfDay(l.now())
	l.day = day
	for _, p := range append(append([]domain.Position(nil), open...), closedToday...) {
		if _, dup := l.positions[p.ID]; dup {
			continue
		}
		cp := clonePosition(&p)
		l.positions[cp.ID] = &cp
		l.seq = append(l.seq, cp.ID)
		if cp.OrderID != "" {
			l.byOrderID[cp.OrderID] = cp.ID
		}
		if cp.IsOpen() {
			l.openCount++
		}
		if !cp.OpenedAt.Before(day) {
			l.tradesToday++
		}
		if !cp.IsOpen() && cp.ClosedAt != nil && !cp.ClosedAt.Before(day) && cp.ClosePrice != nil {
			if loss := (cp.EntryPrice - *cp.ClosePrice) * cp.Quantity; loss > 0 {
				l.lossToday += loss
			}
		}
	}
	sort.SliceStable(l.seq, func(i, j int) bool {
		return l.positions[l.seq[i]].OpenedAt.Before(l.positions[l.seq[j]].OpenedAt)
	})

	l.logger.Info("ledger: restored",
		slog.Int("open", l.openCount),
		slog.Int("trades_today", l.tradesToday),
		slog.Float64("realized_loss_today", l.lossToday),
	)
}

// Get returns a copy of one position.
func (l *Ledger) Get(id string) (domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("ledger: get %s: %w", id, domain.ErrNotFound)
	}
	return clonePosition(pos), nil
}

// FindOpen returns the OPEN position holding symbol in direction, if any.
func (l *Ledger) FindOpen(symbol string, dir domain.Direction) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, id := range l.seq {
		p := l.positions[id]
		if p.IsOpen() && p.Symbol == symbol && p.Direction == dir {
			return clonePosition(p), true
		}
	}
	return domain.Position{}, false
}

// OpenPositions returns a point-in-time copy of every OPEN position, oldest
// first.
func (l *Ledger) OpenPositions() []domain.Position {
	return l.Positions(func(p domain.Position) bool { return p.IsOpen() })
}

// ClosedPositions returns copies of every closed position held in memory.
func (l *Ledger) ClosedPositions() []domain.Position {
	return l.Positions(func(p domain.Position) bool { return p.Status.IsTerminal() })
}

// Positions returns copies of the positions accepted by keep (all when nil),
// oldest first.
func (l *Ledger) Positions(keep func(domain.Position) bool) []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Position, 0, len(l.seq))
	for _, id := range l.seq {
		p := clonePosition(l.positions[id])
		if keep == nil || keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// RiskState returns the current counters and open exposure.
func (l *Ledger) RiskState() domain.RiskState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.riskStateLocked()
}

// Summary aggregates every position held in memory.
func (l *Ledger) Summary() domain.TradingSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := domain.TradingSummary{Risk: l.riskStateLocked()}
	for _, id := range l.seq {
		p := l.positions[id]
		s.TotalTrades++
		if p.IsOpen() {
			s.OpenPositions++
			s.UnrealizedPnL += p.UnrealizedPnL
			continue
		}
		s.ClosedTrades++
		s.RealizedPnL += p.RealizedPnL
		if p.RealizedPnL > 0 {
			s.Wins++
		} else {
			s.Losses++
		}
		switch p.Status {
		case domain.PositionClosedStopLoss:
			s.StopLossCloses++
		case domain.PositionClosedManual:
			s.ManualCloses++
		}
	}
	if s.ClosedTrades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.ClosedTrades)
	}
	return s
}

func (l *Ledger) riskStateLocked() domain.RiskState {
	exposure := make([]domain.Exposure, 0, l.openCount)
	for _, id := range l.seq {
		p := l.positions[id]
		if p.IsOpen() {
			exposure = append(exposure, domain.Exposure{Symbol: p.Symbol, Direction: p.Direction})
		}
	}
	return domain.RiskState{
		OpenPositionCount: l.openCount,
		TradesToday:       l.tradesToday,
		RealizedLossToday: l.lossToday,
		TradingDay:        l.day,
		OpenExposure:      exposure,
	}
}

func (l *Ledger) eventLocked(typ domain.PositionEventType, pos domain.Position, at time.Time) domain.PositionEvent {
	return domain.PositionEvent{Type: typ, Position: pos, Risk: l.riskStateLocked(), At: at}
}

// emit delivers evt and releases emitMu, which the mutator acquired before
// dropping mu so listeners observe events in mutation order.
func (l *Ledger) emit(listeners []Listener, evt domain.PositionEvent) {
	defer l.emitMu.Unlock()
	for _, ln := range listeners {
		ln.OnPositionEvent(evt)
	}
}

// clonePosition copies p including its pointer fields.
func clonePosition(p *domain.Position) domain.Position {
	out := *p
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		out.ClosedAt = &t
	}
	if p.ClosePrice != nil {
		v := *p.ClosePrice
		out.ClosePrice = &v
	}
	return out
}
