package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/ledger"
)

// OrderPlacer submits market orders and links them to positions.
type OrderPlacer interface {
	Place(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
	Link(ctx context.Context, orderID, positionID string) error
	Cancel(ctx context.Context, id string) (domain.Order, error)
}

// PositionService owns the exit path of a position: liquidation on
// stop-loss, a SELL signal or an operator request. It also serves position
// queries for the API.
type PositionService struct {
	ledger  *ledger.Ledger
	orders  OrderPlacer
	locks   domain.LockManager
	local   *LocalLocks
	history domain.PositionStore // optional
	quote   string
	lockTTL time.Duration
	logger  *slog.Logger
}

// NewPositionService creates a PositionService. When locks is nil, or fails
// for any reason other than a held key, an in-process lock is used; history
// may be nil.
func NewPositionService(
	l *ledger.Ledger,
	orders OrderPlacer,
	locks domain.LockManager,
	history domain.PositionStore,
	quote string,
	lockTTL time.Duration,
	logger *slog.Logger,
) *PositionService {
	local := NewLocalLocks()
	if locks == nil {
		locks = local
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &PositionService{
		ledger:  l,
		orders:  orders,
		locks:   locks,
		local:   local,
		history: history,
		quote:   quote,
		lockTTL: lockTTL,
		logger:  logger.With(slog.String("component", "position_service")),
	}
}

// Liquidate sells the full quantity of an OPEN position at market and closes
// it in the ledger with reason. Only one liquidation per position can be in
// flight: a concurrent attempt gets domain.ErrLockHeld, and an attempt on a
// position that is no longer OPEN gets domain.ErrInvalidState without
// submitting an order. If the ledger rejects the close because another path
// closed the position meanwhile, the fill is logged as a closure notice and
// domain.ErrInvalidState is returned.
func (s *PositionService) Liquidate(ctx context.Context, id string, reason domain.CloseReason) (domain.Position, error) {
	unlock, err := s.acquire(ctx, "lock:liquidate:"+id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: liquidate %s: %w", id, err)
	}
	defer unlock()

	pos, err := s.ledger.Get(id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: liquidate: %w", err)
	}
	if !pos.IsOpen() {
		return pos, fmt.Errorf("position_service: liquidate %s in status %s: %w", id, pos.Status, domain.ErrInvalidState)
	}

	order, err := s.orders.Place(ctx, domain.OrderRequest{
		Symbol:       pos.Symbol,
		Pair:         domain.TradePair(pos.Symbol, s.quote),
		Side:         domain.OrderSideSell,
		Quantity:     pos.Quantity,
		PositionID:   pos.ID,
		SourceNewsID: pos.SourceNewsID,
	})
	if err != nil {
		return pos, fmt.Errorf("position_service: liquidate %s: %w", id, err)
	}
	if order.Status == domain.OrderStatusPending {
		// Never leave an unconfirmed sell working behind the next cycle's retry.
		if _, cerr := s.orders.Cancel(ctx, order.ID); cerr != nil {
			s.logger.WarnContext(ctx, "position_service: cancel unconfirmed sell failed",
				slog.String("position_id", id),
				slog.String("order_id", order.ID),
				slog.String("error", cerr.Error()),
			)
		}
	}
	if order.Status != domain.OrderStatusFilled {
		return pos, fmt.Errorf("position_service: liquidate %s: sell %s: %s: %w", id, order.Status, order.Message, domain.ErrInvalidOrder)
	}

	closed, err := s.ledger.Close(id, order.FillPrice, reason)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			s.logger.WarnContext(ctx, "position_service: position closed concurrently, fill treated as closure notice",
				slog.String("position_id", id),
				slog.String("order_id", order.ID),
				slog.Float64("fill_price", order.FillPrice),
			)
		}
		return closed, fmt.Errorf("position_service: liquidate %s: %w", id, err)
	}

	s.logger.InfoContext(ctx, "position_service: position liquidated",
		slog.String("position_id", id),
		slog.String("symbol", closed.Symbol),
		slog.String("reason", string(reason)),
		slog.Float64("entry_price", closed.EntryPrice),
		slog.Float64("close_price", order.FillPrice),
		slog.Float64("realized_pnl", closed.RealizedPnL),
	)
	return closed, nil
}

// acquire takes key on the shared lock backend, falling back to the
// in-process table on any backend failure other than a held key.
func (s *PositionService) acquire(ctx context.Context, key string) (func(), error) {
	unlock, err := s.locks.Acquire(ctx, key, s.lockTTL)
	if err == nil || errors.Is(err, domain.ErrLockHeld) || s.locks == domain.LockManager(s.local) {
		return unlock, err
	}
	s.logger.WarnContext(ctx, "position_service: lock backend unavailable, using local lock",
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
	return s.local.Acquire(ctx, key, s.lockTTL)
}

// ClosePosition is the operator-triggered manual close.
func (s *PositionService) ClosePosition(ctx context.Context, id string) (domain.Position, error) {
	return s.Liquidate(ctx, id, domain.CloseReasonManual)
}

// UpdateStopLoss overrides the stop-loss threshold of an OPEN position.
func (s *PositionService) UpdateStopLoss(_ context.Context, id string, price float64) (domain.Position, error) {
	pos, err := s.ledger.UpdateStopLoss(id, price)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: update stop loss: %w", err)
	}
	return pos, nil
}

// Get returns one position from the ledger, or from history for positions
// the ledger no longer holds.
func (s *PositionService) Get(ctx context.Context, id string) (domain.Position, error) {
	pos, err := s.ledger.Get(id)
	if err == nil {
		return pos, nil
	}
	if s.history != nil && errors.Is(err, domain.ErrNotFound) {
		if pos, herr := s.history.GetByID(ctx, id); herr == nil {
			return pos, nil
		}
	}
	return domain.Position{}, fmt.Errorf("position_service: get: %w", err)
}

// List returns ledger positions filtered by status: "open", "closed" or
// anything else for all.
func (s *PositionService) List(_ context.Context, status string) []domain.Position {
	switch status {
	case "open":
		return s.ledger.OpenPositions()
	case "closed":
		return s.ledger.ClosedPositions()
	default:
		return s.ledger.Positions(nil)
	}
}

// History returns closed positions from the store, newest first, falling back
// to the ledger when no store is configured.
func (s *PositionService) History(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	if s.history == nil {
		closed := s.ledger.ClosedPositions()
		for i, j := 0, len(closed)-1; i < j; i, j = i+1, j-1 {
			closed[i], closed[j] = closed[j], closed[i]
		}
		return paginate(closed, opts), nil
	}
	out, err := s.history.ListHistory(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: history: %w", err)
	}
	return out, nil
}

// RiskState returns the current ledger snapshot.
func (s *PositionService) RiskState(_ context.Context) domain.RiskState {
	return s.ledger.RiskState()
}

// Summary returns the trading summary aggregate.
func (s *PositionService) Summary(_ context.Context) domain.TradingSummary {
	return s.ledger.Summary()
}

// LocalLocks is an in-process domain.LockManager. Acquire never waits: a
// held key returns domain.ErrLockHeld.
type LocalLocks struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLocalLocks creates an empty lock table.
func NewLocalLocks() *LocalLocks {
	return &LocalLocks{held: make(map[string]time.Time), now: time.Now}
}

// Acquire takes key for at most ttl.
func (l *LocalLocks) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, fmt.Errorf("local lock %s: %w", key, domain.ErrLockHeld)
	}
	exp := now.Add(ttl)
	l.held[key] = exp
	return func() {
		l.mu.Lock()
		if l.held[key].Equal(exp) {
			delete(l.held, key)
		}
		l.mu.Unlock()
	}, nil
}
