package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/ledger"
	"github.com/alanyoungcy/sentibot/internal/platform/paper"
)

type exitFixture struct {
	ledger    *ledger.Ledger
	exchange  *paper.Exchange
	orders    *OrderService
	positions *PositionService
	monitor   *StopLossMonitor
	closes    atomic.Int32
}

func newExitFixture(t *testing.T) *exitFixture {
	t.Helper()
	f := &exitFixture{}
	f.exchange = paper.New(paper.Config{
		QuoteAsset:     "USDT",
		InitialBalance: 1000,
		BasePrices:     map[string]float64{"SOLUSDT": 100, "BTCUSDT": 45000},
		Seed:           5,
	}, discardLogger())
	f.ledger = ledger.New(discardLogger())
	f.ledger.Subscribe(ledger.ListenerFunc(func(evt domain.PositionEvent) {
		if evt.Type == domain.PositionClosed {
			f.closes.Add(1)
		}
	}))
	f.orders = NewOrderService(f.exchange, nil, nil, nil, discardLogger())
	f.positions = NewPositionService(f.ledger, f.orders, nil, nil, "USDT", 0, discardLogger())
	f.monitor = NewStopLossMonitor(f.ledger, f.exchange, f.positions, nil, nil, "USDT", 0, discardLogger())
	return f
}

// open records a position as if an entry order filled and credits the
// simulated exchange with the bought quantity.
func (f *exitFixture) open(t *testing.T, symbol string, entry, qty float64) domain.Position {
	t.Helper()
	pos, err := f.ledger.Open(ledger.OpenRequest{
		Symbol:      symbol,
		Direction:   domain.DirectionBuy,
		EntryPrice:  entry,
		Quantity:    qty,
		StopLossPct: 0.10,
	})
	require.NoError(t, err)
	f.exchange.Deposit(symbol, qty)
	return pos
}

func TestStopLossLiquidatesAtThreshold(t *testing.T) {
	f := newExitFixture(t)
	pos := f.open(t, "SOL", 100, 2)
	require.InDelta(t, 90.0, pos.StopLossPrice, 1e-9)

	f.exchange.SetPrice("SOLUSDT", 85)
	rep := f.monitor.RunCycle(context.Background())
	assert.Equal(t, CycleReport{Checked: 1, Triggered: 1, Liquidated: 1}, rep)

	closed, err := f.ledger.Get(pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosedStopLoss, closed.Status)
	require.NotNil(t, closed.ClosePrice)
	assert.Equal(t, 85.0, *closed.ClosePrice)
	assert.InDelta(t, -30.0, closed.RealizedPnL, 1e-9)

	state := f.ledger.RiskState()
	assert.InDelta(t, 30.0, state.RealizedLossToday, 1e-9)
	assert.Zero(t, state.OpenPositionCount)

	rep = f.monitor.RunCycle(context.Background())
	assert.Zero(t, rep.Checked)
	assert.Equal(t, int32(1), f.closes.Load())
}

func TestStopLossHoldsAboveThreshold(t *testing.T) {
	f := newExitFixture(t)
	pos := f.open(t, "SOL", 100, 1)

	f.exchange.SetPrice("SOLUSDT", 90.01)
	rep := f.monitor.RunCycle(context.Background())
	assert.Equal(t, CycleReport{Checked: 1}, rep)

	got, err := f.ledger.Get(pos.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen())
	assert.Equal(t, 90.01, got.CurrentPrice)

	st := f.monitor.Status()
	require.Len(t, st.Watching, 1)
	assert.Equal(t, pos.ID, st.Watching[0].PositionID)
	assert.Equal(t, int64(1), st.Cycles)
	assert.NotNil(t, st.LastCycleAt)
}

func TestStopLossPriceFailureIsIsolated(t *testing.T) {
	f := newExitFixture(t)
	unpriced := f.open(t, "ADA", 1, 10)
	sol := f.open(t, "SOL", 100, 1)

	f.exchange.SetPrice("SOLUSDT", 80)
	rep := f.monitor.RunCycle(context.Background())
	assert.Equal(t, 2, rep.Checked)
	assert.Equal(t, 1, rep.PriceFailures)
	assert.Equal(t, 1, rep.Liquidated)

	got, err := f.ledger.Get(unpriced.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen())

	got, err = f.ledger.Get(sol.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosedStopLoss, got.Status)
	assert.Equal(t, int64(1), f.monitor.Status().PriceFailures)
}

func TestConcurrentExitsCloseOnce(t *testing.T) {
	f := newExitFixture(t)
	pos := f.open(t, "SOL", 100, 1)
	f.exchange.SetPrice("SOLUSDT", 85)

	ctx := context.Background()
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.monitor.RunCycle(ctx)
		}()
		go func() {
			defer wg.Done()
			_, _ = f.positions.ClosePosition(ctx, pos.ID)
		}()
	}
	wg.Wait()

	got, err := f.ledger.Get(pos.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.IsTerminal())
	assert.Equal(t, int32(1), f.closes.Load())
	assert.InDelta(t, 15.0, f.ledger.RiskState().RealizedLossToday, 1e-9)
	assert.Zero(t, f.ledger.RiskState().OpenPositionCount)
}

func TestLiquidateRejectsClosedPosition(t *testing.T) {
	f := newExitFixture(t)
	pos := f.open(t, "SOL", 100, 1)
	ctx := context.Background()

	closed, err := f.positions.ClosePosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosedManual, closed.Status)

	before, err := f.orders.List(ctx, domain.ListOpts{})
	require.NoError(t, err)

	_, err = f.positions.Liquidate(ctx, pos.ID, domain.CloseReasonStopLoss)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	after, err := f.orders.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	_, err = f.positions.Liquidate(ctx, "missing", domain.CloseReasonManual)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLiquidateHonoursHeldLock(t *testing.T) {
	f := newExitFixture(t)
	locks := NewLocalLocks()
	f.positions = NewPositionService(f.ledger, f.orders, locks, nil, "USDT", 0, discardLogger())
	pos := f.open(t, "SOL", 100, 1)
	ctx := context.Background()

	unlock, err := locks.Acquire(ctx, "lock:liquidate:"+pos.ID, 30*time.Second)
	require.NoError(t, err)

	_, err = f.positions.ClosePosition(ctx, pos.ID)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	_, err = f.positions.ClosePosition(ctx, pos.ID)
	assert.NoError(t, err)
}

type pendingPlacer struct {
	cancelled []string
}

func (p *pendingPlacer) Place(_ context.Context, req domain.OrderRequest) (domain.Order, error) {
	return domain.Order{ID: "ord-1", Pair: req.Pair, Side: req.Side, Quantity: req.Quantity, Status: domain.OrderStatusPending}, nil
}

func (p *pendingPlacer) Link(context.Context, string, string) error { return nil }

func (p *pendingPlacer) Cancel(_ context.Context, id string) (domain.Order, error) {
	p.cancelled = append(p.cancelled, id)
	return domain.Order{ID: id, Status: domain.OrderStatusCancelled}, nil
}

func TestLiquidateCancelsUnconfirmedSell(t *testing.T) {
	f := newExitFixture(t)
	placer := &pendingPlacer{}
	svc := NewPositionService(f.ledger, placer, nil, nil, "USDT", 0, discardLogger())
	pos := f.open(t, "SOL", 100, 1)

	_, err := svc.Liquidate(context.Background(), pos.ID, domain.CloseReasonStopLoss)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	assert.Equal(t, []string{"ord-1"}, placer.cancelled)

	got, err := f.ledger.Get(pos.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen())
}

type unreachableLocks struct{ calls atomic.Int32 }

func (u *unreachableLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	u.calls.Add(1)
	return nil, errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
}

func TestStopLossSurvivesLockBackendOutage(t *testing.T) {
	f := newExitFixture(t)
	locks := &unreachableLocks{}
	f.positions = NewPositionService(f.ledger, f.orders, locks, nil, "USDT", 0, discardLogger())
	f.monitor = NewStopLossMonitor(f.ledger, f.exchange, f.positions, nil, nil, "USDT", 0, discardLogger())
	pos := f.open(t, "SOL", 100, 1)
	f.exchange.SetPrice("SOLUSDT", 50)

	report := f.monitor.RunCycle(context.Background())
	assert.Equal(t, 1, report.Triggered)
	assert.Equal(t, 1, report.Liquidated)
	assert.Positive(t, locks.calls.Load())

	got, err := f.ledger.Get(pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosedStopLoss, got.Status)
	assert.Equal(t, int32(1), f.closes.Load())
}

func TestLocalFallbackStillSerializesLiquidations(t *testing.T) {
	f := newExitFixture(t)
	svc := NewPositionService(f.ledger, f.orders, &unreachableLocks{}, nil, "USDT", 0, discardLogger())
	pos := f.open(t, "SOL", 100, 1)

	unlock, err := svc.local.Acquire(context.Background(), "lock:liquidate:"+pos.ID, time.Minute)
	require.NoError(t, err)
	_, err = svc.ClosePosition(context.Background(), pos.ID)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	_, err = svc.ClosePosition(context.Background(), pos.ID)
	assert.NoError(t, err)
}

// zeroDefaultPrices quotes every pair from a map; unknown pairs quote zero.
type zeroDefaultPrices map[string]float64

func (p zeroDefaultPrices) GetPrice(_ context.Context, symbol string) (float64, error) {
	return p[symbol], nil
}

func TestStopLossNonPositivePriceCountsAsFailure(t *testing.T) {
	f := newExitFixture(t)
	monitor := NewStopLossMonitor(f.ledger, zeroDefaultPrices{"SOLUSDT": 0, "BTCUSDT": 40000}, f.positions, nil, nil, "USDT", 0, discardLogger())
	sol := f.open(t, "SOL", 100, 1)
	f.open(t, "BTC", 45000, 0.001)

	rep := monitor.RunCycle(context.Background())
	assert.Equal(t, CycleReport{Checked: 2, Triggered: 1, Liquidated: 1, PriceFailures: 1}, rep)
	assert.Equal(t, int64(1), monitor.Status().PriceFailures)

	got, err := f.ledger.Get(sol.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen())
	assert.Equal(t, 100.0, got.CurrentPrice)
}
