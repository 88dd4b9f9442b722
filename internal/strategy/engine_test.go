package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/ledger"
	"github.com/alanyoungcy/sentibot/internal/platform/paper"
	"github.com/alanyoungcy/sentibot/internal/service"
)

type engineFixture struct {
	engine    *Engine
	ledger    *ledger.Ledger
	exchange  *paper.Exchange
	orders    *service.OrderService
	positions *service.PositionService
}

func newEngineFixture(t *testing.T, limits domain.RiskLimits) *engineFixture {
	t.Helper()
	return newEngineFixtureWith(t, limits, nil)
}

// newEngineFixtureWith routes orders through wrap(paper) when wrap is set.
func newEngineFixtureWith(t *testing.T, limits domain.RiskLimits, wrap func(*paper.Exchange) domain.Exchange) *engineFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pe := paper.New(paper.Config{
		QuoteAsset:     "USDT",
		InitialBalance: 1000,
		BasePrices:     map[string]float64{"BTCUSDT": 45000, "ETHUSDT": 2800, "SOLUSDT": 100},
		Seed:           1,
	}, logger)
	var ex domain.Exchange = pe
	if wrap != nil {
		ex = wrap(pe)
	}
	l := ledger.New(logger)
	orders := service.NewOrderService(ex, nil, nil, nil, logger)
	positions := service.NewPositionService(l, orders, nil, nil, "USDT", 0, logger)
	risk := service.NewRiskService(limits, logger)
	gen := NewGenerator(SignalConfig{SupportedCoins: []string{"BTC", "ETH", "SOL"}, MinSignalStrength: 0.5})

	eng := NewEngine(gen, risk, l, ex, orders, positions, EngineConfig{
		QuoteAsset:         "USDT",
		StopLossPercentage: 0.10,
		CheckBalance:       true,
		AmountFor:          func(string) float64 { return 10 },
		PrecisionFor: func(coin string) int {
			if coin == "BTC" {
				return 6
			}
			return 4
		},
	}, nil, logger)
	return &engineFixture{engine: eng, ledger: l, exchange: pe, orders: orders, positions: positions}
}

func defaultLimits() domain.RiskLimits {
	return domain.RiskLimits{MaxOpenPositions: 5, MaxDailyTrades: 20, DailyLossLimit: 100}
}

func bullish(id string, symbols ...string) (domain.NewsItem, *domain.SentimentScore) {
	return domain.NewsItem{ID: id, SymbolsMentioned: symbols}, &domain.SentimentScore{NewsID: id, Polarity: 0.8, Confidence: 0.9}
}

func bearish(id string, symbols ...string) (domain.NewsItem, *domain.SentimentScore) {
	return domain.NewsItem{ID: id, SymbolsMentioned: symbols}, &domain.SentimentScore{NewsID: id, Polarity: -0.8, Confidence: 0.9}
}

func TestEngineOpensPositionOnBuy(t *testing.T) {
	f := newEngineFixture(t, defaultLimits())

	news, score := bullish("n1", "BTC")
	outcomes, err := f.engine.Evaluate(context.Background(), news, score)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	out := outcomes[0]
	assert.Equal(t, ActionOpened, out.Action)
	assert.True(t, out.Traded())
	assert.NotEmpty(t, out.OrderID)

	pos, err := f.ledger.Get(out.PositionID)
	require.NoError(t, err)
	assert.Equal(t, "BTC", pos.Symbol)
	assert.Equal(t, 45000.0, pos.EntryPrice)
	assert.Equal(t, 0.000222, pos.Quantity)
	assert.InDelta(t, 40500.0, pos.StopLossPrice, 1e-6)
	assert.Equal(t, "n1", pos.SourceNewsID)

	state := f.ledger.RiskState()
	assert.Equal(t, 1, state.OpenPositionCount)
	assert.Equal(t, 1, state.TradesToday)
}

func TestEngineDeniesAtMaxPositions(t *testing.T) {
	f := newEngineFixture(t, domain.RiskLimits{MaxOpenPositions: 1, MaxDailyTrades: 20, DailyLossLimit: 100})
	ctx := context.Background()

	news, score := bullish("n1", "ETH")
	_, err := f.engine.Evaluate(ctx, news, score)
	require.NoError(t, err)
	before := f.ledger.RiskState()

	news, score = bullish("n2", "BTC")
	outcomes, err := f.engine.Evaluate(ctx, news, score)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ActionDenied, outcomes[0].Action)
	assert.Equal(t, domain.DenyMaxPositions, outcomes[0].Decision.Reason)
	assert.Empty(t, outcomes[0].OrderID)

	assert.Equal(t, before, f.ledger.RiskState())
	assert.Len(t, f.ledger.OpenPositions(), 1)
}

func TestEngineDeniesDuplicateBuy(t *testing.T) {
	f := newEngineFixture(t, defaultLimits())
	ctx := context.Background()

	news, score := bullish("n1", "SOL")
	_, err := f.engine.Evaluate(ctx, news, score)
	require.NoError(t, err)

	news, score = bullish("n2", "SOL")
	outcomes, err := f.engine.Evaluate(ctx, news, score)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.DenyDuplicatePosition, outcomes[0].Decision.Reason)
}

func TestEngineSellWithoutPositionIsIgnored(t *testing.T) {
	f := newEngineFixture(t, defaultLimits())

	news, score := bearish("n1", "BTC")
	outcomes, err := f.engine.Evaluate(context.Background(), news, score)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ActionIgnored, outcomes[0].Action)
	assert.False(t, outcomes[0].Traded())
	assert.Empty(t, f.ledger.Positions(nil))
	assert.Zero(t, f.ledger.RiskState().TradesToday)
}

func TestEngineSellClosesOpenPosition(t *testing.T) {
	f := newEngineFixture(t, defaultLimits())
	ctx := context.Background()

	news, score := bullish("n1", "SOL")
	opened, err := f.engine.Evaluate(ctx, news, score)
	require.NoError(t, err)
	posID := opened[0].PositionID

	f.exchange.SetPrice("SOLUSDT", 110)
	news, score = bearish("n2", "SOL")
	outcomes, err := f.engine.Evaluate(ctx, news, score)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ActionClosed, outcomes[0].Action)
	assert.Equal(t, posID, outcomes[0].PositionID)

	pos, err := f.ledger.Get(posID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosedManual, pos.Status)
	assert.InDelta(t, 1.0, pos.RealizedPnL, 1e-9)
	assert.Zero(t, f.ledger.RiskState().RealizedLossToday)
}

func TestEnginePauseBlocksEntriesOnly(t *testing.T) {
	f := newEngineFixture(t, defaultLimits())
	ctx := context.Background()

	news, score := bullish("n1", "SOL")
	_, err := f.engine.Evaluate(ctx, news, score)
	require.NoError(t, err)

	f.engine.Pause()
	assert.False(t, f.engine.TradingEnabled())

	news, score = bullish("n2", "ETH")
	outcomes, err := f.engine.Evaluate(ctx, news, score)
	require.NoError(t, err)
	assert.Equal(t, ActionPaused, outcomes[0].Action)

	news, score = bearish("n3", "SOL")
	outcomes, err = f.engine.Evaluate(ctx, news, score)
	require.NoError(t, err)
	assert.Equal(t, ActionClosed, outcomes[0].Action)

	f.engine.Resume()
	news, score = bullish("n4", "ETH")
	outcomes, err = f.engine.Evaluate(ctx, news, score)
	require.NoError(t, err)
	assert.Equal(t, ActionOpened, outcomes[0].Action)
}

func TestEngineInsufficientBalance(t *testing.T) {
	f := newEngineFixture(t, defaultLimits())
	f.engine.cfg.AmountFor = func(string) float64 { return 5000 }

	news, score := bullish("n1", "SOL")
	outcomes, err := f.engine.Evaluate(context.Background(), news, score)
	require.NoError(t, err)
	assert.Equal(t, ActionDenied, outcomes[0].Action)
	assert.Equal(t, domain.DenyInsufficientBalance, outcomes[0].Decision.Reason)
	assert.Empty(t, f.ledger.Positions(nil))
}

func TestEngineUnknownPriceIsTransient(t *testing.T) {
	f := newEngineFixture(t, defaultLimits())
	f.engine.gen = NewGenerator(SignalConfig{SupportedCoins: []string{"ADA"}, MinSignalStrength: 0.5})

	news, score := bullish("n1", "ADA")
	outcomes, err := f.engine.Evaluate(context.Background(), news, score)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, ActionFailed, outcomes[0].Action)
	assert.Empty(t, f.ledger.Positions(nil))
}

func TestRecentOutcomesNewestFirst(t *testing.T) {
	f := newEngineFixture(t, defaultLimits())
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		news, score := bearish(id, "BTC")
		_, err := f.engine.Evaluate(ctx, news, score)
		require.NoError(t, err)
	}
	got := f.engine.RecentOutcomes(2)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].Signal.SourceNewsID)
	assert.Equal(t, "b", got[1].Signal.SourceNewsID)
}

// scriptedExchange answers order calls from a script and everything else
// from the embedded paper exchange.
type scriptedExchange struct {
	*paper.Exchange

	mu        sync.Mutex
	placeRes  domain.OrderResult
	placeErr  error
	cancelErr error
	queryRes  domain.OrderResult
	cancels   []string
}

func (s *scriptedExchange) PlaceOrder(context.Context, string, domain.OrderSide, float64) (domain.OrderResult, error) {
	return s.placeRes, s.placeErr
}

func (s *scriptedExchange) CancelOrder(_ context.Context, _, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, orderID)
	return s.cancelErr
}

func (s *scriptedExchange) QueryOrder(context.Context, string, string) (domain.OrderResult, error) {
	return s.queryRes, nil
}

func scripted(s *scriptedExchange) func(*paper.Exchange) domain.Exchange {
	return func(pe *paper.Exchange) domain.Exchange {
		s.Exchange = pe
		return s
	}
}

func TestEngineCancelsUnconfirmedBuy(t *testing.T) {
	ex := &scriptedExchange{placeRes: domain.OrderResult{OrderID: "bx-1", Status: domain.OrderStatusPending}}
	f := newEngineFixtureWith(t, defaultLimits(), scripted(ex))

	news, score := bullish("n1", "SOL")
	outcomes, err := f.engine.Evaluate(context.Background(), news, score)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ActionRejected, outcomes[0].Action)
	assert.Equal(t, []string{"bx-1"}, ex.cancels)

	order, err := f.orders.Get(context.Background(), outcomes[0].OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
	assert.Empty(t, f.ledger.Positions(nil))
	assert.Zero(t, f.ledger.RiskState().TradesToday)
}

func TestEngineOpensFromLateFill(t *testing.T) {
	ex := &scriptedExchange{
		placeRes:  domain.OrderResult{OrderID: "bx-2", Status: domain.OrderStatusPending},
		cancelErr: fmt.Errorf("order already filled: %w", domain.ErrInvalidState),
		queryRes:  domain.OrderResult{OrderID: "bx-2", Status: domain.OrderStatusFilled, FillPrice: 101, FilledQty: 0.099},
	}
	f := newEngineFixtureWith(t, defaultLimits(), scripted(ex))

	news, score := bullish("n1", "SOL")
	outcomes, err := f.engine.Evaluate(context.Background(), news, score)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	out := outcomes[0]
	assert.Equal(t, ActionOpened, out.Action)
	assert.Equal(t, []string{"bx-2"}, ex.cancels)

	pos, err := f.ledger.Get(out.PositionID)
	require.NoError(t, err)
	assert.Equal(t, 101.0, pos.EntryPrice)
	assert.Equal(t, 0.099, pos.Quantity)

	order, err := f.orders.Get(context.Background(), out.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.Equal(t, pos.ID, order.LinkedPositionID)
}

func TestEngineUnsettledBuyFails(t *testing.T) {
	ex := &scriptedExchange{
		placeRes:  domain.OrderResult{OrderID: "bx-3", Status: domain.OrderStatusPending},
		cancelErr: fmt.Errorf("cancel: %w", domain.ErrTransient),
	}
	f := newEngineFixtureWith(t, defaultLimits(), scripted(ex))

	news, score := bullish("n1", "SOL")
	outcomes, err := f.engine.Evaluate(context.Background(), news, score)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, ActionFailed, outcomes[0].Action)
	assert.Empty(t, f.ledger.Positions(nil))
}

func TestEnginePlaceTransportErrorIsTransient(t *testing.T) {
	ex := &scriptedExchange{placeErr: errors.New("dial tcp 10.0.0.1:443: i/o timeout")}
	f := newEngineFixtureWith(t, defaultLimits(), scripted(ex))

	news, score := bullish("n1", "ETH")
	outcomes, err := f.engine.Evaluate(context.Background(), news, score)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ActionFailed, outcomes[0].Action)
	require.NotEmpty(t, outcomes[0].OrderID)
	assert.Empty(t, f.ledger.Positions(nil))
	assert.Zero(t, f.ledger.RiskState().TradesToday)

	order, err := f.orders.Get(context.Background(), outcomes[0].OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, order.Status)
	assert.Contains(t, order.Message, "i/o timeout")
}

func TestEngineConcurrentEntriesRespectMaxPositions(t *testing.T) {
	f := newEngineFixture(t, domain.RiskLimits{MaxOpenPositions: 1, MaxDailyTrades: 20, DailyLossLimit: 100})
	coins := []string{"BTC", "ETH", "SOL"}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		opened int
		denied int
	)
	for i := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			news, score := bullish(fmt.Sprintf("n%d", i), coins[i%len(coins)])
			outcomes, err := f.engine.Evaluate(context.Background(), news, score)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, out := range outcomes {
				switch out.Action {
				case ActionOpened:
					opened++
				case ActionDenied:
					denied++
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, opened)
	assert.Equal(t, 11, denied)
	assert.Len(t, f.ledger.OpenPositions(), 1)
	assert.Equal(t, 1, f.ledger.RiskState().OpenPositionCount)
	assert.Equal(t, 1, f.ledger.RiskState().TradesToday)
}
