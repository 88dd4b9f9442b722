// Package paper is the simulated exchange backend. Orders fill immediately
// at the current simulated price against in-memory balances.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// Config holds the simulation parameters.
type Config struct {
	QuoteAsset     string
	InitialBalance float64
	BasePrices     map[string]float64 // by pair, e.g. BTCUSDT
	// Volatility is the maximum relative deviation from the base price on
	// each quote; 0 makes prices fixed.
	Volatility  float64
	SlippageBps float64
	Seed        uint64
}

// Exchange implements domain.Exchange, domain.BalanceReader and
// domain.OrderQuerier.
type Exchange struct {
	quote    string
	vol      float64
	slippage float64
	logger   *slog.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	prices   map[string]float64
	balances map[string]float64
	orders   map[string]domain.OrderResult
	newID    func() string
}

// New creates a simulated exchange funded with cfg.InitialBalance of the
// quote asset.
func New(cfg Config, logger *slog.Logger) *Exchange {
	quote := strings.ToUpper(cfg.QuoteAsset)
	if quote == "" {
		quote = "USDT"
	}
	prices := make(map[string]float64, len(cfg.BasePrices))
	for k, v := range cfg.BasePrices {
		prices[strings.ToUpper(k)] = v
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Exchange{
		quote:    quote,
		vol:      cfg.Volatility,
		slippage: cfg.SlippageBps / 10_000,
		logger:   logger.With(slog.String("component", "paper_exchange")),
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		prices:   prices,
		balances: map[string]float64{quote: cfg.InitialBalance},
		orders:   make(map[string]domain.OrderResult),
		newID:    uuid.NewString,
	}
}

// GetPrice returns the base price of symbol perturbed by up to ±volatility.
func (e *Exchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("paper: price %s: %w", symbol, domain.Transient(err))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quoteLocked(symbol)
}

func (e *Exchange) quoteLocked(symbol string) (float64, error) {
	base, ok := e.prices[strings.ToUpper(symbol)]
	if !ok || base <= 0 {
		return 0, fmt.Errorf("paper: price %s: %w", symbol, domain.ErrUnsupportedSymbol)
	}
	if e.vol == 0 {
		return base, nil
	}
	return base * (1 + (e.rng.Float64()*2-1)*e.vol), nil
}

// SetPrice pins the base price of symbol.
func (e *Exchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	e.prices[strings.ToUpper(symbol)] = price
	e.mu.Unlock()
}

// PlaceOrder fills a market order immediately. Orders the balances cannot
// cover are returned REJECTED.
func (e *Exchange) PlaceOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity float64) (domain.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderResult{}, fmt.Errorf("paper: place %s: %w", symbol, domain.Transient(err))
	}
	if quantity <= 0 {
		return domain.OrderResult{}, fmt.Errorf("paper: place %s qty %f: %w", symbol, quantity, domain.ErrInvalidOrder)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	price, err := e.quoteLocked(symbol)
	if err != nil {
		return domain.OrderResult{}, err
	}
	base := strings.TrimSuffix(strings.ToUpper(symbol), e.quote)
	res := domain.OrderResult{OrderID: e.newID()}

	switch side {
	case domain.OrderSideBuy:
		fill := price * (1 + e.slippage)
		cost := fill * quantity
		if e.balances[e.quote] < cost {
			res.Status = domain.OrderStatusRejected
			res.Message = fmt.Sprintf("insufficient %s balance: have %.4f, need %.4f", e.quote, e.balances[e.quote], cost)
			break
		}
		e.balances[e.quote] -= cost
		e.balances[base] += quantity
		res.Status, res.FillPrice, res.FilledQty = domain.OrderStatusFilled, fill, quantity
	case domain.OrderSideSell:
		fill := price * (1 - e.slippage)
		held := e.balances[base]
		if held < quantity && !nearlyEqual(held, quantity) {
			res.Status = domain.OrderStatusRejected
			res.Message = fmt.Sprintf("insufficient %s balance: have %g, need %g", base, held, quantity)
			break
		}
		e.balances[base] = math.Max(0, held-quantity)
		e.balances[e.quote] += fill * quantity
		res.Status, res.FillPrice, res.FilledQty = domain.OrderStatusFilled, fill, quantity
	default:
		return domain.OrderResult{}, fmt.Errorf("paper: side %q: %w", side, domain.ErrInvalidOrder)
	}

	e.orders[res.OrderID] = res
	e.logger.Debug("paper: order executed",
		slog.String("order_id", res.OrderID),
		slog.String("symbol", symbol),
		slog.String("side", string(side)),
		slog.Float64("quantity", quantity),
		slog.Float64("price", res.FillPrice),
		slog.String("status", string(res.Status)),
	)
	return res, nil
}

// CancelOrder always fails: simulated orders are final on submission.
func (e *Exchange) CancelOrder(_ context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.orders[orderID]; !ok {
		return fmt.Errorf("paper: cancel %s %s: %w", symbol, orderID, domain.ErrNotFound)
	}
	return fmt.Errorf("paper: cancel %s %s: already final: %w", symbol, orderID, domain.ErrInvalidState)
}

// QueryOrder returns the recorded result of a simulated order.
func (e *Exchange) QueryOrder(_ context.Context, symbol, orderID string) (domain.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.orders[orderID]
	if !ok {
		return domain.OrderResult{}, fmt.Errorf("paper: query %s %s: %w", symbol, orderID, domain.ErrNotFound)
	}
	return res, nil
}

// Balance returns the free balance of asset.
func (e *Exchange) Balance(_ context.Context, asset string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[strings.ToUpper(asset)], nil
}

// Balances returns a copy of all non-zero balances.
func (e *Exchange) Balances() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.balances))
	for k, v := range e.balances {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}

// Deposit credits amount of asset, used to re-seed holdings of positions
// restored after a restart.
func (e *Exchange) Deposit(asset string, amount float64) {
	e.mu.Lock()
	e.balances[strings.ToUpper(asset)] += amount
	e.mu.Unlock()
}

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}
