// Package platform holds the exchange backends and the guard that wraps
// them with request pacing, per-call timeouts and a circuit breaker.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/metrics"
)

// GuardConfig configures Guard.
type GuardConfig struct {
	Name              string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	BreakerFailures   int
	BreakerTimeout    time.Duration
}

// Guarded decorates a domain.Exchange. Every call waits for the rate
// limiter, runs under its own deadline and passes through a circuit breaker.
// Connectivity failures, timeouts and an open breaker surface as
// domain.ErrTransient; business errors pass through unchanged and do not
// count against the breaker.
type Guarded struct {
	inner   domain.Exchange
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// guardedBalances adds balance reads when the inner exchange supports them.
type guardedBalances struct {
	*Guarded
	reader domain.BalanceReader
}

// Guard wraps inner. The result implements domain.BalanceReader only when
// inner does.
func Guard(inner domain.Exchange, cfg GuardConfig, m *metrics.Metrics, logger *slog.Logger) domain.Exchange {
	g := newGuarded(inner, cfg, m, logger)
	if reader, ok := inner.(domain.BalanceReader); ok {
		return &guardedBalances{Guarded: g, reader: reader}
	}
	return g
}

func newGuarded(inner domain.Exchange, cfg GuardConfig, m *metrics.Metrics, logger *slog.Logger) *Guarded {
	if cfg.Name == "" {
		cfg.Name = "exchange"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = time.Minute
	}
	log := logger.With(slog.String("component", "exchange_guard"), slog.String("exchange", cfg.Name))

	failures := uint32(cfg.BreakerFailures)
	st := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !countsAsFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level := slog.LevelInfo
			if to == gobreaker.StateOpen {
				level = slog.LevelWarn
			}
			log.Log(context.Background(), level, "exchange circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}

	return &Guarded{
		inner:   inner,
		cb:      gobreaker.NewCircuitBreaker(st),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		timeout: cfg.Timeout,
		metrics: m,
		logger:  log,
	}
}

// PlaceOrder implements domain.Exchange.
func (g *Guarded) PlaceOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity float64) (domain.OrderResult, error) {
	v, err := g.call(ctx, "place_order", func(ctx context.Context) (any, error) {
		return g.inner.PlaceOrder(ctx, symbol, side, quantity)
	})
	if err != nil {
		return domain.OrderResult{}, err
	}
	return v.(domain.OrderResult), nil
}

// GetPrice implements domain.Exchange.
func (g *Guarded) GetPrice(ctx context.Context, symbol string) (float64, error) {
	v, err := g.call(ctx, "get_price", func(ctx context.Context) (any, error) {
		return g.inner.GetPrice(ctx, symbol)
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// CancelOrder implements domain.Exchange.
func (g *Guarded) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := g.call(ctx, "cancel_order", func(ctx context.Context) (any, error) {
		return nil, g.inner.CancelOrder(ctx, symbol, orderID)
	})
	return err
}

// QueryOrder implements domain.OrderQuerier. It fails with
// errors.ErrUnsupported when the inner exchange cannot report orders.
func (g *Guarded) QueryOrder(ctx context.Context, symbol, orderID string) (domain.OrderResult, error) {
	q, ok := g.inner.(domain.OrderQuerier)
	if !ok {
		return domain.OrderResult{}, fmt.Errorf("exchange: query order: %w", errors.ErrUnsupported)
	}
	v, err := g.call(ctx, "query_order", func(ctx context.Context) (any, error) {
		return q.QueryOrder(ctx, symbol, orderID)
	})
	if err != nil {
		return domain.OrderResult{}, err
	}
	return v.(domain.OrderResult), nil
}

// Balance implements domain.BalanceReader.
func (g *guardedBalances) Balance(ctx context.Context, asset string) (float64, error) {
	v, err := g.call(ctx, "balance", func(ctx context.Context) (any, error) {
		return g.reader.Balance(ctx, asset)
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// State returns the breaker state.
func (g *Guarded) State() gobreaker.State {
	return g.cb.State()
}

func (g *Guarded) call(ctx context.Context, op string, fn func(context.Context) (any, error)) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("exchange: %s: rate limiter: %w", op, domain.Transient(err))
	}

	start := time.Now()
	v, err := g.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	g.metrics.ObserveExchange(op, time.Since(start), err)
	if err == nil {
		return v, nil
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("exchange: %s: %w", op, domain.Transient(err))
	case countsAsFailure(err):
		g.logger.WarnContext(ctx, "exchange call failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("exchange: %s: %w", op, domain.Transient(err))
	default:
		return nil, fmt.Errorf("exchange: %s: %w", op, err)
	}
}

// countsAsFailure separates connectivity problems from answers the exchange
// gave on purpose.
func countsAsFailure(err error) bool {
	switch {
	case errors.Is(err, domain.ErrUnsupportedSymbol),
		errors.Is(err, domain.ErrInvalidOrder),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInsufficientBalance):
		return false
	}
	return true
}
