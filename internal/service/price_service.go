package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/metrics"
)

// PriceUpdate is published on the prices channel.
type PriceUpdate struct {
	Event     string    `json:"event"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// PriceService polls the exchange for every supported pair, keeps the price
// cache warm and publishes ticks for the dashboard. It never places orders.
type PriceService struct {
	prices   PriceSource
	cache    domain.PriceCache // optional
	bus      domain.SignalBus  // optional
	metrics  *metrics.Metrics
	pairs    []string
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewPriceService creates a PriceService for the given exchange pairs.
func NewPriceService(
	prices PriceSource,
	cache domain.PriceCache,
	bus domain.SignalBus,
	m *metrics.Metrics,
	pairs []string,
	interval time.Duration,
	logger *slog.Logger,
) *PriceService {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &PriceService{
		prices:   prices,
		cache:    cache,
		bus:      bus,
		metrics:  m,
		pairs:    pairs,
		interval: interval,
		logger:   logger.With(slog.String("component", "price_service")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until ctx is cancelled.
func (s *PriceService) Run(ctx context.Context) error {
	s.logger.Info("price_service: started",
		slog.Int("pairs", len(s.pairs)),
		slog.Duration("interval", s.interval),
	)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll fetches every pair concurrently and returns the prices that were
// observed. A failing pair is logged and skipped.
func (s *PriceService) Poll(ctx context.Context) map[string]float64 {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]float64, len(s.pairs))
	)
	for _, pair := range s.pairs {
		wg.Add(1)
		go func(pair string) {
			defer wg.Done()
			price, err := s.prices.GetPrice(ctx, pair)
			if err != nil {
				s.logger.DebugContext(ctx, "price_service: price unavailable",
					slog.String("symbol", pair),
					slog.String("error", err.Error()),
				)
				return
			}
			s.record(ctx, pair, price, s.now())
			mu.Lock()
			out[pair] = price
			mu.Unlock()
		}(pair)
	}
	wg.Wait()
	return out
}

// Observe records a price pushed by a streaming source.
func (s *PriceService) Observe(ctx context.Context, symbol string, price float64, ts time.Time) {
	if ts.IsZero() {
		ts = s.now()
	}
	s.record(ctx, symbol, price, ts)
}

func (s *PriceService) record(ctx context.Context, pair string, price float64, ts time.Time) {
	s.metrics.SetPrice(pair, price)

	if s.cache != nil {
		if err := s.cache.SetPrice(ctx, pair, price, ts); err != nil {
			s.logger.WarnContext(ctx, "price_service: cache price failed",
				slog.String("symbol", pair),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.bus != nil {
		payload, _ := json.Marshal(PriceUpdate{Event: "price_update", Symbol: pair, Price: price, Timestamp: ts})
		if err := s.bus.Publish(ctx, domain.ChannelPrices, payload); err != nil {
			s.logger.WarnContext(ctx, "price_service: publish price failed",
				slog.String("symbol", pair),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Latest returns the cached prices of the tracked pairs, falling back to a
// live poll when no cache is configured.
func (s *PriceService) Latest(ctx context.Context) (map[string]float64, error) {
	if s.cache == nil {
		return s.Poll(ctx), nil
	}
	return s.cache.GetPrices(ctx, s.pairs)
}
