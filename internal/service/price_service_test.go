package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

type fixedPrices map[string]float64

func (f fixedPrices) GetPrice(_ context.Context, symbol string) (float64, error) {
	p, ok := f[symbol]
	if !ok {
		return 0, errors.New("unknown symbol")
	}
	return p, nil
}

type memPriceCache struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (c *memPriceCache) SetPrice(_ context.Context, symbol string, price float64, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prices == nil {
		c.prices = make(map[string]float64)
	}
	c.prices[symbol] = price
	return nil
}

func (c *memPriceCache) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Time{}, nil
}

func (c *memPriceCache) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64)
	for _, s := range symbols {
		if p, ok := c.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

type capturingBus struct {
	domain.SignalBus
	mu       sync.Mutex
	channels []string
}

func (b *capturingBus) Publish(_ context.Context, channel string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append(b.channels, channel)
	return nil
}

func TestPriceServicePollSkipsFailingPair(t *testing.T) {
	cache := &memPriceCache{}
	bus := &capturingBus{}
	src := fixedPrices{"BTCUSDT": 45000, "ETHUSDT": 2500}
	svc := NewPriceService(src, cache, bus, nil, []string{"BTCUSDT", "ETHUSDT", "DOGEUSDT"}, time.Second, discardLogger())

	got := svc.Poll(context.Background())
	assert.Equal(t, map[string]float64{"BTCUSDT": 45000, "ETHUSDT": 2500}, got)
	assert.Len(t, bus.channels, 2)
	for _, ch := range bus.channels {
		assert.Equal(t, domain.ChannelPrices, ch)
	}

	latest, err := svc.Latest(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 45000, latest["BTCUSDT"], 1e-9)
	assert.NotContains(t, latest, "DOGEUSDT")
}

func TestPriceServiceLatestWithoutCache(t *testing.T) {
	svc := NewPriceService(fixedPrices{"SOLUSDT": 100}, nil, nil, nil, []string{"SOLUSDT"}, 0, discardLogger())
	latest, err := svc.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"SOLUSDT": 100}, latest)
}

func TestPriceServiceRunStopsOnCancel(t *testing.T) {
	cache := &memPriceCache{}
	svc := NewPriceService(fixedPrices{"SOLUSDT": 100}, cache, nil, nil, []string{"SOLUSDT"}, 10*time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, _, err := cache.GetPrice(context.Background(), "SOLUSDT")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("price service did not stop")
	}
}
