package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per trading pair at
// "price:{PAIR}" holding "price" and "ts" (Unix milliseconds). Entries expire
// after ttl so a stalled monitor never serves stale marks forever.
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. A zero ttl keeps entries forever.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), ttl: ttl}
}

func priceKey(symbol string) string {
	return "price:" + symbol
}

// SetPrice stores the latest price of symbol.
func (pc *PriceCache) SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error {
	key := priceKey(symbol)
	_, err := pc.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"price", strconv.FormatFloat(price, 'f', -1, 64),
			"ts", strconv.FormatInt(ts.UnixMilli(), 10),
		)
		if pc.ttl > 0 {
			pipe.Expire(ctx, key, pc.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}

// GetPrice returns the cached price of symbol and when it was observed, or
// domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(symbol)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	price, ts, err := parsePrice(vals)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	return price, ts, nil
}

// GetPrices returns the cached prices of symbols in one round trip. Missing
// or malformed entries are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(symbols))
	for i, s := range symbols {
		cmds[i] = pipe.HGetAll(ctx, priceKey(s))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices: %w", err)
	}
	for i, cmd := range cmds {
		if price, _, err := parsePrice(cmd.Val()); err == nil {
			out[symbols[i]] = price
		}
	}
	return out, nil
}

func parsePrice(vals map[string]string) (float64, time.Time, error) {
	raw, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse price %q: %w", raw, err)
	}
	var ts time.Time
	if ms, err := strconv.ParseInt(vals["ts"], 10, 64); err == nil {
		ts = time.UnixMilli(ms).UTC()
	}
	return price, ts, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
