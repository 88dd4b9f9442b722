// Package feed delivers scored news from the ingestion collaborator to the
// executor.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// NewsFeed tails the news stream on the signal bus and forwards decoded
// envelopes on a channel. It starts at the stream position matching its
// start time so a restart never replays old news.
type NewsFeed struct {
	bus          domain.SignalBus
	stream       string
	out          chan domain.ScoredNews
	batch        int
	pollInterval time.Duration
	maxBackoff   time.Duration
	logger       *slog.Logger

	lastID string
}

// NewNewsFeed creates a NewsFeed reading stream with an output buffer of
// size buffer.
func NewNewsFeed(bus domain.SignalBus, stream string, buffer int, logger *slog.Logger) *NewsFeed {
	if stream == "" {
		stream = domain.StreamNews
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &NewsFeed{
		bus:          bus,
		stream:       stream,
		out:          make(chan domain.ScoredNews, buffer),
		batch:        50,
		pollInterval: 500 * time.Millisecond,
		maxBackoff:   30 * time.Second,
		logger:       logger.With(slog.String("component", "news_feed")),
		lastID:       StreamID(time.Now()),
	}
}

var errMissingID = errors.New("feed: decode: missing news id")

// StreamID returns the stream entry ID at t, usable as an exclusive start.
func StreamID(t time.Time) string {
	return fmt.Sprintf("%d-0", t.UnixMilli())
}

// News returns the channel decoded items are delivered on.
func (f *NewsFeed) News() <-chan domain.ScoredNews {
	return f.out
}

// Run polls the stream until ctx is cancelled. Read errors back off
// exponentially; malformed entries are skipped. The output channel is
// closed on return.
func (f *NewsFeed) Run(ctx context.Context) error {
	defer close(f.out)
	f.logger.Info("news feed started", slog.String("stream", f.stream), slog.String("from", f.lastID))
	defer f.logger.Info("news feed stopped")

	backoff := f.pollInterval
	for {
		msgs, err := f.bus.StreamRead(ctx, f.stream, f.lastID, f.batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.WarnContext(ctx, "news stream read failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff),
			)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, f.maxBackoff)
			continue
		}
		backoff = f.pollInterval

		for _, msg := range msgs {
			f.lastID = msg.ID
			item, err := Decode(msg.Payload)
			if err != nil {
				f.logger.WarnContext(ctx, "news entry skipped",
					slog.String("entry_id", msg.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			select {
			case f.out <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if len(msgs) < f.batch && !sleep(ctx, f.pollInterval) {
			return ctx.Err()
		}
	}
}

// Decode parses one stream payload.
func Decode(payload []byte) (domain.ScoredNews, error) {
	var item domain.ScoredNews
	if err := json.Unmarshal(payload, &item); err != nil {
		return item, fmt.Errorf("feed: decode: %w", err)
	}
	if item.News.ID == "" {
		return item, errMissingID
	}
	if item.Sentiment != nil && item.Sentiment.NewsID == "" {
		item.Sentiment.NewsID = item.News.ID
	}
	return item, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
