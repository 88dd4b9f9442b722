package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

type scriptedBus struct {
	mu      sync.Mutex
	batches [][]domain.StreamMessage
	errs    []error
	reads   []string
}

func (b *scriptedBus) StreamRead(_ context.Context, _ string, lastID string, _ int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads = append(b.reads, lastID)
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(b.batches) == 0 {
		return nil, nil
	}
	out := b.batches[0]
	b.batches = b.batches[1:]
	return out, nil
}

func (b *scriptedBus) Publish(context.Context, string, []byte) error { return nil }

func (b *scriptedBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *scriptedBus) StreamAppend(context.Context, string, []byte) error { return nil }

func TestDecode(t *testing.T) {
	item, err := Decode([]byte(`{"news":{"id":"n1","text":"BTC ETF approved","symbols_mentioned":["BTC"]},"sentiment":{"polarity":0.8,"confidence":0.9}}`))
	require.NoError(t, err)
	assert.Equal(t, "n1", item.News.ID)
	require.NotNil(t, item.Sentiment)
	assert.Equal(t, "n1", item.Sentiment.NewsID)

	item, err = Decode([]byte(`{"news":{"id":"n2"}}`))
	require.NoError(t, err)
	assert.Nil(t, item.Sentiment)

	_, err = Decode([]byte(`{"news":{}}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestStreamID(t *testing.T) {
	assert.Equal(t, "1700000000123-0", StreamID(time.UnixMilli(1700000000123)))
}

func TestRunForwardsAndAdvances(t *testing.T) {
	bus := &scriptedBus{
		errs: []error{errors.New("connection refused")},
		batches: [][]domain.StreamMessage{
			{
				{ID: "10-0", Payload: []byte(`{"news":{"id":"a"}}`)},
				{ID: "11-0", Payload: []byte(`garbage`)},
				{ID: "12-0", Payload: []byte(`{"news":{"id":"b"}}`)},
			},
		},
	}
	f := NewNewsFeed(bus, "", 8, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.pollInterval = time.Millisecond
	f.lastID = "0-0"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	var got []string
	for item := range f.News() {
		got = append(got, item.News.ID)
		if len(got) == 2 {
			cancel()
		}
	}
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []string{"a", "b"}, got)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.GreaterOrEqual(t, len(bus.reads), 2)
	assert.Equal(t, "0-0", bus.reads[0])
	if len(bus.reads) > 2 {
		assert.Equal(t, "12-0", bus.reads[2])
	}
}
