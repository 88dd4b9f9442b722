package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/strategy"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls []string
	out   []strategy.Outcome
	err   error
}

func (f *fakeEngine) Evaluate(_ context.Context, news domain.NewsItem, _ *domain.SentimentScore) ([]strategy.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, news.ID)
	return f.out, f.err
}

type memNews struct {
	mu        sync.Mutex
	records   map[string]domain.NewsRecord
	triggered map[string]bool
}

func newMemNews() *memNews {
	return &memNews{records: map[string]domain.NewsRecord{}, triggered: map[string]bool{}}
}

func (m *memNews) Insert(_ context.Context, rec domain.NewsRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("news %s: %w", rec.ID, domain.ErrAlreadyExists)
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *memNews) MarkTriggered(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggered[id] = true
	return nil
}

func (m *memNews) ListRecent(context.Context, domain.ListOpts) ([]domain.NewsRecord, error) {
	return nil, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func scored(id string) domain.ScoredNews {
	return domain.ScoredNews{
		News:      domain.NewsItem{ID: id, Source: "wire", SymbolsMentioned: []string{"BTC"}},
		Sentiment: &domain.SentimentScore{NewsID: id, Polarity: 0.8, Confidence: 0.9, Method: "lexicon"},
	}
}

func TestProcessRecordsAndMarksTriggered(t *testing.T) {
	eng := &fakeEngine{out: []strategy.Outcome{{Action: strategy.ActionDenied}, {Action: strategy.ActionOpened}}}
	store := newMemNews()
	ex := NewExecutor(nil, eng, store, time.Minute, true, discard())

	outcomes := ex.Process(context.Background(), scored("n1"))
	assert.Len(t, outcomes, 2)

	rec, ok := store.records["n1"]
	require.True(t, ok)
	assert.Equal(t, 0.8, rec.Polarity)
	assert.Equal(t, "lexicon", rec.Method)
	assert.True(t, store.triggered["n1"])
}

func TestProcessDropsDuplicates(t *testing.T) {
	eng := &fakeEngine{}
	ex := NewExecutor(nil, eng, nil, time.Minute, true, discard())
	ctx := context.Background()

	ex.Process(ctx, scored("n1"))
	ex.Process(ctx, scored("n1"))
	ex.Process(ctx, scored("n2"))
	assert.Equal(t, []string{"n1", "n2"}, eng.calls)
}

func TestProcessAutoExecuteOff(t *testing.T) {
	eng := &fakeEngine{}
	store := newMemNews()
	ex := NewExecutor(nil, eng, store, time.Minute, false, discard())

	ex.Process(context.Background(), scored("n1"))
	assert.Empty(t, eng.calls)
	assert.Contains(t, store.records, "n1")
	assert.False(t, store.triggered["n1"])
}

func TestProcessSurvivesEngineErrors(t *testing.T) {
	eng := &fakeEngine{
		out: []strategy.Outcome{{Action: strategy.ActionFailed}},
		err: fmt.Errorf("price: %w", domain.ErrTransient),
	}
	store := newMemNews()
	ex := NewExecutor(nil, eng, store, time.Minute, true, discard())

	outcomes := ex.Process(context.Background(), scored("n1"))
	assert.Len(t, outcomes, 1)
	assert.False(t, store.triggered["n1"])
}

func TestRunStopsWhenChannelCloses(t *testing.T) {
	ch := make(chan domain.ScoredNews, 3)
	eng := &fakeEngine{}
	ex := NewExecutor(ch, eng, nil, time.Minute, true, discard())

	ch <- scored("a")
	ch <- scored("b")
	close(ch)

	require.NoError(t, ex.Run(context.Background()))
	assert.Equal(t, []string{"a", "b"}, eng.calls)
}

func TestDrainRecordsWithoutEvaluating(t *testing.T) {
	ch := make(chan domain.ScoredNews, 4)
	eng := &fakeEngine{out: []strategy.Outcome{{Action: strategy.ActionOpened}}}
	store := newMemNews()
	ex := NewExecutor(ch, eng, store, time.Minute, true, discard())

	ch <- scored("late-1")
	ch <- scored("late-2")
	ch <- scored("late-1")
	ch <- domain.ScoredNews{}
	ex.drain()

	assert.Empty(t, eng.calls)
	assert.Len(t, store.records, 2)
	assert.Contains(t, store.records, "late-1")
	assert.Contains(t, store.records, "late-2")
	assert.Empty(t, store.triggered)
	assert.Empty(t, ch)
}

func TestDedupExpires(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	assert.False(t, d.Seen("x"))
	assert.True(t, d.Seen("x"))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, d.Cleanup())
	assert.Zero(t, d.Len())
	assert.False(t, d.Seen("x"))
}
