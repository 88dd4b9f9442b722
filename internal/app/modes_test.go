package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/ledger"
)

type restoreStore struct {
	domain.PositionStore
	open     []domain.Position
	closed   []domain.Position
	openErr  error
	from, to time.Time
}

func (s *restoreStore) GetOpen(context.Context) ([]domain.Position, error) {
	return s.open, s.openErr
}

func (s *restoreStore) ListClosedBetween(_ context.Context, from, to time.Time) ([]domain.Position, error) {
	s.from, s.to = from, to
	return s.closed, nil
}

type deposits map[string]float64

func (d deposits) Deposit(asset string, amount float64) { d[asset] += amount }

func TestRestoreLedger(t *testing.T) {
	now := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)
	midnight := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	closedAt := now.Add(-time.Hour)
	closePrice := 90.0

	store := &restoreStore{
		open: []domain.Position{
			{ID: "p1", Symbol: "BTC", EntryPrice: 45000, Quantity: 0.0002, Status: domain.PositionOpen, OpenedAt: now.Add(-48 * time.Hour)},
			{ID: "p2", Symbol: "SOL", EntryPrice: 100, Quantity: 0.1, Status: domain.PositionOpen, OpenedAt: now.Add(-2 * time.Hour)},
		},
		closed: []domain.Position{
			{ID: "p3", Symbol: "ETH", EntryPrice: 100, Quantity: 2, Status: domain.PositionClosedStopLoss,
				OpenedAt: now.Add(-3 * time.Hour), ClosedAt: &closedAt, ClosePrice: &closePrice},
		},
	}
	l := ledger.New(slog.New(slog.NewTextHandler(io.Discard, nil)), ledger.WithClock(func() time.Time { return now }))
	px := deposits{}

	require.NoError(t, restoreLedger(context.Background(), store, l, px, now))

	assert.Equal(t, midnight, store.from)
	assert.Equal(t, now, store.to)

	rs := l.RiskState()
	assert.Equal(t, 2, rs.OpenPositionCount)
	assert.Equal(t, 2, rs.TradesToday)
	assert.InDelta(t, 20.0, rs.RealizedLossToday, 1e-9)
	assert.Equal(t, deposits{"BTC": 0.0002, "SOL": 0.1}, px)
}

func TestRestoreLedgerWithoutSimulator(t *testing.T) {
	store := &restoreStore{open: []domain.Position{{ID: "p1", Symbol: "BTC", EntryPrice: 1, Quantity: 1, Status: domain.PositionOpen}}}
	l := ledger.New(slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, restoreLedger(context.Background(), store, l, nil, time.Now().UTC()))
	assert.Equal(t, 1, l.RiskState().OpenPositionCount)
}

func TestRestoreLedgerStoreError(t *testing.T) {
	boom := errors.New("db down")
	store := &restoreStore{openErr: boom}
	l := ledger.New(slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := restoreLedger(context.Background(), store, l, nil, time.Now())
	require.ErrorIs(t, err, boom)
}
