package app

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentibot/internal/config"
	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/ledger"
)

func TestCloseReleasesBackendsOnceInReverse(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	a := New(&config.Config{Mode: "trade"}, logger)

	var order []string
	a.onClose(func() { order = append(order, "postgres") })
	a.onClose(func() { order = append(order, "redis") })

	l := ledger.New(logger)
	_, err := l.Open(ledger.OpenRequest{Symbol: "SOL", Direction: domain.DirectionBuy, EntryPrice: 100, Quantity: 1, StopLossPct: 0.1})
	require.NoError(t, err)
	a.track(l)

	a.Close()
	a.Close()

	assert.Equal(t, []string{"redis", "postgres"}, order)
	assert.Contains(t, buf.String(), "stopping with open positions")
	assert.Contains(t, buf.String(), "symbols=SOL")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("releasing backends")))
}

func TestCloseWithoutLedger(t *testing.T) {
	var buf bytes.Buffer
	a := New(&config.Config{Mode: "monitor"}, slog.New(slog.NewTextHandler(&buf, nil)))
	a.Close()
	assert.NotContains(t, buf.String(), "open positions")
	assert.Contains(t, buf.String(), "closers=0")
}
