package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

type closedPositions struct {
	domain.PositionStore
	rows     []domain.Position
	from, to time.Time
}

func (s *closedPositions) ListClosedBetween(_ context.Context, from, to time.Time) ([]domain.Position, error) {
	s.from, s.to = from, to
	return s.rows, nil
}

type dayOrders struct {
	domain.OrderStore
	rows []domain.Order
	err  error
}

func (s *dayOrders) ListBetween(context.Context, time.Time, time.Time) ([]domain.Order, error) {
	return s.rows, s.err
}

type memBlobs struct {
	objects   map[string][]byte
	multipart int
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	m.multipart++
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestArchiveDayWritesJSONL(t *testing.T) {
	day := time.Date(2025, 3, 14, 17, 30, 0, 0, time.UTC)
	positions := &closedPositions{rows: []domain.Position{
		{ID: "p1", Symbol: "BTC", Status: domain.PositionClosedManual},
		{ID: "p2", Symbol: "ETH", Status: domain.PositionClosedManual},
	}}
	orders := &dayOrders{rows: []domain.Order{{ID: "o1", Symbol: "BTC"}}}
	blobs := newMemBlobs()

	a := NewDayArchiver(positions, orders, blobs, blobs, nil, discardLogger())
	n, err := a.ArchiveDay(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	assert.Equal(t, time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC), positions.from)
	assert.Equal(t, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), positions.to)

	raw, ok := blobs.objects["archive/positions/2025-03-14.jsonl"]
	require.True(t, ok)
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	var ids []string
	for scanner.Scan() {
		var p domain.Position
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &p))
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"p1", "p2"}, ids)
	assert.Contains(t, blobs.objects, "archive/orders/2025-03-14.jsonl")
	assert.Zero(t, blobs.multipart)
}

func TestArchiveDaySkipsExistingAndEmpty(t *testing.T) {
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	blobs := newMemBlobs()
	blobs.objects["archive/positions/2025-03-14.jsonl"] = []byte("{}\n")

	positions := &closedPositions{rows: []domain.Position{{ID: "p1"}}}
	a := NewDayArchiver(positions, &dayOrders{}, blobs, blobs, nil, discardLogger())

	n, err := a.ArchiveDay(context.Background(), day)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "{}\n", string(blobs.objects["archive/positions/2025-03-14.jsonl"]))
	assert.NotContains(t, blobs.objects, "archive/orders/2025-03-14.jsonl")
}

func TestArchiveDayQueryError(t *testing.T) {
	boom := errors.New("boom")
	a := NewDayArchiver(&closedPositions{}, &dayOrders{err: boom}, newMemBlobs(), newMemBlobs(), nil, discardLogger())

	_, err := a.ArchiveDay(context.Background(), time.Now())
	require.ErrorIs(t, err, boom)
	assert.True(t, strings.HasPrefix(err.Error(), "s3blob: archive orders query"))
}

func TestOpenDay(t *testing.T) {
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	blobs := newMemBlobs()
	blobs.objects["archive/orders/2025-03-14.jsonl"] = []byte("{\"id\":\"o1\"}\n")
	a := NewDayArchiver(&closedPositions{}, &dayOrders{}, blobs, blobs, nil, discardLogger())

	rc, err := a.OpenDay(context.Background(), "orders", day)
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	assert.Equal(t, "{\"id\":\"o1\"}\n", string(body))

	_, err = a.OpenDay(context.Background(), "trades", day)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("localhost:9000", false))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("http://minio:9000", true))
}
