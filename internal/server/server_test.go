package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentibot/internal/crypto"
	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/ledger"
	"github.com/alanyoungcy/sentibot/internal/metrics"
	"github.com/alanyoungcy/sentibot/internal/platform/paper"
	"github.com/alanyoungcy/sentibot/internal/server/handler"
	"github.com/alanyoungcy/sentibot/internal/service"
	"github.com/alanyoungcy/sentibot/internal/strategy"
)

type memStream struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (m *memStream) StreamAppend(_ context.Context, _ string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, payload)
	return nil
}

type apiFixture struct {
	handler http.Handler
	engine  *strategy.Engine
	ledger  *ledger.Ledger
	stream  *memStream
	signer  *crypto.WebhookSigner
}

func newAPIFixture(t *testing.T, apiKey string) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ex := paper.New(paper.Config{
		QuoteAsset:     "USDT",
		InitialBalance: 1000,
		BasePrices:     map[string]float64{"BTCUSDT": 45000, "ETHUSDT": 2800},
		Seed:           1,
	}, logger)
	l := ledger.New(logger)
	orders := service.NewOrderService(ex, nil, nil, nil, logger)
	positions := service.NewPositionService(l, orders, nil, nil, "USDT", 0, logger)
	risk := service.NewRiskService(domain.RiskLimits{MaxOpenPositions: 5, MaxDailyTrades: 20, DailyLossLimit: 100}, logger)
	gen := strategy.NewGenerator(strategy.SignalConfig{SupportedCoins: []string{"BTC", "ETH"}, MinSignalStrength: 0.5})
	eng := strategy.NewEngine(gen, risk, l, ex, orders, positions, strategy.EngineConfig{
		QuoteAsset:         "USDT",
		StopLossPercentage: 0.10,
		AmountFor:          func(string) float64 { return 10 },
		PrecisionFor:       func(string) int { return 6 },
	}, nil, logger)
	monitor := service.NewStopLossMonitor(l, ex, positions, nil, nil, "USDT", time.Second, logger)
	prices := service.NewPriceService(ex, nil, nil, nil, []string{"BTCUSDT", "ETHUSDT"}, time.Second, logger)

	stream := &memStream{}
	signer := crypto.NewWebhookSigner("hook-secret")
	h := NewHandler(Config{APIKey: apiKey}, Handlers{
		Health:    handler.NewHealthHandler(nil, logger),
		Status:    handler.NewStatusHandler("trade", "paper", time.Now(), eng.TradingEnabled, positions, map[string]string{"mode": "trade"}),
		Positions: handler.NewPositionHandler(positions, logger),
		Orders:    handler.NewOrderHandler(orders, logger),
		News:      handler.NewNewsHandler(stream, domain.StreamNews, signer, nil, logger),
		Trading:   handler.NewTradingHandler(eng, false, logger),
		StopLoss:  handler.NewStopLossHandler(monitor),
		Prices:    handler.NewPriceHandler(prices, logger),
		Metrics:   metrics.New().Handler(),
	}, nil, nil, logger)

	return &apiFixture{handler: h, engine: eng, ledger: l, stream: stream, signer: signer}
}

func (f *apiFixture) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) openBTC(t *testing.T) domain.Position {
	t.Helper()
	out, err := f.engine.Evaluate(context.Background(),
		domain.NewsItem{ID: "n1", SymbolsMentioned: []string{"BTC"}},
		&domain.SentimentScore{NewsID: "n1", Polarity: 0.8, Confidence: 0.9},
	)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, strategy.ActionOpened, out[0].Action)
	pos, err := f.ledger.Get(out[0].PositionID)
	require.NoError(t, err)
	return pos
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestPositionLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t, "")
	pos := f.openBTC(t)

	rec := f.do(t, http.MethodGet, "/api/positions?status=open", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct{ Positions []domain.Position }](t, rec)
	require.Len(t, list.Positions, 1)
	assert.Equal(t, pos.ID, list.Positions[0].ID)

	rec = f.do(t, http.MethodPut, "/api/positions/"+pos.ID+"/stop-loss", `{"stop_loss_price":0}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/positions/"+pos.ID+"/stop-loss", `{"stop_loss_price":41000}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 41000, decode[domain.Position](t, rec).StopLossPrice, 1e-9)

	rec = f.do(t, http.MethodPost, "/api/positions/"+pos.ID+"/close", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.PositionClosedManual, decode[domain.Position](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/positions/"+pos.ID+"/close", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/positions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[domain.TradingSummary](t, rec)
	assert.Equal(t, 1, summary.ClosedTrades)
	assert.Equal(t, 1, summary.ManualCloses)
	assert.Zero(t, summary.OpenPositions)

	rec = f.do(t, http.MethodGet, "/api/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[struct{ Orders []domain.Order }](t, rec).Orders, 2)
}

func TestRejectsUnknownPositionStatusFilter(t *testing.T) {
	f := newAPIFixture(t, "")
	rec := f.do(t, http.MethodGet, "/api/positions?status=pending", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthExemptsProbesAndSignedNews(t *testing.T) {
	f := newAPIFixture(t, "k")

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/health", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/risk", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/risk", "", "Authorization", "Bearer k").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/risk", "", "X-API-Key", "k").Code)

	body := `{"news":{"id":"n9","text":"BTC ETF approved","symbols_mentioned":["BTC"]},"sentiment":{"polarity":0.7,"confidence":0.8}}`
	rec := f.do(t, http.MethodPost, "/api/news", body, handler.SignatureHeader, f.signer.Sign([]byte(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestNewsIngest(t *testing.T) {
	f := newAPIFixture(t, "")
	body := `{"news":{"id":"n9","text":"BTC ETF approved","symbols_mentioned":["BTC"]},"sentiment":{"polarity":0.7,"confidence":0.8}}`

	rec := f.do(t, http.MethodPost, "/api/news", body, handler.SignatureHeader, "sha256=00")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.stream.payloads)

	bad := `{"news":{"text":"no id"}}`
	rec = f.do(t, http.MethodPost, "/api/news", bad, handler.SignatureHeader, f.signer.Sign([]byte(bad)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/news", body, handler.SignatureHeader, f.signer.Sign([]byte(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.stream.payloads, 1)

	var queued domain.ScoredNews
	require.NoError(t, json.Unmarshal(f.stream.payloads[0], &queued))
	assert.Equal(t, "n9", queued.News.ID)
	require.NotNil(t, queued.Sentiment)
	assert.Equal(t, "n9", queued.Sentiment.NewsID)
	assert.False(t, queued.News.PublishedAt.IsZero())

	rec = f.do(t, http.MethodGet, "/api/news", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"news":[]}`, rec.Body.String())
}

func TestTradingToggle(t *testing.T) {
	f := newAPIFixture(t, "")

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/trading/pause", "").Code)
	assert.False(t, f.engine.TradingEnabled())

	rec := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[domain.BotStatus](t, rec)
	assert.False(t, status.TradingEnabled)
	assert.Equal(t, "paper", status.Exchange)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/trading/resume", "").Code)
	assert.True(t, f.engine.TradingEnabled())
}

func TestStopLossStatusAndSignals(t *testing.T) {
	f := newAPIFixture(t, "")
	f.openBTC(t)

	rec := f.do(t, http.MethodGet, "/api/stop-loss/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[domain.MonitorStatus](t, rec)
	assert.False(t, st.Running)
	assert.NotNil(t, st.Watching)

	rec = f.do(t, http.MethodGet, "/api/signals?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	signals := decode[struct{ Signals []strategy.Outcome }](t, rec)
	require.Len(t, signals.Signals, 1)
	assert.Equal(t, strategy.ActionOpened, signals.Signals[0].Action)
}

func TestPricesTicker(t *testing.T) {
	f := newAPIFixture(t, "")
	rec := f.do(t, http.MethodGet, "/api/prices", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Prices map[string]float64 `json:"prices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Prices, 2)
	assert.Greater(t, body.Prices["BTCUSDT"], 0.0)
}

func TestCORSPreflight(t *testing.T) {
	f := newAPIFixture(t, "k")
	rec := f.do(t, http.MethodOptions, "/api/positions", "", "Origin", "http://dash.local")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://dash.local", rec.Header().Get("Access-Control-Allow-Origin"))
}
