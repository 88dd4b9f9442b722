package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Public spot stream endpoints.
const (
	MainnetStreamURL = "wss://stream.bybit.com/v5/public/spot"
	TestnetStreamURL = "wss://stream-testnet.bybit.com/v5/public/spot"
)

const (
	writeWait = 10 * time.Second

	// Bybit drops idle public connections after 30s without a ping.
	pingPeriod = 20 * time.Second
	readWait   = 2 * pingPeriod

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// TickerHandler receives the last traded price of a pair.
type TickerHandler func(ctx context.Context, symbol string, price float64, ts time.Time)

// TickerStream follows the public spot tickers topic for a set of pairs and
// reconnects with exponential backoff until its context is cancelled.
type TickerStream struct {
	url     string
	symbols []string
	logger  *slog.Logger

	handlerMu sync.RWMutex
	handlers  []TickerHandler
}

// NewTickerStream creates a stream for symbols. An empty url selects the
// mainnet or testnet endpoint.
func NewTickerStream(url string, testnet bool, symbols []string, logger *slog.Logger) *TickerStream {
	if url == "" {
		url = MainnetStreamURL
		if testnet {
			url = TestnetStreamURL
		}
	}
	return &TickerStream{
		url:     url,
		symbols: symbols,
		logger:  logger.With(slog.String("component", "bybit_stream")),
	}
}

// OnTicker registers a handler for every ticker update.
func (s *TickerStream) OnTicker(h TickerHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Run connects and dispatches ticker updates until ctx is cancelled.
func (s *TickerStream) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = reconnectDelay
		}
		s.logger.WarnContext(ctx, "bybit_stream: disconnected",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// session runs one connection. connected reports whether the subscription
// was accepted before the connection failed.
func (s *TickerStream) session(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("bybit/stream: connect: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}

	if err := send(subscribeCommand(s.symbols)); err != nil {
		return false, fmt.Errorf("bybit/stream: subscribe: %w", err)
	}
	s.logger.InfoContext(ctx, "bybit_stream: subscribed", slog.Int("symbols", len(s.symbols)))

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-sessCtx.Done():
				writeMu.Lock()
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				writeMu.Unlock()
				conn.Close()
				return
			case <-ticker.C:
				if err := send(map[string]string{"op": "ping"}); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readWait))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("bybit/stream: read: %w", err)
		}
		s.handleMessage(ctx, raw)
	}
}

func subscribeCommand(symbols []string) map[string]any {
	args := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		args = append(args, "tickers."+strings.ToUpper(sym))
	}
	return map[string]any{"op": "subscribe", "args": args}
}

type tickerMessage struct {
	Topic string `json:"topic"`
	TS    int64  `json:"ts"`
	Data  struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`

	// Control frames.
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

func (s *TickerStream) handleMessage(ctx context.Context, raw []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Op != "" {
		if msg.Op == "subscribe" && msg.Success != nil && !*msg.Success {
			s.logger.ErrorContext(ctx, "bybit_stream: subscription refused", slog.String("reason", msg.RetMsg))
		}
		return
	}
	if !strings.HasPrefix(msg.Topic, "tickers.") || msg.Data.LastPrice == "" {
		return
	}
	price, err := strconv.ParseFloat(msg.Data.LastPrice, 64)
	if err != nil || price <= 0 {
		return
	}
	symbol := msg.Data.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(msg.Topic, "tickers.")
	}
	ts := time.Now().UTC()
	if msg.TS > 0 {
		ts = time.UnixMilli(msg.TS).UTC()
	}

	s.handlerMu.RLock()
	handlers := s.handlers
	s.handlerMu.RUnlock()
	for _, h := range handlers {
		h(ctx, symbol, price, ts)
	}
}
