// Package bybit is the live spot exchange backend built on the official
// Bybit v5 Go SDK.
package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

const (
	category    = "spot"
	accountType = "UNIFIED"
)

// Bybit return codes treated as recoverable.
var transientCodes = map[int]bool{
	10000: true, // server timeout
	10006: true, // too many visits
	10016: true, // server error
	10018: true, // ip rate limit
}

// Config holds the client parameters.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string // overrides Testnet when set
	Testnet   bool
	// FillPollInterval and FillPollAttempts bound the wait for a market
	// order to report its fill.
	FillPollInterval time.Duration
	FillPollAttempts int
}

// Client implements domain.Exchange and domain.BalanceReader against Bybit.
type Client struct {
	http         *bybit_api.Client
	pollInterval time.Duration
	pollAttempts int
	logger       *slog.Logger
}

// NewClient creates a live client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = bybit_api.MAINNET
		if cfg.Testnet {
			baseURL = bybit_api.TESTNET
		}
	}
	if cfg.FillPollInterval <= 0 {
		cfg.FillPollInterval = 250 * time.Millisecond
	}
	if cfg.FillPollAttempts <= 0 {
		cfg.FillPollAttempts = 8
	}
	return &Client{
		http:         bybit_api.NewBybitHttpClient(cfg.APIKey, cfg.APISecret, bybit_api.WithBaseURL(baseURL)),
		pollInterval: cfg.FillPollInterval,
		pollAttempts: cfg.FillPollAttempts,
		logger:       logger.With(slog.String("component", "bybit")),
	}
}

// PlaceOrder submits a spot market order for quantity base units and waits
// briefly for the fill report. An order the exchange refuses comes back as
// REJECTED with a nil error.
func (c *Client) PlaceOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity float64) (domain.OrderResult, error) {
	params := map[string]interface{}{
		"category":   category,
		"symbol":     symbol,
		"side":       sideParam(side),
		"orderType":  "Market",
		"qty":        strconv.FormatFloat(quantity, 'f', -1, 64),
		"marketUnit": "baseCoin",
	}
	resp, err := c.http.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("bybit: place order: %w", domain.Transient(err))
	}

	var placed struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := decode(resp, &placed); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Transient() {
			return domain.OrderResult{Status: domain.OrderStatusRejected, Message: apiErr.Error()}, nil
		}
		return domain.OrderResult{}, fmt.Errorf("bybit: place order: %w", err)
	}

	return c.awaitFill(ctx, symbol, placed.OrderID)
}

func (c *Client) awaitFill(ctx context.Context, symbol, orderID string) (domain.OrderResult, error) {
	res := domain.OrderResult{OrderID: orderID, Status: domain.OrderStatusPending}
	for attempt := 0; attempt < c.pollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return res, nil
		case <-time.After(c.pollInterval):
		}

		o, err := c.order(ctx, symbol, orderID)
		if err != nil {
			c.logger.DebugContext(ctx, "bybit: fill poll failed",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if final, ok := resultOf(o); ok {
			return final, nil
		}
	}
	res.Message = "fill not confirmed"
	return res, nil
}

// QueryOrder reports the current state of orderID. Orders still working on
// the book come back PENDING.
func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string) (domain.OrderResult, error) {
	o, err := c.order(ctx, symbol, orderID)
	if err != nil {
		return domain.OrderResult{}, err
	}
	if res, ok := resultOf(o); ok {
		return res, nil
	}
	return domain.OrderResult{OrderID: orderID, Status: domain.OrderStatusPending}, nil
}

// resultOf maps a final Bybit order state; ok is false while the order is
// still working.
func resultOf(o orderRecord) (domain.OrderResult, bool) {
	res := domain.OrderResult{OrderID: o.OrderID}
	switch o.OrderStatus {
	case "Filled", "PartiallyFilledCanceled":
		res.Status = domain.OrderStatusFilled
		res.FillPrice = parseFloat(o.AvgPrice)
		res.FilledQty = parseFloat(o.CumExecQty)
	case "Rejected":
		res.Status = domain.OrderStatusRejected
		res.Message = o.RejectReason
	case "Cancelled", "Deactivated":
		res.Status = domain.OrderStatusCancelled
		res.Message = o.RejectReason
	default:
		return res, false
	}
	return res, true
}

type orderRecord struct {
	OrderID      string `json:"orderId"`
	Symbol       string `json:"symbol"`
	OrderStatus  string `json:"orderStatus"`
	AvgPrice     string `json:"avgPrice"`
	CumExecQty   string `json:"cumExecQty"`
	RejectReason string `json:"rejectReason"`
}

func (c *Client) order(ctx context.Context, symbol, orderID string) (orderRecord, error) {
	params := map[string]interface{}{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	resp, err := c.http.NewUtaBybitServiceWithParams(params).GetOrderHistory(ctx)
	if err != nil {
		return orderRecord{}, fmt.Errorf("bybit: order history: %w", domain.Transient(err))
	}
	var hist struct {
		List []orderRecord `json:"list"`
	}
	if err := decode(resp, &hist); err != nil {
		return orderRecord{}, fmt.Errorf("bybit: order history: %w", err)
	}
	for _, o := range hist.List {
		if o.OrderID == orderID {
			return o, nil
		}
	}
	return orderRecord{}, fmt.Errorf("bybit: order %s: %w", orderID, domain.ErrNotFound)
}

// GetPrice returns the last traded price of symbol.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	params := map[string]interface{}{
		"category": category,
		"symbol":   symbol,
	}
	resp, err := c.http.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return 0, fmt.Errorf("bybit: tickers %s: %w", symbol, domain.Transient(err))
	}
	var tickers struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := decode(resp, &tickers); err != nil {
		return 0, fmt.Errorf("bybit: tickers %s: %w", symbol, err)
	}
	for _, t := range tickers.List {
		if strings.EqualFold(t.Symbol, symbol) {
			if p := parseFloat(t.LastPrice); p > 0 {
				return p, nil
			}
		}
	}
	return 0, fmt.Errorf("bybit: tickers %s: %w", symbol, domain.ErrUnsupportedSymbol)
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]interface{}{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	resp, err := c.http.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
	if err != nil {
		return fmt.Errorf("bybit: cancel %s: %w", orderID, domain.Transient(err))
	}
	var out struct {
		OrderID string `json:"orderId"`
	}
	if err := decode(resp, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == 110001 {
			return fmt.Errorf("bybit: cancel %s: %w", orderID, domain.ErrInvalidState)
		}
		return fmt.Errorf("bybit: cancel %s: %w", orderID, err)
	}
	return nil
}

// Balance returns the free balance of asset in the unified account.
func (c *Client) Balance(ctx context.Context, asset string) (float64, error) {
	params := map[string]interface{}{
		"accountType": accountType,
		"coin":        strings.ToUpper(asset),
	}
	resp, err := c.http.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
	if err != nil {
		return 0, fmt.Errorf("bybit: wallet: %w", domain.Transient(err))
	}
	var wallet struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				Locked              string `json:"locked"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := decode(resp, &wallet); err != nil {
		return 0, fmt.Errorf("bybit: wallet: %w", err)
	}
	for _, acct := range wallet.List {
		for _, coin := range acct.Coin {
			if !strings.EqualFold(coin.Coin, asset) {
				continue
			}
			free := parseFloat(coin.WalletBalance) - parseFloat(coin.Locked)
			if free < 0 {
				free = 0
			}
			return free, nil
		}
	}
	return 0, nil
}

// APIError is a non-zero retCode returned by Bybit.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit api error %d: %s", e.Code, e.Msg)
}

// Transient reports whether the code is worth retrying on the next trigger.
func (e *APIError) Transient() bool {
	return transientCodes[e.Code]
}

// Unwrap classifies the error for errors.Is.
func (e *APIError) Unwrap() error {
	switch {
	case e.Transient():
		return domain.ErrTransient
	case e.Code == 170131 || e.Code == 110007:
		return domain.ErrInsufficientBalance
	case e.Code == 10001:
		return domain.ErrInvalidOrder
	}
	return nil
}

// decode unwraps a ServerResponse into out.
func decode(response interface{}, out any) error {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return fmt.Errorf("invalid response type %T", response)
	}
	if serverResp.RetCode != 0 {
		return &APIError{Code: serverResp.RetCode, Msg: serverResp.RetMsg}
	}
	raw, err := json.Marshal(serverResp.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	return nil
}

func sideParam(side domain.OrderSide) string {
	if side == domain.OrderSideSell {
		return "Sell"
	}
	return "Buy"
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
