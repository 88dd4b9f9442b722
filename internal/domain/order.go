package domain

import (
	"strings"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Order is a market order requested by the engine, the stop-loss monitor or
// an operator, finalized by the exchange's response.
type Order struct {
	ID               string      `json:"id"`
	Symbol           string      `json:"symbol"`
	Pair             string      `json:"pair"`
	Side             OrderSide   `json:"side"`
	Quantity         float64     `json:"quantity"`
	Status           OrderStatus `json:"status"`
	FillPrice        float64     `json:"fill_price"`
	ExchangeOrderID  string      `json:"exchange_order_id,omitempty"`
	LinkedPositionID string      `json:"linked_position_id,omitempty"`
	SourceNewsID     string      `json:"source_news_id,omitempty"`
	Message          string      `json:"message,omitempty"`
	RequestedAt      time.Time   `json:"requested_at"`
	FinalizedAt      *time.Time  `json:"finalized_at,omitempty"`
}

// OrderResult is the exchange's response to an order submission.
type OrderResult struct {
	OrderID   string
	Status    OrderStatus
	FillPrice float64
	FilledQty float64
	Message   string
}

// TradePair joins a coin and a quote asset into an exchange symbol
// (BTC, USDT -> BTCUSDT).
func TradePair(coin, quote string) string {
	return strings.ToUpper(coin) + strings.ToUpper(quote)
}

// OrderRequest asks the order service for a market order.
type OrderRequest struct {
	Symbol       string // coin, e.g. BTC
	Pair         string // exchange pair, e.g. BTCUSDT
	Side         OrderSide
	Quantity     float64
	PositionID   string
	SourceNewsID string
}
