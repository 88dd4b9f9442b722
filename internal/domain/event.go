package domain

import "time"

// Bus channels and streams.
const (
	ChannelPositions = "positions"
	ChannelOrders    = "orders"
	ChannelPrices    = "prices"
	ChannelRisk      = "risk"
	StreamNews       = "news"
)

// PositionEventType names a ledger mutation.
type PositionEventType string

const (
	PositionOpened          PositionEventType = "position_opened"
	PositionClosed          PositionEventType = "position_closed"
	PositionMarked          PositionEventType = "position_marked"
	PositionStopLossUpdated PositionEventType = "stop_loss_updated"
	DailyCountersReset      PositionEventType = "daily_reset"
)

// PositionEvent is emitted by the ledger after a mutation has been applied.
type PositionEvent struct {
	Type     PositionEventType `json:"event"`
	Position Position          `json:"position"`
	Risk     RiskState         `json:"risk"`
	At       time.Time         `json:"at"`
}

// BotStatus is a summary of the bot's current operational state.
type BotStatus struct {
	Mode           string    `json:"mode"`
	Exchange       string    `json:"exchange"`
	TradingEnabled bool      `json:"trading_enabled"`
	StartedAt      time.Time `json:"started_at"`
	UptimeSeconds  int64     `json:"uptime_seconds"`
	Risk           RiskState `json:"risk"`
}
