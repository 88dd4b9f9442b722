package domain

import "time"

// PositionStatus is the lifecycle state of a position. OPEN moves to exactly
// one terminal state and never back.
type PositionStatus string

const (
	PositionOpen           PositionStatus = "OPEN"
	PositionClosedStopLoss PositionStatus = "CLOSED_STOP_LOSS"
	PositionClosedManual   PositionStatus = "CLOSED_MANUAL"
)

// IsTerminal reports whether the status is one of the closed states.
func (s PositionStatus) IsTerminal() bool {
	return s == PositionClosedStopLoss || s == PositionClosedManual
}

// CloseReason says why a position is being closed.
type CloseReason string

const (
	CloseReasonStopLoss CloseReason = "STOP_LOSS"
	CloseReasonManual   CloseReason = "MANUAL"
)

// Status returns the terminal status that matches the reason.
func (r CloseReason) Status() (PositionStatus, bool) {
	switch r {
	case CloseReasonStopLoss:
		return PositionClosedStopLoss, true
	case CloseReasonManual:
		return PositionClosedManual, true
	default:
		return "", false
	}
}

// Position is a unit of long exposure owned by the ledger.
type Position struct {
	ID            string         `json:"id"`
	Symbol        string         `json:"symbol"`
	Direction     Direction      `json:"direction"`
	EntryPrice    float64        `json:"entry_price"`
	Quantity      float64        `json:"quantity"`
	StopLossPrice float64        `json:"stop_loss_price"`
	CurrentPrice  float64        `json:"current_price"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	RealizedPnL   float64        `json:"realized_pnl"`
	Status        PositionStatus `json:"status"`
	OrderID       string         `json:"order_id,omitempty"`
	SourceNewsID  string         `json:"source_news_id,omitempty"`
	OpenedAt      time.Time      `json:"opened_at"`
	ClosedAt      *time.Time     `json:"closed_at,omitempty"`
	ClosePrice    *float64       `json:"close_price,omitempty"`
}

// IsOpen reports whether the position is still OPEN.
func (p Position) IsOpen() bool {
	return p.Status == PositionOpen
}

// StopLossPrice returns the liquidation threshold for a long entry.
func StopLossPrice(entryPrice, stopLossPct float64) float64 {
	return entryPrice * (1 - stopLossPct)
}
