package domain

import "time"

// Exposure is one open holding as seen by the risk checks.
type Exposure struct {
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
}

// RiskState is a point-in-time view of the ledger used for authorization.
type RiskState struct {
	OpenPositionCount int        `json:"open_position_count"`
	TradesToday       int        `json:"trades_today"`
	RealizedLossToday float64    `json:"realized_loss_today"`
	TradingDay        time.Time  `json:"trading_day"`
	OpenExposure      []Exposure `json:"open_exposure"`
}

// Holds reports whether an open position already exists for the symbol in
// the given direction.
func (s RiskState) Holds(symbol string, dir Direction) bool {
	for _, e := range s.OpenExposure {
		if e.Symbol == symbol && e.Direction == dir {
			return true
		}
	}
	return false
}

// RiskLimits are the portfolio-level limits enforced on every signal.
type RiskLimits struct {
	MaxOpenPositions int
	MaxDailyTrades   int
	DailyLossLimit   float64
}

// DenyReason names the risk check a signal failed.
type DenyReason string

const (
	DenyMaxPositions        DenyReason = "MAX_POSITIONS"
	DenyDailyTradeLimit     DenyReason = "DAILY_TRADE_LIMIT"
	DenyDailyLossLimit      DenyReason = "DAILY_LOSS_LIMIT"
	DenyDuplicatePosition   DenyReason = "DUPLICATE_POSITION"
	DenyInsufficientBalance DenyReason = "INSUFFICIENT_BALANCE"
)

// Decision is the outcome of a risk authorization. A denial is a normal
// outcome, not an error.
type Decision struct {
	Authorized bool       `json:"authorized"`
	Reason     DenyReason `json:"reason,omitempty"`
}

// Authorized returns a permitting decision.
func Authorized() Decision { return Decision{Authorized: true} }

// Denied returns a rejecting decision with the failed check.
func Denied(reason DenyReason) Decision { return Decision{Reason: reason} }

// TradingSummary aggregates closed and open positions for dashboards.
type TradingSummary struct {
	TotalTrades    int       `json:"total_trades"`
	OpenPositions  int       `json:"open_positions"`
	ClosedTrades   int       `json:"closed_trades"`
	Wins           int       `json:"wins"`
	Losses         int       `json:"losses"`
	WinRate        float64   `json:"win_rate"`
	RealizedPnL    float64   `json:"realized_pnl"`
	UnrealizedPnL  float64   `json:"unrealized_pnl"`
	StopLossCloses int       `json:"stop_loss_closes"`
	ManualCloses   int       `json:"manual_closes"`
	Risk           RiskState `json:"risk"`
}
