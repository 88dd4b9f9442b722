package domain

import "time"

// PositionWatch is the stop-loss monitor's view of one OPEN position.
type PositionWatch struct {
	PositionID    string    `json:"position_id"`
	Symbol        string    `json:"symbol"`
	EntryPrice    float64   `json:"entry_price"`
	StopLossPrice float64   `json:"stop_loss_price"`
	CurrentPrice  float64   `json:"current_price"`
	DistancePct   float64   `json:"distance_pct"` // (current - stop) / current
	UpdatedAt     time.Time `json:"updated_at"`
}

// MonitorStatus reports the stop-loss monitor's activity.
type MonitorStatus struct {
	Running       bool            `json:"running"`
	Interval      time.Duration   `json:"interval"`
	Cycles        int64           `json:"cycles"`
	LastCycleAt   *time.Time      `json:"last_cycle_at,omitempty"`
	Triggered     int64           `json:"triggered"`
	PriceFailures int64           `json:"price_failures"`
	Watching      []PositionWatch `json:"watching"`
}
