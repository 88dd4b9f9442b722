package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// RiskReader exposes the ledger aggregates.
type RiskReader interface {
	RiskState(ctx context.Context) domain.RiskState
	Summary(ctx context.Context) domain.TradingSummary
}

// StatusHandler serves the bot status, risk state, trading summary and the
// redacted configuration.
type StatusHandler struct {
	mode      string
	exchange  string
	startedAt time.Time
	enabled   func() bool
	risk      RiskReader
	config    any
}

// NewStatusHandler creates a StatusHandler. enabled reports whether new
// entries are currently allowed; config is served verbatim and must already
// be redacted.
func NewStatusHandler(mode, exchange string, startedAt time.Time, enabled func() bool, risk RiskReader, config any) *StatusHandler {
	return &StatusHandler{
		mode:      mode,
		exchange:  exchange,
		startedAt: startedAt,
		enabled:   enabled,
		risk:      risk,
		config:    config,
	}
}

// GetStatus reports mode, exchange kind, trading flag, uptime and risk.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.BotStatus{
		Mode:           h.mode,
		Exchange:       h.exchange,
		TradingEnabled: h.enabled(),
		StartedAt:      h.startedAt,
		UptimeSeconds:  int64(time.Since(h.startedAt).Seconds()),
		Risk:           h.risk.RiskState(r.Context()),
	})
}

// GetRisk returns the current RiskState.
// GET /api/risk
func (h *StatusHandler) GetRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.risk.RiskState(r.Context()))
}

// GetSummary returns the trading summary aggregate.
// GET /api/summary
func (h *StatusHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.risk.Summary(r.Context()))
}

// GetConfig returns the redacted configuration.
// GET /api/config
func (h *StatusHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config)
}
