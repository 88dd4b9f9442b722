package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/sentibot/internal/strategy"
)

// TradingControl toggles new entries and exposes recent engine decisions.
type TradingControl interface {
	Pause()
	Resume()
	TradingEnabled() bool
	RecentOutcomes(limit int) []strategy.Outcome
}

// TradingHandler serves the entry toggle and the recent-signal feed.
type TradingHandler struct {
	engine TradingControl
	// locked refuses resume, used in monitor mode where entries stay off.
	locked bool
	logger *slog.Logger
}

func NewTradingHandler(engine TradingControl, locked bool, logger *slog.Logger) *TradingHandler {
	return &TradingHandler{engine: engine, locked: locked, logger: logger}
}

// Pause disables new entries. Stop-loss supervision keeps running.
// POST /api/trading/pause
func (h *TradingHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.engine.Pause()
	h.logger.InfoContext(r.Context(), "handler: trading paused")
	writeJSON(w, http.StatusOK, map[string]bool{"trading_enabled": false})
}

// Resume re-enables new entries.
// POST /api/trading/resume
func (h *TradingHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if h.locked {
		writeError(w, http.StatusConflict, "trading is disabled in monitor mode")
		return
	}
	h.engine.Resume()
	h.logger.InfoContext(r.Context(), "handler: trading resumed")
	writeJSON(w, http.StatusOK, map[string]bool{"trading_enabled": true})
}

// ListSignals returns the engine's most recent outcomes, newest first.
// GET /api/signals?limit=20
func (h *TradingHandler) ListSignals(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, 200)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"signals": emptyIfNil(h.engine.RecentOutcomes(limit)),
	})
}
