package handler

import (
	"net/http"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// MonitorStatusReader exposes the stop-loss monitor snapshot.
type MonitorStatusReader interface {
	Status() domain.MonitorStatus
}

// StopLossHandler serves the monitor status.
type StopLossHandler struct {
	monitor MonitorStatusReader
}

func NewStopLossHandler(monitor MonitorStatusReader) *StopLossHandler {
	return &StopLossHandler{monitor: monitor}
}

// GetStatus returns whether the monitor is running, its cycle counters and
// the distance of each open position from its stop.
// GET /api/stop-loss/status
func (h *StopLossHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st := h.monitor.Status()
	st.Watching = emptyIfNil(st.Watching)
	writeJSON(w, http.StatusOK, st)
}
