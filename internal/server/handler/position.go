package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	List(ctx context.Context, status string) []domain.Position
	History(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
	Get(ctx context.Context, id string) (domain.Position, error)
	ClosePosition(ctx context.Context, id string) (domain.Position, error)
	UpdateStopLoss(ctx context.Context, id string, price float64) (domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, logger: logger}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns ledger positions.
// GET /api/positions?status=open|closed|all
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", "all", "open", "closed":
	default:
		writeError(w, http.StatusBadRequest, "status must be open, closed or all")
		return
	}
	positions := h.positions.List(r.Context(), status)
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: emptyIfNil(positions)})
}

// ListHistory returns closed positions from the store, newest first.
// GET /api/positions/history?limit=50&offset=0&since=...&until=...
func (h *PositionHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.History(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list position history failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list position history")
		return
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: emptyIfNil(positions)})
}

// GetPosition returns a single position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.positions.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ClosePosition liquidates an OPEN position at market.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	pos, err := h.positions.ClosePosition(r.Context(), id)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: manual close failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

type stopLossRequest struct {
	StopLossPrice float64 `json:"stop_loss_price"`
}

// UpdateStopLoss overrides the stop-loss price of an OPEN position.
// PUT /api/positions/{id}/stop-loss
func (h *PositionHandler) UpdateStopLoss(w http.ResponseWriter, r *http.Request) {
	var req stopLossRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	pos, err := h.positions.UpdateStopLoss(r.Context(), pathParam(r, "id"), req.StopLossPrice)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pos)
}
