package handler

import (
	"context"
	"log/slog"
	"net/http"
)

// PriceReader returns the latest known price of each tracked pair.
type PriceReader interface {
	Latest(ctx context.Context) (map[string]float64, error)
}

// PriceHandler serves the price ticker.
type PriceHandler struct {
	prices PriceReader
	logger *slog.Logger
}

func NewPriceHandler(prices PriceReader, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{prices: prices, logger: logger}
}

// GetPrices returns the latest price per trading pair.
// GET /api/prices
func (h *PriceHandler) GetPrices(w http.ResponseWriter, r *http.Request) {
	prices, err := h.prices.Latest(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: get prices failed", slog.String("error", err.Error()))
		writeError(w, statusFor(err), "failed to load prices")
		return
	}
	if prices == nil {
		prices = map[string]float64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"prices": prices})
}
