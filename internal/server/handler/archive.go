package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ArchiveOpener streams an archived day.
type ArchiveOpener interface {
	OpenDay(ctx context.Context, kind string, day time.Time) (io.ReadCloser, error)
}

// ArchiveHandler serves daily JSONL archives from object storage.
type ArchiveHandler struct {
	archive ArchiveOpener
	logger  *slog.Logger
}

func NewArchiveHandler(archive ArchiveOpener, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{archive: archive, logger: logger}
}

// GetDay streams one archived day as application/x-ndjson.
// GET /api/archive/{kind}/{day}
func (h *ArchiveHandler) GetDay(w http.ResponseWriter, r *http.Request) {
	day, err := time.Parse(time.DateOnly, pathParam(r, "day"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
		return
	}
	rc, err := h.archive.OpenDay(r.Context(), pathParam(r, "kind"), day)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.WarnContext(r.Context(), "handler: archive stream interrupted",
			slog.String("error", err.Error()),
		)
	}
}
