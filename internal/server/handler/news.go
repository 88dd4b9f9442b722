package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/feed"
)

// maxNewsBody caps the size of a pushed news envelope.
const maxNewsBody = 1 << 20

// SignatureHeader carries the HMAC-SHA256 signature of a pushed body.
const SignatureHeader = "X-Signature"

// StreamAppender appends a payload to a durable stream.
type StreamAppender interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// NewsLister reads persisted news.
type NewsLister interface {
	ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.NewsRecord, error)
}

// SignatureVerifier checks a request signature.
type SignatureVerifier interface {
	Verify(header string, body []byte) bool
}

// NewsHandler accepts signed scored-news pushes and lists recent news.
type NewsHandler struct {
	stream   StreamAppender
	name     string
	verifier SignatureVerifier // nil disables ingest
	store    NewsLister        // optional
	now      func() time.Time
	logger   *slog.Logger
}

// NewNewsHandler creates a NewsHandler appending to the named stream.
func NewNewsHandler(stream StreamAppender, name string, verifier SignatureVerifier, store NewsLister, logger *slog.Logger) *NewsHandler {
	return &NewsHandler{
		stream:   stream,
		name:     name,
		verifier: verifier,
		store:    store,
		now:      time.Now,
		logger:   logger,
	}
}

// IngestNews verifies the body signature and appends the scored news
// envelope to the news stream. Evaluation happens asynchronously.
// POST /api/news
func (h *NewsHandler) IngestNews(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "news ingest is not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxNewsBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxNewsBody {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	if !h.verifier.Verify(r.Header.Get(SignatureHeader), body) {
		h.logger.WarnContext(r.Context(), "handler: news signature rejected",
			slog.String("remote_addr", r.RemoteAddr),
		)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	item, err := feed.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if item.News.PublishedAt.IsZero() {
		item.News.PublishedAt = h.now().UTC()
	}
	item.News.Source = strings.TrimSpace(item.News.Source)

	payload, err := json.Marshal(item)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode news")
		return
	}
	if err := h.stream.StreamAppend(r.Context(), h.name, payload); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: append news failed",
			slog.String("news_id", item.News.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to enqueue news")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "queued",
		"news_id": item.News.ID,
	})
}

// ListNews returns recently stored news, newest first.
// GET /api/news?limit=50
func (h *NewsHandler) ListNews(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"news": []domain.NewsRecord{}})
		return
	}
	records, err := h.store.ListRecent(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list news failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list news")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"news": emptyIfNil(records)})
}
