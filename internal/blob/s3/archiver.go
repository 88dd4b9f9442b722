package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// multipartThreshold is the payload size above which archives are uploaded
// through the multipart manager instead of a single PutObject.
const multipartThreshold = 8 * 1024 * 1024

// DayArchiver copies one UTC day of closed positions and orders to object
// storage as JSONL. An archive object that already exists is left alone, so
// re-running a day after a restart is a no-op.
type DayArchiver struct {
	positions domain.PositionStore
	orders    domain.OrderStore
	writer    domain.BlobWriter
	reader    domain.BlobReader
	audit     domain.AuditStore // optional
	logger    *slog.Logger
}

var _ domain.Archiver = (*DayArchiver)(nil)

// NewDayArchiver wires the archiver. audit may be nil.
func NewDayArchiver(
	positions domain.PositionStore,
	orders domain.OrderStore,
	writer domain.BlobWriter,
	reader domain.BlobReader,
	audit domain.AuditStore,
	logger *slog.Logger,
) *DayArchiver {
	return &DayArchiver{
		positions: positions,
		orders:    orders,
		writer:    writer,
		reader:    reader,
		audit:     audit,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveDay uploads the positions closed and the orders created during
// [day, day+24h) in UTC. It returns the number of records written.
func (a *DayArchiver) ArchiveDay(ctx context.Context, day time.Time) (int64, error) {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	var total int64

	n, err := archiveKind(ctx, a, "positions", from, func() ([]domain.Position, error) {
		return a.positions.ListClosedBetween(ctx, from, to)
	})
	if err != nil {
		return total, err
	}
	total += n

	n, err = archiveKind(ctx, a, "orders", from, func() ([]domain.Order, error) {
		return a.orders.ListBetween(ctx, from, to)
	})
	if err != nil {
		return total, err
	}
	total += n

	return total, nil
}

// OpenDay streams a previously archived day. kind is "positions" or
// "orders".
func (a *DayArchiver) OpenDay(ctx context.Context, kind string, day time.Time) (io.ReadCloser, error) {
	switch kind {
	case "positions", "orders":
	default:
		return nil, fmt.Errorf("s3blob: unknown archive kind %q: %w", kind, domain.ErrNotFound)
	}
	return a.reader.Get(ctx, archivePath(kind, day.UTC()))
}

func archiveKind[T any](ctx context.Context, a *DayArchiver, kind string, day time.Time, load func() ([]T, error)) (int64, error) {
	path := archivePath(kind, day)

	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
	}
	if exists {
		a.logger.DebugContext(ctx, "archiver: object exists, skipping", slog.String("path", path))
		return 0, nil
	}

	records, err := load()
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s query: %w", kind, err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	a.logger.InfoContext(ctx, "archiver: uploaded",
		slog.String("path", path),
		slog.Int64("count", count),
	)

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
			"path":  path,
			"count": count,
			"day":   day.Format(time.DateOnly),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
		}
	}
	return count, nil
}

// archivePath builds the object key for one day of one record kind.
//
//	archive/positions/2025-01-31.jsonl
//	archive/orders/2025-01-31.jsonl
func archivePath(kind string, day time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, day.Format(time.DateOnly))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
