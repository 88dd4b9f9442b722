package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies one UTC day of closed positions and orders to cold storage.
type Archiver interface {
	ArchiveDay(ctx context.Context, day time.Time) (int64, error)
	OpenDay(ctx context.Context, kind string, day time.Time) (io.ReadCloser, error)
}
