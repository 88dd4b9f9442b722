package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions. The ledger remains authoritative; the
// store is history and restart state.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	Close(ctx context.Context, pos Position) error
	GetOpen(ctx context.Context) ([]Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
	ListHistory(ctx context.Context, opts ListOpts) ([]Position, error)
	ListClosedBetween(ctx context.Context, from, to time.Time) ([]Position, error)
}

// OrderStore persists orders.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	Update(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	List(ctx context.Context, opts ListOpts) ([]Order, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]Order, error)
}

// NewsStore persists scored news items.
type NewsStore interface {
	Insert(ctx context.Context, rec NewsRecord) error
	MarkTriggered(ctx context.Context, newsID string) error
	ListRecent(ctx context.Context, opts ListOpts) ([]NewsRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
