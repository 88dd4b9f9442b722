package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// NewsStore implements domain.NewsStore using PostgreSQL.
type NewsStore struct {
	pool *pgxpool.Pool
}

// NewNewsStore creates a NewsStore backed by pool.
func NewNewsStore(pool *pgxpool.Pool) *NewsStore {
	return &NewsStore{pool: pool}
}

// Insert records a scored news item. A second insert of the same ID fails
// with domain.ErrAlreadyExists.
func (s *NewsStore) Insert(ctx context.Context, rec domain.NewsRecord) error {
	const query = `
		INSERT INTO news (
			id, source, text, published_at, symbols_mentioned,
			polarity, confidence, method, triggered_trade, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	var published any
	if !rec.PublishedAt.IsZero() {
		published = rec.PublishedAt
	}
	symbols := rec.SymbolsMentioned
	if symbols == nil {
		symbols = []string{}
	}
	tag, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Source, rec.Text, published, symbols,
		rec.Polarity, rec.Confidence, rec.Method, rec.TriggeredTrade, rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert news %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: insert news %s: %w", rec.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// MarkTriggered flags a news item as having produced a filled order.
func (s *NewsStore) MarkTriggered(ctx context.Context, newsID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE news SET triggered_trade = TRUE WHERE id = $1`, newsID)
	if err != nil {
		return fmt.Errorf("postgres: mark news %s: %w", newsID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark news %s: %w", newsID, domain.ErrNotFound)
	}
	return nil
}

// ListRecent returns news newest first.
func (s *NewsStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.NewsRecord, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	query, args := listQuery(`
		SELECT id, source, text, COALESCE(published_at, received_at), symbols_mentioned,
		       polarity, confidence, method, triggered_trade, received_at
		FROM news WHERE TRUE`, nil, "received_at", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list news: %w", err)
	}
	defer rows.Close()

	var out []domain.NewsRecord
	for rows.Next() {
		var r domain.NewsRecord
		if err := rows.Scan(
			&r.ID, &r.Source, &r.Text, &r.PublishedAt, &r.SymbolsMentioned,
			&r.Polarity, &r.Confidence, &r.Method, &r.TriggeredTrade, &r.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan news: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list news rows: %w", err)
	}
	return out, nil
}

var _ domain.NewsStore = (*NewsStore)(nil)
