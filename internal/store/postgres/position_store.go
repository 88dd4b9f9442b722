package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionColumns = `
	id, symbol, direction, entry_price, quantity, stop_loss_price,
	current_price, unrealized_pnl, realized_pnl, status,
	order_id, source_news_id, opened_at, closed_at, close_price`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                 domain.Position
		direction, status string
	)
	err := row.Scan(
		&p.ID, &p.Symbol, &direction, &p.EntryPrice, &p.Quantity, &p.StopLossPrice,
		&p.CurrentPrice, &p.UnrealizedPnL, &p.RealizedPnL, &status,
		&p.OrderID, &p.SourceNewsID, &p.OpenedAt, &p.ClosedAt, &p.ClosePrice,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Direction = domain.Direction(direction)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func (s *PositionStore) query(ctx context.Context, op, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: rows: %w", op, err)
	}
	return out, nil
}

// Create inserts a newly opened position. A replayed insert is ignored.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (` + positionColumns + `, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		ON CONFLICT (id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Symbol, string(p.Direction), p.EntryPrice, p.Quantity, p.StopLossPrice,
		p.CurrentPrice, p.UnrealizedPnL, p.RealizedPnL, string(p.Status),
		p.OrderID, p.SourceNewsID, p.OpenedAt, p.ClosedAt, p.ClosePrice,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update writes the mark-to-market and stop-loss fields of an OPEN position.
// Rows already closed are left alone.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			stop_loss_price = $2,
			current_price   = $3,
			unrealized_pnl  = $4,
			updated_at      = NOW()
		WHERE id = $1 AND status = 'OPEN'`
	if _, err := s.pool.Exec(ctx, query, p.ID, p.StopLossPrice, p.CurrentPrice, p.UnrealizedPnL); err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	return nil
}

// Close records the terminal state of a position.
func (s *PositionStore) Close(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			status         = $2,
			current_price  = $3,
			unrealized_pnl = 0,
			realized_pnl   = $4,
			closed_at      = $5,
			close_price    = $6,
			updated_at     = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		p.ID, string(p.Status), p.CurrentPrice, p.RealizedPnL, p.ClosedAt, p.ClosePrice,
	)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: close position %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

// GetOpen returns every OPEN position, oldest first.
func (s *PositionStore) GetOpen(ctx context.Context) ([]domain.Position, error) {
	return s.query(ctx, "get open positions",
		`SELECT `+positionColumns+` FROM positions WHERE status = 'OPEN' ORDER BY opened_at`)
}

// GetByID returns one position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, notFound(err))
	}
	return p, nil
}

// ListHistory returns closed positions, newest close first.
func (s *PositionStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query, args := listQuery(
		`SELECT `+positionColumns+` FROM positions WHERE status <> 'OPEN'`,
		nil, "closed_at", opts,
	)
	return s.query(ctx, "list position history", query, args...)
}

// ListClosedBetween returns positions closed in [from, to), oldest first.
func (s *PositionStore) ListClosedBetween(ctx context.Context, from, to time.Time) ([]domain.Position, error) {
	return s.query(ctx, "list closed positions",
		`SELECT `+positionColumns+` FROM positions
		 WHERE closed_at >= $1 AND closed_at < $2
		 ORDER BY closed_at`, from, to)
}

// CountOpenedBetween returns how many positions were opened in [from, to).
func (s *PositionStore) CountOpenedBetween(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE opened_at >= $1 AND opened_at < $2`, from, to,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count opened positions: %w", err)
	}
	return n, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
