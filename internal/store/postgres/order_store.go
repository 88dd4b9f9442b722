package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates an OrderStore backed by pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderColumns = `
	id, symbol, pair, side, quantity, status, fill_price,
	exchange_order_id, linked_position_id, source_news_id, message,
	requested_at, finalized_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o            domain.Order
		side, status string
	)
	err := row.Scan(
		&o.ID, &o.Symbol, &o.Pair, &side, &o.Quantity, &status, &o.FillPrice,
		&o.ExchangeOrderID, &o.LinkedPositionID, &o.SourceNewsID, &o.Message,
		&o.RequestedAt, &o.FinalizedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.OrderSide(side)
	o.Status = domain.OrderStatus(status)
	return o, nil
}

func (s *OrderStore) query(ctx context.Context, op, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: rows: %w", op, err)
	}
	return out, nil
}

// Create inserts a new order.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (` + orderColumns + `, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())`
	_, err := s.pool.Exec(ctx, query,
		o.ID, o.Symbol, o.Pair, string(o.Side), o.Quantity, string(o.Status), o.FillPrice,
		o.ExchangeOrderID, o.LinkedPositionID, o.SourceNewsID, o.Message,
		o.RequestedAt, o.FinalizedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create order %s: %w", o.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// Update writes the exchange outcome and position link of an order.
func (s *OrderStore) Update(ctx context.Context, o domain.Order) error {
	const query = `
		UPDATE orders SET
			quantity           = $2,
			status             = $3,
			fill_price         = $4,
			exchange_order_id  = $5,
			linked_position_id = $6,
			message            = $7,
			finalized_at       = $8,
			updated_at         = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		o.ID, o.Quantity, string(o.Status), o.FillPrice,
		o.ExchangeOrderID, o.LinkedPositionID, o.Message, o.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update order %s: %w", o.ID, domain.ErrNotFound)
	}
	return nil
}

// GetByID returns one order.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, notFound(err))
	}
	return o, nil
}

// List returns orders newest first.
func (s *OrderStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Order, error) {
	query, args := listQuery(`SELECT `+orderColumns+` FROM orders WHERE TRUE`, nil, "requested_at", opts)
	return s.query(ctx, "list orders", query, args...)
}

// ListBetween returns orders requested in [from, to), oldest first.
func (s *OrderStore) ListBetween(ctx context.Context, from, to time.Time) ([]domain.Order, error) {
	return s.query(ctx, "list orders between",
		`SELECT `+orderColumns+` FROM orders
		 WHERE requested_at >= $1 AND requested_at < $2
		 ORDER BY requested_at`, from, to)
}

var _ domain.OrderStore = (*OrderStore)(nil)
