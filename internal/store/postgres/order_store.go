package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/leadforge/dealbot/internal/domain"
)

// OrderStore implements domain.OrderStore on PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates an OrderStore backed by the given pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create inserts a new order.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, order_type, product, product_key, price, quantity,
			region, chat_id, sender_id, raw_text, active, version,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			COALESCE(NULLIF($13::timestamptz, '0001-01-01 00:00:00+00'::timestamptz), NOW()), NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		o.ID, string(o.Type), o.Product, o.ProductKey,
		o.Price.String(), o.Quantity,
		o.Region, o.ChatID, o.SenderID, o.RawText,
		o.Active, o.Version, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, mapCreateErr(err))
	}
	return nil
}

// GetByID returns the order with the given id.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListActive returns the active orders for a product key, oldest first. An
// unset region on either side of the comparison matches anything.
func (s *OrderStore) ListActive(ctx context.Context, productKey, region string) ([]domain.Order, error) {
	const query = `
		SELECT ` + orderSelectCols + `
		FROM orders
		WHERE active AND product_key = $1
		  AND ($2 = '' OR region = '' OR region = $2)
		ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, productKey, region)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListAllActive returns every active order, oldest first.
func (s *OrderStore) ListAllActive(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE active ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list all active orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// Deactivate clears the active flag, conditional on the order still being
// active at the expected version.
func (s *OrderStore) Deactivate(ctx context.Context, id string, version int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET active = FALSE, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND active AND version = $2`,
		id, version,
	)
	if err != nil {
		return fmt.Errorf("postgres: deactivate order %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: deactivate order %s: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrStaleVersion
}

const orderSelectCols = `id, order_type, product, product_key, price, quantity,
	region, chat_id, sender_id, raw_text, active, version, created_at, updated_at`

func scanOrder(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var (
		o        domain.Order
		typ      string
		priceStr string
	)
	err := scanner.Scan(
		&o.ID, &typ, &o.Product, &o.ProductKey, &priceStr, &o.Quantity,
		&o.Region, &o.ChatID, &o.SenderID, &o.RawText,
		&o.Active, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Type = domain.OrderType(typ)
	if o.Price, err = decimal.NewFromString(priceStr); err != nil {
		return domain.Order{}, fmt.Errorf("parse price %q: %w", priceStr, err)
	}
	return o, nil
}

func scanOrders(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate orders: %w", err)
	}
	return orders, nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
