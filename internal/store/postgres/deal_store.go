package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/leadforge/dealbot/internal/domain"
)

// DealStore implements domain.DealStore on PostgreSQL. Status changes and
// manager handoff are conditional UPDATEs with RETURNING, so a lost race
// surfaces as zero rows rather than a silent overwrite.
type DealStore struct {
	pool *pgxpool.Pool
}

// NewDealStore creates a DealStore backed by the given pool.
func NewDealStore(pool *pgxpool.Pool) *DealStore {
	return &DealStore{pool: pool}
}

// Create inserts a new deal. The (buy, sell) order pair is unique.
func (s *DealStore) Create(ctx context.Context, d domain.Deal) error {
	const query = `
		INSERT INTO deals (
			id, buy_order_id, sell_order_id, product, product_key, region,
			buy_price, sell_price, margin, status, insight, resolution,
			manager_id, assigned_at, seller_chat_id, seller_sender_id,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, COALESCE(NULLIF($18::timestamptz, '0001-01-01 00:00:00+00'::timestamptz), NOW()), NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		d.ID, d.BuyOrderID, d.SellOrderID, d.Product, d.ProductKey, d.Region,
		d.BuyPrice.String(), d.SellPrice.String(), d.Margin.String(),
		string(d.Status), d.Insight, d.Resolution,
		d.ManagerID, d.AssignedAt, d.SellerChatID, d.SellerSenderID,
		d.Version, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create deal %s: %w", d.ID, mapCreateErr(err))
	}
	return nil
}

// GetByID returns the deal with the given id.
func (s *DealStore) GetByID(ctx context.Context, id string) (domain.Deal, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+dealSelectCols+` FROM deals WHERE id = $1`, id)
	d, err := scanDeal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Deal{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Deal{}, fmt.Errorf("postgres: get deal %s: %w", id, err)
	}
	return d, nil
}

// ListByStatus returns deals with the given status, oldest first.
func (s *DealStore) ListByStatus(ctx context.Context, status domain.DealStatus, opts domain.ListOpts) ([]domain.Deal, error) {
	query := `SELECT ` + dealSelectCols + ` FROM deals WHERE status = $1 ORDER BY created_at, id`
	args := []any{string(status)}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list deals by status: %w", err)
	}
	defer rows.Close()
	return scanDeals(rows)
}

// ListUnassignedWarm returns up to limit WARM deals with no manager bound,
// oldest first.
func (s *DealStore) ListUnassignedWarm(ctx context.Context, limit int) ([]domain.Deal, error) {
	const query = `
		SELECT ` + dealSelectCols + `
		FROM deals
		WHERE status = $1 AND manager_id = ''
		ORDER BY created_at, id
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, string(domain.DealStatusWarm), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unassigned warm deals: %w", err)
	}
	defer rows.Close()
	return scanDeals(rows)
}

// UpdateStatus applies a status change conditional on the current status and
// version. Empty update fields leave the stored values untouched.
func (s *DealStore) UpdateStatus(ctx context.Context, id string, from, to domain.DealStatus, version int64, upd domain.DealUpdate) (domain.Deal, error) {
	const query = `
		UPDATE deals
		SET status = $1,
		    insight = COALESCE(NULLIF($2, ''), insight),
		    resolution = COALESCE(NULLIF($3, ''), resolution),
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $4 AND status = $5 AND version = $6
		RETURNING ` + dealSelectCols

	row := s.pool.QueryRow(ctx, query,
		string(to), upd.Insight, upd.Resolution, id, string(from), version)
	d, err := scanDeal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Deal{}, s.missOrStale(ctx, id)
	}
	if err != nil {
		return domain.Deal{}, fmt.Errorf("postgres: update deal %s status: %w", id, err)
	}
	return d, nil
}

// Assign binds a manager and moves the deal to HANDED_TO_MANAGER in a single
// conditional write. Exactly one of any concurrent claimers sees a row.
func (s *DealStore) Assign(ctx context.Context, dealID, managerID string, at time.Time) (domain.Deal, error) {
	const query = `
		UPDATE deals
		SET manager_id = $1,
		    assigned_at = $2,
		    status = $3,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $4 AND status = $5 AND manager_id = ''
		RETURNING ` + dealSelectCols

	row := s.pool.QueryRow(ctx, query,
		managerID, at, string(domain.DealStatusHanded),
		dealID, string(domain.DealStatusWarm))
	d, err := scanDeal(row)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Deal{}, fmt.Errorf("postgres: assign deal %s: %w", dealID, err)
	}

	current, getErr := s.GetByID(ctx, dealID)
	if getErr != nil {
		return domain.Deal{}, getErr
	}
	if current.Assigned() {
		return domain.Deal{}, domain.ErrAlreadyAssigned
	}
	return domain.Deal{}, domain.ErrStaleVersion
}

// CountOpenByManager counts the deals currently handed to a manager.
func (s *DealStore) CountOpenByManager(ctx context.Context, managerID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM deals WHERE manager_id = $1 AND status = $2`,
		managerID, string(domain.DealStatusHanded),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count open deals for %s: %w", managerID, err)
	}
	return n, nil
}

// missOrStale distinguishes a missing deal from a lost CAS race.
func (s *DealStore) missOrStale(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM deals WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check deal %s: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrStaleVersion
}

const dealSelectCols = `id, buy_order_id, sell_order_id, product, product_key, region,
	buy_price, sell_price, margin, status, insight, resolution,
	manager_id, assigned_at, seller_chat_id, seller_sender_id,
	version, created_at, updated_at`

func scanDeal(scanner interface{ Scan(dest ...any) error }) (domain.Deal, error) {
	var (
		d                          domain.Deal
		status                     string
		buyStr, sellStr, marginStr string
	)
	err := scanner.Scan(
		&d.ID, &d.BuyOrderID, &d.SellOrderID, &d.Product, &d.ProductKey, &d.Region,
		&buyStr, &sellStr, &marginStr, &status, &d.Insight, &d.Resolution,
		&d.ManagerID, &d.AssignedAt, &d.SellerChatID, &d.SellerSenderID,
		&d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return domain.Deal{}, err
	}
	d.Status = domain.DealStatus(status)
	if d.BuyPrice, err = decimal.NewFromString(buyStr); err != nil {
		return domain.Deal{}, fmt.Errorf("parse buy price %q: %w", buyStr, err)
	}
	if d.SellPrice, err = decimal.NewFromString(sellStr); err != nil {
		return domain.Deal{}, fmt.Errorf("parse sell price %q: %w", sellStr, err)
	}
	if d.Margin, err = decimal.NewFromString(marginStr); err != nil {
		return domain.Deal{}, fmt.Errorf("parse margin %q: %w", marginStr, err)
	}
	return d, nil
}

func scanDeals(rows pgx.Rows) ([]domain.Deal, error) {
	var deals []domain.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan deal: %w", err)
		}
		deals = append(deals, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate deals: %w", err)
	}
	return deals, nil
}

var _ domain.DealStore = (*DealStore)(nil)
