package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadforge/dealbot/internal/domain"
)

// ManagerStore implements domain.ManagerStore on PostgreSQL. Load is always
// derived from current deal rows with a join, never kept as a counter.
type ManagerStore struct {
	pool *pgxpool.Pool
}

// NewManagerStore creates a ManagerStore backed by the given pool.
func NewManagerStore(pool *pgxpool.Pool) *ManagerStore {
	return &ManagerStore{pool: pool}
}

// GetByID returns the manager with the given id.
func (s *ManagerStore) GetByID(ctx context.Context, id string) (domain.Manager, error) {
	var m domain.Manager
	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, active, created_at FROM managers WHERE id = $1`, id,
	).Scan(&m.ID, &m.DisplayName, &m.Active, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Manager{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Manager{}, fmt.Errorf("postgres: get manager %s: %w", id, err)
	}
	return m, nil
}

// ListActiveWithLoad returns active managers with their open deal counts,
// ordered by tenure.
func (s *ManagerStore) ListActiveWithLoad(ctx context.Context) ([]domain.ManagerLoad, error) {
	const query = `
		SELECT m.id, m.display_name, m.active, m.created_at,
		       COUNT(d.id) FILTER (WHERE d.status = $1) AS open_deals
		FROM managers m
		LEFT JOIN deals d ON d.manager_id = m.id
		WHERE m.active
		GROUP BY m.id, m.display_name, m.active, m.created_at
		ORDER BY m.created_at, m.id`

	rows, err := s.pool.Query(ctx, query, string(domain.DealStatusHanded))
	if err != nil {
		return nil, fmt.Errorf("postgres: list managers with load: %w", err)
	}
	defer rows.Close()

	var loads []domain.ManagerLoad
	for rows.Next() {
		var l domain.ManagerLoad
		if err := rows.Scan(
			&l.Manager.ID, &l.Manager.DisplayName, &l.Manager.Active,
			&l.Manager.CreatedAt, &l.OpenDeals,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan manager load: %w", err)
		}
		loads = append(loads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate managers: %w", err)
	}
	return loads, nil
}

// Upsert inserts or updates a manager record.
func (s *ManagerStore) Upsert(ctx context.Context, m domain.Manager) error {
	const query = `
		INSERT INTO managers (id, display_name, active, created_at)
		VALUES ($1, $2, $3, COALESCE(NULLIF($4::timestamptz, '0001-01-01 00:00:00+00'::timestamptz), NOW()))
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    active = EXCLUDED.active`

	if _, err := s.pool.Exec(ctx, query, m.ID, m.DisplayName, m.Active, m.CreatedAt); err != nil {
		return fmt.Errorf("postgres: upsert manager %s: %w", m.ID, err)
	}
	return nil
}

var _ domain.ManagerStore = (*ManagerStore)(nil)
