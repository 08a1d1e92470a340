package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/leadforge/dealbot/internal/domain"
)

// openDealCounter is the slice of the deal store the manager registry needs
// to compute load at read time.
type openDealCounter interface {
	CountOpenByManager(ctx context.Context, managerID string) (int, error)
}

// ManagerStore implements domain.ManagerStore in memory. Load is recomputed
// from current deal records on every read, never cached.
type ManagerStore struct {
	mu       sync.RWMutex
	managers map[string]domain.Manager
	deals    openDealCounter
}

// NewManagerStore creates a ManagerStore that computes load via the given
// counter.
func NewManagerStore(deals openDealCounter) *ManagerStore {
	return &ManagerStore{
		managers: make(map[string]domain.Manager),
		deals:    deals,
	}
}

// GetByID returns the manager with the given id.
func (s *ManagerStore) GetByID(ctx context.Context, id string) (domain.Manager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.managers[id]
	if !ok {
		return domain.Manager{}, domain.ErrNotFound
	}
	return m, nil
}

// ListActiveWithLoad returns every active manager with their current open
// deal count, ordered by account creation time.
func (s *ManagerStore) ListActiveWithLoad(ctx context.Context) ([]domain.ManagerLoad, error) {
	s.mu.RLock()
	var active []domain.Manager
	for _, m := range s.managers {
		if m.Active {
			active = append(active, m)
		}
	}
	s.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool {
		if active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	out := make([]domain.ManagerLoad, 0, len(active))
	for _, m := range active {
		n, err := s.deals.CountOpenByManager(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.ManagerLoad{Manager: m, OpenDeals: n})
	}
	return out, nil
}

// Upsert inserts or replaces a manager record.
func (s *ManagerStore) Upsert(ctx context.Context, m domain.Manager) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.managers[m.ID]; ok && m.CreatedAt.IsZero() {
		m.CreatedAt = existing.CreatedAt
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.managers[m.ID] = m
	return nil
}

var _ domain.ManagerStore = (*ManagerStore)(nil)
