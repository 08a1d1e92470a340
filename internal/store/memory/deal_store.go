package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/leadforge/dealbot/internal/domain"
)

// DealStore implements domain.DealStore in memory.
type DealStore struct {
	mu    sync.RWMutex
	deals map[string]domain.Deal
	pairs map[[2]string]string // (buy, sell) -> deal id
}

// NewDealStore creates an empty DealStore.
func NewDealStore() *DealStore {
	return &DealStore{
		deals: make(map[string]domain.Deal),
		pairs: make(map[[2]string]string),
	}
}

// Create inserts a new deal, enforcing pair uniqueness.
func (s *DealStore) Create(ctx context.Context, d domain.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair := [2]string{d.BuyOrderID, d.SellOrderID}
	if _, ok := s.pairs[pair]; ok {
		return domain.ErrAlreadyExists
	}
	if _, ok := s.deals[d.ID]; ok {
		return domain.ErrAlreadyExists
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	s.deals[d.ID] = d
	s.pairs[pair] = d.ID
	return nil
}

// GetByID returns the deal with the given id.
func (s *DealStore) GetByID(ctx context.Context, id string) (domain.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deals[id]
	if !ok {
		return domain.Deal{}, domain.ErrNotFound
	}
	return d, nil
}

// ListByStatus returns deals with the given status, oldest first.
func (s *DealStore) ListByStatus(ctx context.Context, status domain.DealStatus, opts domain.ListOpts) ([]domain.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Deal
	for _, d := range s.deals {
		if d.Status == status {
			out = append(out, d)
		}
	}
	sortDeals(out)
	return paginate(out, opts), nil
}

// ListUnassignedWarm returns up to limit WARM deals without a manager,
// oldest first.
func (s *DealStore) ListUnassignedWarm(ctx context.Context, limit int) ([]domain.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Deal
	for _, d := range s.deals {
		if d.Status == domain.DealStatusWarm && !d.Assigned() {
			out = append(out, d)
		}
	}
	sortDeals(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateStatus applies a status change conditional on the current status and
// version.
func (s *DealStore) UpdateStatus(ctx context.Context, id string, from, to domain.DealStatus, version int64, upd domain.DealUpdate) (domain.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[id]
	if !ok {
		return domain.Deal{}, domain.ErrNotFound
	}
	if d.Status != from || d.Version != version {
		return domain.Deal{}, domain.ErrStaleVersion
	}
	d.Status = to
	if upd.Insight != "" {
		d.Insight = upd.Insight
	}
	if upd.Resolution != "" {
		d.Resolution = upd.Resolution
	}
	d.Version++
	d.UpdatedAt = time.Now().UTC()
	s.deals[id] = d
	return d, nil
}

// Assign binds a manager and moves the deal to HANDED_TO_MANAGER atomically.
// Exactly one of concurrent claimers succeeds.
func (s *DealStore) Assign(ctx context.Context, dealID, managerID string, at time.Time) (domain.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[dealID]
	if !ok {
		return domain.Deal{}, domain.ErrNotFound
	}
	if d.Assigned() {
		return domain.Deal{}, domain.ErrAlreadyAssigned
	}
	if d.Status != domain.DealStatusWarm {
		return domain.Deal{}, domain.ErrStaleVersion
	}
	d.ManagerID = managerID
	d.AssignedAt = &at
	d.Status = domain.DealStatusHanded
	d.Version++
	d.UpdatedAt = time.Now().UTC()
	s.deals[dealID] = d
	return d, nil
}

// CountOpenByManager counts the deals currently handed to the manager.
func (s *DealStore) CountOpenByManager(ctx context.Context, managerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.deals {
		if d.ManagerID == managerID && d.Status == domain.DealStatusHanded {
			n++
		}
	}
	return n, nil
}

func sortDeals(deals []domain.Deal) {
	sort.Slice(deals, func(i, j int) bool {
		if deals[i].CreatedAt.Equal(deals[j].CreatedAt) {
			return deals[i].ID < deals[j].ID
		}
		return deals[i].CreatedAt.Before(deals[j].CreatedAt)
	})
}

func paginate(deals []domain.Deal, opts domain.ListOpts) []domain.Deal {
	if opts.Offset > 0 {
		if opts.Offset >= len(deals) {
			return nil
		}
		deals = deals[opts.Offset:]
	}
	if opts.Limit > 0 && len(deals) > opts.Limit {
		deals = deals[:opts.Limit]
	}
	return deals
}

var _ domain.DealStore = (*DealStore)(nil)
