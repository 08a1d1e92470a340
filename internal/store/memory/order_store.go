// Package memory implements the domain store interfaces with mutex-guarded
// maps. It backs the "memory" run mode and the package tests, and honors the
// same compare-and-swap semantics as the PostgreSQL implementations.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/leadforge/dealbot/internal/domain"
)

// OrderStore implements domain.OrderStore in memory.
type OrderStore struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

// NewOrderStore creates an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[string]domain.Order)}
}

// Create inserts a new order.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return domain.ErrAlreadyExists
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	s.orders[o.ID] = o
	return nil
}

// GetByID returns the order with the given id.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

// ListActive returns active orders for the product key, region-filtered with
// wildcard semantics, ordered oldest first.
func (s *OrderStore) ListActive(ctx context.Context, productKey, region string) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.orders {
		if !o.Active || o.ProductKey != productKey {
			continue
		}
		if !domain.RegionsCompatible(o.Region, region) {
			continue
		}
		out = append(out, o)
	}
	sortByCreation(out)
	return out, nil
}

// ListAllActive returns every active order, oldest first.
func (s *OrderStore) ListAllActive(ctx context.Context) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.Active {
			out = append(out, o)
		}
	}
	sortByCreation(out)
	return out, nil
}

// Deactivate clears the active flag, conditional on the order still being
// active at the given version.
func (s *OrderStore) Deactivate(ctx context.Context, id string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !o.Active || o.Version != version {
		return domain.ErrStaleVersion
	}
	o.Active = false
	o.Version++
	o.UpdatedAt = time.Now().UTC()
	s.orders[id] = o
	return nil
}

func sortByCreation(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

var _ domain.OrderStore = (*OrderStore)(nil)
