package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leadforge/dealbot/internal/domain"
)

type lockEntry struct {
	token  string
	expiry time.Time
}

// LockManager implements domain.LockManager with an in-process keyed table.
// It provides the per-deal exclusivity guarantee for single-instance
// deployments; multi-instance deployments use the Redis implementation.
// Refresh and Release are token-guarded like the Redis one, so a holder
// whose lease expired cannot disturb the lock's next owner.
type LockManager struct {
	mu   sync.Mutex
	held map[string]lockEntry
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]lockEntry)}
}

type memoryLease struct {
	lm    *LockManager
	key   string
	token string
}

// Refresh extends the lease TTL. A lease that expired and was taken over by
// another holder surfaces as domain.ErrLockHeld.
func (l *memoryLease) Refresh(ctx context.Context, ttl time.Duration) error {
	l.lm.mu.Lock()
	defer l.lm.mu.Unlock()
	entry, ok := l.lm.held[l.key]
	if !ok || entry.token != l.token {
		return domain.ErrLockHeld
	}
	entry.expiry = time.Now().Add(ttl)
	l.lm.held[l.key] = entry
	return nil
}

// Release frees the lock if this lease still holds it. Safe to call more
// than once.
func (l *memoryLease) Release() {
	l.lm.mu.Lock()
	defer l.lm.mu.Unlock()
	if entry, ok := l.lm.held[l.key]; ok && entry.token == l.token {
		delete(l.lm.held, l.key)
	}
}

// Acquire takes the lock for key if it is free or expired.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (domain.Lease, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := time.Now()
	if entry, ok := lm.held[key]; ok && entry.expiry.After(now) {
		return nil, domain.ErrLockHeld
	}
	token := uuid.New().String()
	lm.held[key] = lockEntry{token: token, expiry: now.Add(ttl)}
	return &memoryLease{lm: lm, key: key, token: token}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
