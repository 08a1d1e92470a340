package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// OrderStore persists extracted buy/sell orders.
type OrderStore interface {
	Create(ctx context.Context, o Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	// ListActive returns active orders for the given normalized product key.
	// An empty region matches any region, on either side of the filter.
	ListActive(ctx context.Context, productKey, region string) ([]Order, error)
	ListAllActive(ctx context.Context) ([]Order, error)
	// Deactivate clears the active flag. The write is conditional on the
	// order still being active at the given version; a failed condition
	// returns ErrStaleVersion and the caller must re-read.
	Deactivate(ctx context.Context, id string, version int64) error
}

// DealUpdate carries the optional fields a status transition may record.
type DealUpdate struct {
	Insight    string
	Resolution string
}

// DealStore persists matched deals. All writes are compare-and-swap style:
// they apply only when the stored status and version match the caller's
// expectation, otherwise ErrStaleVersion is returned.
type DealStore interface {
	// Create inserts a new deal. The (buy order, sell order) pair is unique;
	// a duplicate returns ErrAlreadyExists.
	Create(ctx context.Context, d Deal) error
	GetByID(ctx context.Context, id string) (Deal, error)
	ListByStatus(ctx context.Context, status DealStatus, opts ListOpts) ([]Deal, error)
	ListUnassignedWarm(ctx context.Context, limit int) ([]Deal, error)
	UpdateStatus(ctx context.Context, id string, from, to DealStatus, version int64, upd DealUpdate) (Deal, error)
	// Assign binds a manager and moves the deal to HANDED_TO_MANAGER in one
	// atomic write. It succeeds only while the deal is WARM and unassigned;
	// losing the race returns ErrAlreadyAssigned.
	Assign(ctx context.Context, dealID, managerID string, at time.Time) (Deal, error)
	CountOpenByManager(ctx context.Context, managerID string) (int, error)
}

// NegotiationStore persists sessions and their append-only message logs.
type NegotiationStore interface {
	// CreateSession inserts a session; at most one exists per deal
	// (ErrAlreadyExists otherwise).
	CreateSession(ctx context.Context, s NegotiationSession) (NegotiationSession, error)
	GetSessionByDeal(ctx context.Context, dealID string) (NegotiationSession, error)
	GetSessionByCounterparty(ctx context.Context, chatID, senderID int64) (NegotiationSession, error)
	UpdateStage(ctx context.Context, sessionID string, stage NegotiationStage) error
	// AppendMessage assigns the next per-session sequence number and stores
	// the message.
	AppendMessage(ctx context.Context, m NegotiationMessage) (NegotiationMessage, error)
	// ListMessages returns the session log ordered by sequence number.
	ListMessages(ctx context.Context, sessionID string) ([]NegotiationMessage, error)
}

// ManagerStore is the manager registry consumed by the assignment policy.
type ManagerStore interface {
	GetByID(ctx context.Context, id string) (Manager, error)
	// ListActiveWithLoad returns every active manager together with their
	// current open deal count, computed at read time.
	ListActiveWithLoad(ctx context.Context) ([]ManagerLoad, error)
	Upsert(ctx context.Context, m Manager) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
