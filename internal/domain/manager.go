package domain

import "time"

// Manager is a human operator who can receive warm deals.
type Manager struct {
	ID          string
	DisplayName string
	Active      bool
	CreatedAt   time.Time
}

// ManagerLoad pairs a manager with the number of deals currently handed to
// them. It is a read-time aggregate computed from current deal records, never
// a cached counter.
type ManagerLoad struct {
	Manager   Manager
	OpenDeals int
}
