package domain

import "time"

// Event types emitted to the audit sink and the event bus.
const (
	EventDealCreated   = "deal_created"
	EventStatusChanged = "status_changed"
	EventDealAssigned  = "deal_assigned"
)

// DealEvent describes a single state transition or assignment decision. It is
// emitted fire-and-forget on every accepted transition; the engine does not
// depend on its delivery.
type DealEvent struct {
	Type      string     `json:"type"`
	DealID    string     `json:"deal_id"`
	From      DealStatus `json:"from,omitempty"`
	To        DealStatus `json:"to,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	ManagerID string     `json:"manager_id,omitempty"`
	At        time.Time  `json:"at"`
}
