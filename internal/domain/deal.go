package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DealStatus tracks a deal through the negotiation pipeline.
type DealStatus string

const (
	DealStatusCold       DealStatus = "cold"              // just matched, seller not contacted
	DealStatusInProgress DealStatus = "in_progress"       // autonomous negotiation running
	DealStatusWarm       DealStatus = "warm"              // seller interested, ready for a human
	DealStatusHanded     DealStatus = "handed_to_manager" // bound to a manager
	DealStatusWon        DealStatus = "won"
	DealStatusLost       DealStatus = "lost"
)

// Terminal reports whether the status is final. No transition may leave a
// terminal status.
func (s DealStatus) Terminal() bool {
	return s == DealStatusWon || s == DealStatusLost
}

// Deal is a matched buy/sell order pair. It references its constituent orders
// but does not own them. Margin is stored redundantly and is updated in the
// same write as the prices it derives from; it always equals
// SellPrice - BuyPrice.
type Deal struct {
	ID          string
	BuyOrderID  string
	SellOrderID string
	Product     string
	ProductKey  string
	Region      string

	BuyPrice  decimal.Decimal
	SellPrice decimal.Decimal
	Margin    decimal.Decimal

	Status DealStatus

	// Seller side the negotiation targets.
	SellerChatID   int64
	SellerSenderID int64

	Insight    string // adapter summary captured on WARM
	Resolution string // why the deal closed (LOST/WON)

	ManagerID  string // empty until assigned
	AssignedAt *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ComputeMargin derives the margin from the two referenced prices. Stored
// Margin must always agree with this value.
func (d Deal) ComputeMargin() decimal.Decimal {
	return d.SellPrice.Sub(d.BuyPrice)
}

// Assigned reports whether a manager is bound to the deal.
func (d Deal) Assigned() bool {
	return d.ManagerID != ""
}
