package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderType indicates which side of a trade an order represents.
type OrderType string

const (
	OrderTypeBuy  OrderType = "buy"  // someone wants to buy
	OrderTypeSell OrderType = "sell" // someone wants to sell
)

// Opposite returns the counter-side of the order type.
func (t OrderType) Opposite() OrderType {
	if t == OrderTypeBuy {
		return OrderTypeSell
	}
	return OrderTypeBuy
}

// Order is a buy or sell offer extracted from chat traffic. Orders are
// immutable once matched, except for the Active flag, which is cleared when
// the order is bound into a deal.
type Order struct {
	ID         string
	Type       OrderType
	Product    string // free text as extracted
	ProductKey string // normalized key used for matching
	Price      decimal.Decimal
	Quantity   string // free-text quantity descriptor ("2 шт", "опт")
	Region     string // empty means unknown, matches any region
	ChatID     int64  // origin chat
	SenderID   int64  // origin sender
	RawText    string
	Active     bool
	Version    int64 // optimistic concurrency token
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NormalizeProduct reduces a free-text product descriptor to the key used for
// matching: lowercased with runs of whitespace collapsed to single spaces.
func NormalizeProduct(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// RegionsCompatible reports whether two order regions are allowed to match.
// An empty region on either side acts as a wildcard.
func RegionsCompatible(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
