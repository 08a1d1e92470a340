// Package matcher pairs buy and sell orders into deal candidates. Matching is
// opportunistic: no counter-order is not an error, and re-running the matcher
// over unchanged orders never produces duplicate deals.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/leadforge/dealbot/internal/domain"
	"github.com/leadforge/dealbot/internal/lifecycle"
)

// Matcher finds compatible counter-orders and creates deals.
type Matcher struct {
	orders    domain.OrderStore
	deals     domain.DealStore
	emitter   *lifecycle.Emitter
	minMargin decimal.Decimal
	logger    *slog.Logger
}

// Config holds matcher parameters.
type Config struct {
	// MinMargin is the floor below which a pairing is not worth a deal.
	// Margin must always be strictly positive regardless of this value.
	MinMargin decimal.Decimal
}

// New creates a Matcher. The emitter may be nil.
func New(orders domain.OrderStore, deals domain.DealStore, emitter *lifecycle.Emitter, cfg Config, logger *slog.Logger) *Matcher {
	return &Matcher{
		orders:    orders,
		deals:     deals,
		emitter:   emitter,
		minMargin: cfg.MinMargin,
		logger:    logger.With(slog.String("component", "matcher")),
	}
}

// FindMatches pairs the given order with the best compatible counter-order
// and returns the deals created (at most one per call today, but the slice
// shape keeps re-sweeps uniform). Orders already consumed by another deal are
// skipped silently; no compatible counter-order yields an empty result and a
// nil error.
func (m *Matcher) FindMatches(ctx context.Context, order domain.Order) ([]domain.Deal, error) {
	if !order.Active {
		return nil, nil
	}

	candidates, err := m.orders.ListActive(ctx, order.ProductKey, order.Region)
	if err != nil {
		return nil, fmt.Errorf("matcher: list counter-orders: %w", err)
	}

	best, ok := m.pickBest(order, candidates)
	if !ok {
		return nil, nil
	}

	deal, err := m.createDeal(ctx, order, best)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// Pair already has a deal; re-matching is idempotent.
			return nil, nil
		}
		return nil, err
	}
	return []domain.Deal{deal}, nil
}

// pickBest selects the counter-order maximizing margin. Candidates arrive
// oldest first, so a strictly-greater comparison breaks margin ties in favor
// of the earliest-created order.
func (m *Matcher) pickBest(order domain.Order, candidates []domain.Order) (domain.Order, bool) {
	var (
		best       domain.Order
		bestMargin decimal.Decimal
		found      bool
	)
	for _, c := range candidates {
		if c.Type != order.Type.Opposite() || !c.Active || c.ID == order.ID {
			continue
		}
		margin := marginOf(order, c)
		if !margin.IsPositive() || margin.LessThan(m.minMargin) {
			continue
		}
		if !found || margin.GreaterThan(bestMargin) {
			best = c
			bestMargin = margin
			found = true
		}
	}
	return best, found
}

func marginOf(a, b domain.Order) decimal.Decimal {
	buy, sell := sides(a, b)
	return sell.Price.Sub(buy.Price)
}

func sides(a, b domain.Order) (buy, sell domain.Order) {
	if a.Type == domain.OrderTypeBuy {
		return a, b
	}
	return b, a
}

func (m *Matcher) createDeal(ctx context.Context, order, counter domain.Order) (domain.Deal, error) {
	buy, sell := sides(order, counter)

	region := sell.Region
	if region == "" {
		region = buy.Region
	}

	deal := domain.Deal{
		ID:             uuid.New().String(),
		BuyOrderID:     buy.ID,
		SellOrderID:    sell.ID,
		Product:        sell.Product,
		ProductKey:     sell.ProductKey,
		Region:         region,
		BuyPrice:       buy.Price,
		SellPrice:      sell.Price,
		Margin:         sell.Price.Sub(buy.Price),
		Status:         domain.DealStatusCold,
		SellerChatID:   sell.ChatID,
		SellerSenderID: sell.SenderID,
	}

	if err := m.deals.Create(ctx, deal); err != nil {
		return domain.Deal{}, err
	}

	// Each order anchors at most one open deal: consume both sides. A failed
	// CAS means another sweep already consumed the order; nothing to undo.
	for _, o := range []domain.Order{buy, sell} {
		if err := m.orders.Deactivate(ctx, o.ID, o.Version); err != nil &&
			!errors.Is(err, domain.ErrStaleVersion) {
			m.logger.WarnContext(ctx, "deactivate order failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	m.logger.InfoContext(ctx, "deal created",
		slog.String("deal_id", deal.ID),
		slog.String("product", deal.ProductKey),
		slog.String("margin", deal.Margin.String()),
	)

	if m.emitter != nil {
		m.emitter.Emit(ctx, domain.DealEvent{
			Type:   domain.EventDealCreated,
			DealID: deal.ID,
			To:     domain.DealStatusCold,
			At:     time.Now().UTC(),
		})
	}

	return deal, nil
}

// Sweep re-scans every active buy order against the current order book. It is
// restartable: the result is derived entirely from current store state.
func (m *Matcher) Sweep(ctx context.Context) (int, error) {
	active, err := m.orders.ListAllActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("matcher: sweep: %w", err)
	}

	created := 0
	for _, o := range active {
		if o.Type != domain.OrderTypeBuy {
			continue
		}
		// Re-read: a previous iteration may have consumed this order.
		current, err := m.orders.GetByID(ctx, o.ID)
		if err != nil || !current.Active {
			continue
		}
		deals, err := m.FindMatches(ctx, current)
		if err != nil {
			m.logger.WarnContext(ctx, "match failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		created += len(deals)
	}
	return created, nil
}

// Run sweeps on the given interval until the context is cancelled.
func (m *Matcher) Run(ctx context.Context, interval time.Duration) error {
	m.logger.InfoContext(ctx, "matcher started", slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := m.Sweep(ctx); err != nil {
				m.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
			} else if n > 0 {
				m.logger.InfoContext(ctx, "sweep complete", slog.Int("deals_created", n))
			}
		}
	}
}
