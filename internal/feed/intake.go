// Package feed routes inbound chat traffic. Every message either belongs to
// a live negotiation session or is raw market chatter to mine for orders.
package feed

import (
	"context"
	"errors"
	"log/slog"

	"github.com/leadforge/dealbot/internal/domain"
	"github.com/leadforge/dealbot/internal/matcher"
)

// SessionRouter is the negotiation engine surface the intake needs: claim a
// message for a live session, or open sessions for freshly matched deals.
type SessionRouter interface {
	HandleIncoming(chatID, senderID int64, text string) bool
	Start(ctx context.Context, deal domain.Deal) error
}

// Matcher runs the matching pass for a newly extracted order.
type Matcher interface {
	FindMatches(ctx context.Context, order domain.Order) ([]domain.Deal, error)
}

// Intake bridges the chat transport to the rest of the pipeline. A message
// from a counterparty with a live session goes to that session's mailbox;
// everything else runs through order extraction and, when an order is found,
// the matching pass. Deals produced by the match get a session opened
// immediately.
type Intake struct {
	engine  SessionRouter
	matcher Matcher
	orders  domain.OrderStore
	logger  *slog.Logger
}

// NewIntake creates an Intake.
func NewIntake(engine SessionRouter, m Matcher, orders domain.OrderStore, logger *slog.Logger) *Intake {
	return &Intake{
		engine:  engine,
		matcher: m,
		orders:  orders,
		logger:  logger.With(slog.String("component", "intake")),
	}
}

// Bind registers the intake as the transport's inbound handler. The context
// bounds all work triggered by inbound messages; it should be the process
// root context.
func (i *Intake) Bind(ctx context.Context, transport domain.Transport) {
	transport.SetIncomingHandler(func(chatID, senderID int64, text string) {
		i.Handle(ctx, chatID, senderID, text)
	})
}

// Handle processes one inbound message.
func (i *Intake) Handle(ctx context.Context, chatID, senderID int64, text string) {
	if i.engine.HandleIncoming(chatID, senderID, text) {
		return
	}

	order, ok := matcher.OrderFromMessage(chatID, senderID, text)
	if !ok {
		return
	}

	if err := i.orders.Create(ctx, order); err != nil {
		if !errors.Is(err, domain.ErrAlreadyExists) {
			i.logger.WarnContext(ctx, "store order failed",
				slog.String("order_id", order.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	i.logger.InfoContext(ctx, "order extracted",
		slog.String("order_id", order.ID),
		slog.String("type", string(order.Type)),
		slog.String("product", order.ProductKey),
		slog.String("price", order.Price.String()),
	)

	deals, err := i.matcher.FindMatches(ctx, order)
	if err != nil {
		i.logger.WarnContext(ctx, "match pass failed",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, deal := range deals {
		if err := i.engine.Start(ctx, deal); err != nil {
			i.logger.WarnContext(ctx, "open session failed",
				slog.String("deal_id", deal.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
