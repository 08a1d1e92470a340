package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/leadforge/dealbot/internal/domain"
)

// EventChannel is the pub/sub channel deal events are published on.
// Subscribers (the websocket hub, the transcript archiver) listen here.
const EventChannel = "ch:deal"

// NotifySink is the subset of the notifier the emitter needs.
type NotifySink interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Emitter fans a deal event out to the audit log, the notification sink, and
// the event bus. Delivery is fire-and-forget: failures are logged and never
// propagated to the transition that produced the event.
type Emitter struct {
	audit  domain.AuditStore
	sink   NotifySink
	bus    domain.EventBus
	logger *slog.Logger
}

// NewEmitter creates an Emitter. Any of audit, sink, and bus may be nil; nil
// targets are skipped.
func NewEmitter(audit domain.AuditStore, sink NotifySink, bus domain.EventBus, logger *slog.Logger) *Emitter {
	return &Emitter{
		audit:  audit,
		sink:   sink,
		bus:    bus,
		logger: logger.With(slog.String("component", "emitter")),
	}
}

// Emit delivers the event to every configured target.
func (e *Emitter) Emit(ctx context.Context, ev domain.DealEvent) {
	if e.audit != nil {
		detail := map[string]any{
			"deal_id": ev.DealID,
			"from":    string(ev.From),
			"to":      string(ev.To),
		}
		if ev.Reason != "" {
			detail["reason"] = ev.Reason
		}
		if ev.ManagerID != "" {
			detail["manager_id"] = ev.ManagerID
		}
		if err := e.audit.Log(ctx, ev.Type, detail); err != nil {
			e.logger.WarnContext(ctx, "audit log failed",
				slog.String("deal_id", ev.DealID),
				slog.String("error", err.Error()),
			)
		}
	}

	if e.sink != nil {
		title := fmt.Sprintf("Deal %s: %s", ev.DealID, ev.To)
		msg := fmt.Sprintf("%s -> %s", ev.From, ev.To)
		if ev.Reason != "" {
			msg += " (" + ev.Reason + ")"
		}
		if ev.ManagerID != "" {
			msg += ", manager " + ev.ManagerID
		}
		if err := e.sink.Notify(ctx, ev.Type, title, msg); err != nil {
			e.logger.DebugContext(ctx, "notify failed",
				slog.String("deal_id", ev.DealID),
				slog.String("error", err.Error()),
			)
		}
	}

	if e.bus != nil {
		payload, err := json.Marshal(ev)
		if err == nil {
			err = e.bus.Publish(ctx, EventChannel, payload)
		}
		if err != nil {
			e.logger.DebugContext(ctx, "event publish failed",
				slog.String("deal_id", ev.DealID),
				slog.String("error", err.Error()),
			)
		}
	}
}
