// Package lifecycle owns the canonical deal state machine. Every deal status
// mutation in the system goes through Machine.Transition, which validates the
// requested edge against the transition table and applies it with an
// optimistic-concurrency write.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leadforge/dealbot/internal/domain"
)

// legal is the transition table. LOST is reachable from every non-terminal
// state; WON only from HANDED_TO_MANAGER.
var legal = map[domain.DealStatus][]domain.DealStatus{
	domain.DealStatusCold:       {domain.DealStatusInProgress, domain.DealStatusLost},
	domain.DealStatusInProgress: {domain.DealStatusWarm, domain.DealStatusLost},
	domain.DealStatusWarm:       {domain.DealStatusHanded, domain.DealStatusLost},
	domain.DealStatusHanded:     {domain.DealStatusWon, domain.DealStatusLost},
}

func allowed(from, to domain.DealStatus) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionOpts carries the optional payload a transition may record on the
// deal.
type TransitionOpts struct {
	Reason     string // audit reason ("timeout", "delivery-failed", ...)
	Insight    string // adapter insight, recorded on WARM
	Resolution string // close explanation, recorded on WON/LOST
	ManagerID  string // required for WARM -> HANDED_TO_MANAGER
}

// Machine validates and applies deal status transitions.
type Machine struct {
	deals   domain.DealStore
	emitter *Emitter
	logger  *slog.Logger
}

// NewMachine creates a Machine. The emitter may be nil, in which case no
// events are published.
func NewMachine(deals domain.DealStore, emitter *Emitter, logger *slog.Logger) *Machine {
	return &Machine{
		deals:   deals,
		emitter: emitter,
		logger:  logger.With(slog.String("component", "lifecycle")),
	}
}

// Transition moves the deal to the requested status. It is the single
// authority on transition legality: an edge missing from the table, or any
// edge out of a terminal state, fails with domain.ErrIllegalTransition and
// leaves the deal unchanged. A concurrent writer surfacing
// domain.ErrStaleVersion triggers one re-read and re-validation before the
// error is returned to the caller.
func (m *Machine) Transition(ctx context.Context, dealID string, to domain.DealStatus, opts TransitionOpts) (domain.Deal, error) {
	deal, err := m.deals.GetByID(ctx, dealID)
	if err != nil {
		return domain.Deal{}, fmt.Errorf("lifecycle: load deal %s: %w", dealID, err)
	}

	for attempt := 0; ; attempt++ {
		updated, err := m.apply(ctx, deal, to, opts)
		if err == nil {
			m.emit(ctx, deal.Status, updated, opts)
			return updated, nil
		}
		if !errors.Is(err, domain.ErrStaleVersion) || attempt > 0 {
			return domain.Deal{}, err
		}
		// Lost a version race: re-read and re-validate once.
		deal, err = m.deals.GetByID(ctx, dealID)
		if err != nil {
			return domain.Deal{}, fmt.Errorf("lifecycle: reload deal %s: %w", dealID, err)
		}
	}
}

func (m *Machine) apply(ctx context.Context, deal domain.Deal, to domain.DealStatus, opts TransitionOpts) (domain.Deal, error) {
	from := deal.Status
	if from.Terminal() || !allowed(from, to) {
		return domain.Deal{}, fmt.Errorf("lifecycle: deal %s: %s -> %s: %w",
			deal.ID, from, to, domain.ErrIllegalTransition)
	}

	if to == domain.DealStatusHanded {
		if opts.ManagerID == "" {
			return domain.Deal{}, fmt.Errorf("lifecycle: deal %s: handoff requires a manager: %w",
				deal.ID, domain.ErrIllegalTransition)
		}
		if deal.Assigned() {
			return domain.Deal{}, fmt.Errorf("lifecycle: deal %s: %w", deal.ID, domain.ErrAlreadyAssigned)
		}
		updated, err := m.deals.Assign(ctx, deal.ID, opts.ManagerID, time.Now().UTC())
		if err != nil {
			return domain.Deal{}, fmt.Errorf("lifecycle: assign deal %s: %w", deal.ID, err)
		}
		return updated, nil
	}

	updated, err := m.deals.UpdateStatus(ctx, deal.ID, from, to, deal.Version, domain.DealUpdate{
		Insight:    opts.Insight,
		Resolution: opts.Resolution,
	})
	if err != nil {
		return domain.Deal{}, fmt.Errorf("lifecycle: deal %s: %s -> %s: %w", deal.ID, from, to, err)
	}
	return updated, nil
}

// MarkLost moves the deal to LOST with the given reason. Unlike Transition it
// is idempotent: a deal that is already LOST is returned unchanged with a nil
// error, so timeout re-fires and racing close requests are harmless.
func (m *Machine) MarkLost(ctx context.Context, dealID, reason, resolution string) (domain.Deal, error) {
	deal, err := m.Transition(ctx, dealID, domain.DealStatusLost, TransitionOpts{
		Reason:     reason,
		Resolution: resolution,
	})
	if err == nil {
		return deal, nil
	}
	if errors.Is(err, domain.ErrIllegalTransition) {
		current, getErr := m.deals.GetByID(ctx, dealID)
		if getErr == nil && current.Status == domain.DealStatusLost {
			return current, nil
		}
	}
	return domain.Deal{}, err
}

// MarkWon moves the deal to WON. Only legal from HANDED_TO_MANAGER; the
// resolution records why the manager closed it.
func (m *Machine) MarkWon(ctx context.Context, dealID, resolution string) (domain.Deal, error) {
	return m.Transition(ctx, dealID, domain.DealStatusWon, TransitionOpts{
		Reason:     "manager-close",
		Resolution: resolution,
	})
}

func (m *Machine) emit(ctx context.Context, from domain.DealStatus, deal domain.Deal, opts TransitionOpts) {
	if m.emitter == nil {
		return
	}
	typ := domain.EventStatusChanged
	if deal.Status == domain.DealStatusHanded {
		typ = domain.EventDealAssigned
	}
	m.emitter.Emit(ctx, domain.DealEvent{
		Type:      typ,
		DealID:    deal.ID,
		From:      from,
		To:        deal.Status,
		Reason:    opts.Reason,
		ManagerID: deal.ManagerID,
		At:        time.Now().UTC(),
	})
}
