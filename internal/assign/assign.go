// Package assign binds warm deals to managers. Two modes exist: auto, where
// a background router pushes each warm deal to the least-busy manager, and
// free-pool, where managers claim deals themselves. Both funnel through the
// lifecycle machine's atomic handoff, so a deal is assigned exactly once no
// matter how many claimers race.
package assign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leadforge/dealbot/internal/domain"
	"github.com/leadforge/dealbot/internal/lifecycle"
)

// Mode selects the assignment strategy.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeFreePool Mode = "free_pool"
)

// Config holds assignment parameters.
type Config struct {
	Mode Mode
	// MaxDealsPerManager caps concurrent open deals per manager. Zero means
	// unlimited.
	MaxDealsPerManager int
	// SweepInterval is how often the auto router retries unassigned warm
	// deals.
	SweepInterval time.Duration
	// BatchLimit bounds how many warm deals one sweep picks up.
	BatchLimit int
}

// Detacher is notified when a deal leaves autonomous negotiation. The
// negotiation engine implements it to silence the bot after handoff.
type Detacher interface {
	Detach(dealID string)
}

// Service implements both assignment modes over the same stores.
type Service struct {
	deals    domain.DealStore
	managers domain.ManagerStore
	machine  *lifecycle.Machine
	detacher Detacher
	cfg      Config
	logger   *slog.Logger
}

// New creates a Service. The detacher may be nil.
func New(deals domain.DealStore, managers domain.ManagerStore, machine *lifecycle.Machine, detacher Detacher, cfg Config, logger *slog.Logger) *Service {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	return &Service{
		deals:    deals,
		managers: managers,
		machine:  machine,
		detacher: detacher,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "assign")),
	}
}

// pick returns the least-busy active manager with spare capacity. Managers
// arrive ordered by creation time, and only a strictly lower load displaces
// the current choice, so ties go to the longest-tenured manager.
func (s *Service) pick(ctx context.Context) (domain.Manager, error) {
	loads, err := s.managers.ListActiveWithLoad(ctx)
	if err != nil {
		return domain.Manager{}, fmt.Errorf("assign: list managers: %w", err)
	}

	var (
		best  domain.Manager
		least int
		found bool
	)
	for _, l := range loads {
		if s.cfg.MaxDealsPerManager > 0 && l.OpenDeals >= s.cfg.MaxDealsPerManager {
			continue
		}
		if !found || l.OpenDeals < least {
			best = l.Manager
			least = l.OpenDeals
			found = true
		}
	}
	if !found {
		return domain.Manager{}, domain.ErrNoEligibleManager
	}
	return best, nil
}

// Assign hands a warm deal to the least-busy manager (auto mode). With every
// manager at capacity it returns domain.ErrNoEligibleManager and the deal
// stays WARM for a later sweep.
func (s *Service) Assign(ctx context.Context, dealID string) (domain.Deal, error) {
	mgr, err := s.pick(ctx)
	if err != nil {
		return domain.Deal{}, err
	}
	return s.handoff(ctx, dealID, mgr.ID)
}

// Claim hands the deal to the requesting manager (free-pool mode). Capacity
// is enforced per manager; losing the claim race surfaces
// domain.ErrAlreadyAssigned.
func (s *Service) Claim(ctx context.Context, dealID, managerID string) (domain.Deal, error) {
	mgr, err := s.managers.GetByID(ctx, managerID)
	if err != nil {
		return domain.Deal{}, fmt.Errorf("assign: manager %s: %w", managerID, err)
	}
	if !mgr.Active {
		return domain.Deal{}, fmt.Errorf("assign: manager %s is inactive: %w", managerID, domain.ErrNoEligibleManager)
	}
	if s.cfg.MaxDealsPerManager > 0 {
		open, err := s.deals.CountOpenByManager(ctx, managerID)
		if err != nil {
			return domain.Deal{}, fmt.Errorf("assign: count open deals: %w", err)
		}
		if open >= s.cfg.MaxDealsPerManager {
			return domain.Deal{}, fmt.Errorf("assign: manager %s at capacity: %w", managerID, domain.ErrNoEligibleManager)
		}
	}
	return s.handoff(ctx, dealID, managerID)
}

func (s *Service) handoff(ctx context.Context, dealID, managerID string) (domain.Deal, error) {
	deal, err := s.machine.Transition(ctx, dealID, domain.DealStatusHanded, lifecycle.TransitionOpts{
		ManagerID: managerID,
	})
	if err != nil {
		return domain.Deal{}, err
	}
	if s.detacher != nil {
		s.detacher.Detach(dealID)
	}
	s.logger.InfoContext(ctx, "deal handed off",
		slog.String("deal_id", dealID),
		slog.String("manager_id", managerID),
	)
	return deal, nil
}

// Sweep assigns every unassigned warm deal it can. Deals with no eligible
// manager are left in place for the next sweep.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	warm, err := s.deals.ListUnassignedWarm(ctx, s.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("assign: list warm deals: %w", err)
	}
	assigned := 0
	for _, d := range warm {
		if _, err := s.Assign(ctx, d.ID); err != nil {
			if errors.Is(err, domain.ErrNoEligibleManager) {
				s.logger.WarnContext(ctx, "no eligible manager, deal stays warm",
					slog.String("deal_id", d.ID))
				continue
			}
			if errors.Is(err, domain.ErrAlreadyAssigned) {
				continue
			}
			s.logger.ErrorContext(ctx, "assign failed",
				slog.String("deal_id", d.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		assigned++
	}
	return assigned, nil
}

// Run sweeps on the configured interval until the context is cancelled. Only
// started in auto mode.
func (s *Service) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "auto-assign router started",
		slog.Duration("interval", s.cfg.SweepInterval))
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
			} else if n > 0 {
				s.logger.InfoContext(ctx, "sweep complete", slog.Int("assigned", n))
			}
		}
	}
}
