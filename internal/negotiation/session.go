package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leadforge/dealbot/internal/domain"
	"github.com/leadforge/dealbot/internal/lifecycle"
)

// session is the per-deal negotiation goroutine. All conversation state
// mutation happens on this goroutine; the rest of the engine only feeds the
// mailbox or signals done.
type session struct {
	eng      *Engine
	id       string
	dealID   string
	chatID   int64
	senderID int64
	stage    domain.NegotiationStage

	// parked means the deal reached WARM: inbound messages are still logged
	// but the bot no longer evaluates or replies.
	parked bool

	mailbox  chan string
	done     chan struct{}
	stopOnce sync.Once
	lease    domain.Lease
}

func (s *session) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *session) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) logger() *slog.Logger {
	return s.eng.logger.With(slog.String("deal_id", s.dealID))
}

// sendOpening delivers the first outbound message and advances the deal to
// IN_PROGRESS. Undeliverable openings close the deal immediately.
func (s *session) sendOpening(ctx context.Context, deal domain.Deal) error {
	text := fmt.Sprintf(s.eng.cfg.OpeningTemplate, deal.Product, deal.SellPrice.String())

	if err := s.sendWithRetry(ctx, text); err != nil {
		if _, lostErr := s.eng.machine.MarkLost(ctx, s.dealID, "delivery-failed", "opening message undeliverable"); lostErr != nil {
			s.logger().ErrorContext(ctx, "mark lost after failed opening", slog.String("error", lostErr.Error()))
		}
		return fmt.Errorf("negotiation: opening for deal %s: %w", s.dealID, err)
	}

	if _, err := s.eng.store.AppendMessage(ctx, domain.NegotiationMessage{
		SessionID: s.id,
		Role:      domain.RoleAssistant,
		Content:   text,
	}); err != nil {
		s.logger().WarnContext(ctx, "record opening message", slog.String("error", err.Error()))
	}

	if _, err := s.eng.machine.Transition(ctx, s.dealID, domain.DealStatusInProgress, lifecycle.TransitionOpts{
		Reason: "opening-sent",
	}); err != nil {
		return fmt.Errorf("negotiation: deal %s after opening: %w", s.dealID, err)
	}
	return nil
}

// run is the session loop. Inbound messages reset the inactivity timer;
// silence past the configured timeout closes the deal as LOST. The lock
// lease is refreshed on a heartbeat well inside its TTL; a session can
// outlive the TTL many times over and exclusivity must hold throughout.
func (s *session) run(ctx context.Context) {
	defer s.stop()
	defer s.eng.deregister(s)
	defer s.lease.Release()

	timer := time.NewTimer(s.eng.cfg.InactivityTimeout)
	defer timer.Stop()

	heartbeat := time.NewTicker(s.eng.cfg.LockTTL / 3)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-heartbeat.C:
			if err := s.lease.Refresh(ctx, s.eng.cfg.LockTTL); err != nil {
				// The lease lapsed and another instance may own the deal
				// now; stop rather than run a competing conversation.
				s.logger().WarnContext(ctx, "lock lease lost, stopping session",
					slog.String("error", err.Error()))
				return
			}
		case text := <-s.mailbox:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.eng.cfg.InactivityTimeout)
			if !s.handleIncoming(ctx, text) {
				return
			}
		case <-timer.C:
			s.onTimeout(ctx)
			return
		}
	}
}

// handleIncoming applies one counterparty message. The return value reports
// whether the session should keep running.
func (s *session) handleIncoming(ctx context.Context, text string) bool {
	if _, err := s.eng.store.AppendMessage(ctx, domain.NegotiationMessage{
		SessionID: s.id,
		Role:      domain.RoleCounterparty,
		Content:   text,
	}); err != nil {
		s.logger().ErrorContext(ctx, "record inbound message", slog.String("error", err.Error()))
		return true
	}

	if s.parked {
		return true
	}

	deal, err := s.eng.deals.GetByID(ctx, s.dealID)
	if err != nil {
		s.logger().ErrorContext(ctx, "load deal", slog.String("error", err.Error()))
		return true
	}
	history, err := s.eng.store.ListMessages(ctx, s.id)
	if err != nil {
		s.logger().ErrorContext(ctx, "load history", slog.String("error", err.Error()))
		return true
	}

	judgment, err := s.evaluateWithRetry(ctx, domain.EvalRequest{
		Deal:    deal,
		Stage:   s.stage,
		History: history,
	})
	if err != nil {
		// Fail open: the conversation hangs in place until the adapter
		// recovers or the inactivity timeout closes the deal.
		s.logger().WarnContext(ctx, "adapter unavailable, keeping deal open",
			slog.String("error", err.Error()))
		return true
	}
	if s.stopped() {
		// Closed while the adapter call was in flight; the verdict no
		// longer has a deal to act on.
		return false
	}

	switch judgment.Verdict {
	case domain.VerdictWarm:
		return s.onWarm(ctx, judgment)
	case domain.VerdictLost:
		return s.onLost(ctx, judgment)
	default:
		return s.onContinue(ctx, judgment)
	}
}

func (s *session) onWarm(ctx context.Context, j domain.Judgment) bool {
	if _, err := s.eng.machine.Transition(ctx, s.dealID, domain.DealStatusWarm, lifecycle.TransitionOpts{
		Reason:  "adapter-warm",
		Insight: j.Insight,
	}); err != nil {
		s.logger().ErrorContext(ctx, "transition to warm", slog.String("error", err.Error()))
		return true
	}
	s.setStage(ctx, domain.StageWarm)
	s.parked = true
	s.logger().InfoContext(ctx, "deal warmed", slog.String("insight", j.Insight))
	return true
}

func (s *session) onLost(ctx context.Context, j domain.Judgment) bool {
	resolution := j.Insight
	if resolution == "" {
		resolution = "seller declined"
	}
	if _, err := s.eng.machine.MarkLost(ctx, s.dealID, "adapter-close", resolution); err != nil {
		s.logger().ErrorContext(ctx, "mark lost", slog.String("error", err.Error()))
		return true
	}
	s.setStage(ctx, domain.StageClosed)
	return false
}

func (s *session) onContinue(ctx context.Context, j domain.Judgment) bool {
	if j.Reply == "" {
		return true
	}
	if err := s.sendWithRetry(ctx, j.Reply); err != nil {
		s.logger().WarnContext(ctx, "reply undeliverable, closing deal", slog.String("error", err.Error()))
		if _, lostErr := s.eng.machine.MarkLost(ctx, s.dealID, "delivery-failed", "reply undeliverable"); lostErr != nil {
			s.logger().ErrorContext(ctx, "mark lost after failed send", slog.String("error", lostErr.Error()))
		}
		s.setStage(ctx, domain.StageClosed)
		return false
	}
	if _, err := s.eng.store.AppendMessage(ctx, domain.NegotiationMessage{
		SessionID: s.id,
		Role:      domain.RoleAssistant,
		Content:   j.Reply,
	}); err != nil {
		s.logger().ErrorContext(ctx, "record outbound message", slog.String("error", err.Error()))
	}
	s.setStage(ctx, lifecycle.StageForVerdict(s.stage, domain.VerdictContinue))
	return true
}

// onTimeout fires when the counterparty has been silent too long. The deal
// may have been handed off or closed by someone else in the meantime, so the
// current status is checked before anything is marked.
func (s *session) onTimeout(ctx context.Context) {
	deal, err := s.eng.deals.GetByID(ctx, s.dealID)
	if err != nil {
		s.logger().ErrorContext(ctx, "load deal on timeout", slog.String("error", err.Error()))
		return
	}
	switch deal.Status {
	case domain.DealStatusInProgress, domain.DealStatusWarm, domain.DealStatusCold:
	default:
		return
	}
	if _, err := s.eng.machine.MarkLost(ctx, s.dealID, "timeout", "no counterparty reply"); err != nil {
		s.logger().ErrorContext(ctx, "mark lost on timeout", slog.String("error", err.Error()))
		return
	}
	s.setStage(ctx, domain.StageClosed)
	s.logger().InfoContext(ctx, "deal timed out")
}

func (s *session) setStage(ctx context.Context, stage domain.NegotiationStage) {
	if stage == s.stage {
		return
	}
	s.stage = stage
	if err := s.eng.store.UpdateStage(ctx, s.id, stage); err != nil {
		s.logger().WarnContext(ctx, "persist stage", slog.String("error", err.Error()))
	}
}

func (s *session) sendWithRetry(ctx context.Context, text string) error {
	return withRetry(ctx, s.eng.cfg.TransportRetries, s.eng.cfg.RetryBackoff, func() error {
		return s.eng.transport.Send(ctx, s.chatID, s.senderID, text)
	})
}

func (s *session) evaluateWithRetry(ctx context.Context, req domain.EvalRequest) (domain.Judgment, error) {
	var j domain.Judgment
	err := withRetry(ctx, s.eng.cfg.AdapterRetries, s.eng.cfg.RetryBackoff, func() error {
		var callErr error
		j, callErr = s.eng.adapter.Evaluate(ctx, req)
		return callErr
	})
	return j, err
}

func withRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff * time.Duration(i+1)):
		}
	}
	return err
}
