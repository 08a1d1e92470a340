// Package negotiation drives autonomous seller conversations. Every deal gets
// at most one live session; each session is a single goroutine consuming a
// mailbox channel, so inbound messages for one deal are applied strictly in
// arrival order and never interleave.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leadforge/dealbot/internal/domain"
	"github.com/leadforge/dealbot/internal/lifecycle"
)

// Config holds engine tuning.
type Config struct {
	// InactivityTimeout closes a deal as LOST when the counterparty stays
	// silent for this long.
	InactivityTimeout time.Duration
	// AdapterRetries bounds attempts per adapter call before failing open.
	AdapterRetries int
	// TransportRetries bounds attempts per outbound send before the deal is
	// closed as undeliverable.
	TransportRetries int
	// RetryBackoff is the base delay between attempts, scaled linearly.
	RetryBackoff time.Duration
	// LockTTL is the lifetime of the per-deal exclusivity lock.
	LockTTL time.Duration
	// SweepInterval is how often Run picks up COLD deals.
	SweepInterval time.Duration
	// OpeningTemplate formats the first outbound message; it receives the
	// product name and the seller's asking price.
	OpeningTemplate string
	// MailboxSize is the inbound buffer per session.
	MailboxSize int
}

func (c *Config) applyDefaults() {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 24 * time.Hour
	}
	if c.AdapterRetries <= 0 {
		c.AdapterRetries = 3
	}
	if c.TransportRetries <= 0 {
		c.TransportRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.OpeningTemplate == "" {
		c.OpeningTemplate = "Здравствуйте! Увидел ваше объявление о продаже %s за %s. Ещё актуально?"
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 64
	}
}

type chatKey struct {
	chatID   int64
	senderID int64
}

// Engine owns all live negotiation sessions.
type Engine struct {
	deals     domain.DealStore
	store     domain.NegotiationStore
	machine   *lifecycle.Machine
	transport domain.Transport
	adapter   domain.ConversationAdapter
	locks     domain.LockManager
	cfg       Config
	logger    *slog.Logger

	mu     sync.Mutex
	byDeal map[string]*session
	byChat map[chatKey]*session
	wg     sync.WaitGroup
}

// NewEngine creates an Engine. It does not register itself with the
// transport; the composition layer routes inbound messages via
// HandleIncoming so unmatched messages can fall through to order extraction.
func NewEngine(
	deals domain.DealStore,
	store domain.NegotiationStore,
	machine *lifecycle.Machine,
	transport domain.Transport,
	adapter domain.ConversationAdapter,
	locks domain.LockManager,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	cfg.applyDefaults()
	return &Engine{
		deals:     deals,
		store:     store,
		machine:   machine,
		transport: transport,
		adapter:   adapter,
		locks:     locks,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "negotiation")),
		byDeal:    make(map[string]*session),
		byChat:    make(map[chatKey]*session),
	}
}

// Start opens (or resumes) the negotiation session for a deal. For a COLD
// deal it sends the opening message and, on successful delivery, moves the
// deal to IN_PROGRESS before the session goroutine begins consuming replies.
// A deal whose session is already live, or whose lock is held elsewhere, is
// skipped with a nil error. A deal whose seller chat is already owned by
// another deal's session is deferred the same way: inbound routing is keyed
// per chat, so a second conversation with the same seller would steal the
// first one's replies. The sweep retries once that session closes.
func (e *Engine) Start(ctx context.Context, deal domain.Deal) error {
	switch deal.Status {
	case domain.DealStatusCold, domain.DealStatusInProgress, domain.DealStatusWarm:
	default:
		return fmt.Errorf("negotiation: deal %s is %s: %w", deal.ID, deal.Status, domain.ErrIllegalTransition)
	}

	e.mu.Lock()
	if _, live := e.byDeal[deal.ID]; live {
		e.mu.Unlock()
		return nil
	}
	if other, busy := e.byChat[chatKey{deal.SellerChatID, deal.SellerSenderID}]; busy && !other.stopped() {
		e.mu.Unlock()
		e.logger.InfoContext(ctx, "seller chat busy, deferring deal",
			slog.String("deal_id", deal.ID),
			slog.String("busy_deal_id", other.dealID),
		)
		return nil
	}
	e.mu.Unlock()

	lease, err := e.locks.Acquire(ctx, "negotiation:"+deal.ID, e.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil
		}
		return fmt.Errorf("negotiation: lock deal %s: %w", deal.ID, err)
	}

	sess, err := e.openSession(ctx, deal)
	if err != nil {
		lease.Release()
		return err
	}

	s := &session{
		eng:      e,
		id:       sess.ID,
		dealID:   deal.ID,
		chatID:   sess.SellerChatID,
		senderID: sess.SellerSenderID,
		stage:    sess.Stage,
		parked:   deal.Status == domain.DealStatusWarm,
		mailbox:  make(chan string, e.cfg.MailboxSize),
		done:     make(chan struct{}),
		lease:    lease,
	}

	if deal.Status == domain.DealStatusCold {
		if err := s.sendOpening(ctx, deal); err != nil {
			lease.Release()
			return err
		}
	}

	e.mu.Lock()
	e.byDeal[deal.ID] = s
	e.byChat[chatKey{s.chatID, s.senderID}] = s
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		s.run(ctx)
	}()

	e.logger.InfoContext(ctx, "session started",
		slog.String("deal_id", deal.ID),
		slog.String("stage", string(s.stage)),
	)
	return nil
}

// openSession creates the session record, or adopts the existing one when
// resuming after a restart.
func (e *Engine) openSession(ctx context.Context, deal domain.Deal) (domain.NegotiationSession, error) {
	sess, err := e.store.CreateSession(ctx, domain.NegotiationSession{
		DealID:         deal.ID,
		Stage:          domain.StageInitial,
		SellerChatID:   deal.SellerChatID,
		SellerSenderID: deal.SellerSenderID,
	})
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, domain.ErrAlreadyExists) {
		return domain.NegotiationSession{}, fmt.Errorf("negotiation: create session for deal %s: %w", deal.ID, err)
	}
	sess, err = e.store.GetSessionByDeal(ctx, deal.ID)
	if err != nil {
		return domain.NegotiationSession{}, fmt.Errorf("negotiation: load session for deal %s: %w", deal.ID, err)
	}
	return sess, nil
}

// HandleIncoming routes an inbound counterparty message to its session's
// mailbox. It reports false when no session owns the chat, so the caller can
// treat the message as a potential new order instead.
func (e *Engine) HandleIncoming(chatID, senderID int64, text string) bool {
	e.mu.Lock()
	s, ok := e.byChat[chatKey{chatID, senderID}]
	e.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case s.mailbox <- text:
	case <-s.done:
		// Session ended while the message was in flight; it stays in the
		// platform history but is no longer negotiated over.
	}
	return true
}

// Close stops the session and marks the deal LOST with the given resolution.
// Used for operator-initiated closes.
func (e *Engine) Close(ctx context.Context, dealID, resolution string) error {
	if _, err := e.machine.MarkLost(ctx, dealID, "operator-close", resolution); err != nil {
		return err
	}
	e.mu.Lock()
	s, ok := e.byDeal[dealID]
	e.mu.Unlock()
	if ok {
		s.stop()
	}
	return nil
}

// Detach stops the live session for a deal without touching its status. Used
// when a deal is handed to a manager and the bot must go quiet.
func (e *Engine) Detach(dealID string) {
	e.mu.Lock()
	s, ok := e.byDeal[dealID]
	e.mu.Unlock()
	if ok {
		s.stop()
	}
}

func (e *Engine) deregister(s *session) {
	e.mu.Lock()
	if e.byDeal[s.dealID] == s {
		delete(e.byDeal, s.dealID)
	}
	key := chatKey{s.chatID, s.senderID}
	if e.byChat[key] == s {
		delete(e.byChat, key)
	}
	e.mu.Unlock()
}

// Run resumes interrupted sessions, then periodically picks up COLD deals
// until the context is cancelled. It waits for all sessions to drain before
// returning.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "engine started", slog.Duration("sweep_interval", e.cfg.SweepInterval))

	for _, status := range []domain.DealStatus{domain.DealStatusInProgress, domain.DealStatusWarm} {
		if err := e.startByStatus(ctx, status); err != nil {
			e.logger.ErrorContext(ctx, "resume failed",
				slog.String("status", string(status)),
				slog.String("error", err.Error()),
			)
		}
	}

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			if err := e.startByStatus(ctx, domain.DealStatusCold); err != nil {
				e.logger.ErrorContext(ctx, "cold sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (e *Engine) startByStatus(ctx context.Context, status domain.DealStatus) error {
	deals, err := e.deals.ListByStatus(ctx, status, domain.ListOpts{})
	if err != nil {
		return err
	}
	for _, d := range deals {
		if err := e.Start(ctx, d); err != nil {
			e.logger.WarnContext(ctx, "start session failed",
				slog.String("deal_id", d.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
