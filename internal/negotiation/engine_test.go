package negotiation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/leadforge/dealbot/internal/domain"
	"github.com/leadforge/dealbot/internal/lifecycle"
	"github.com/leadforge/dealbot/internal/store/memory"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []string
	failNext int  // fail this many sends, then succeed
	failAll  bool // fail every send
}

func (f *fakeTransport) Send(ctx context.Context, chatID, senderID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll || f.failNext > 0 {
		if f.failNext > 0 {
			f.failNext--
		}
		return errors.New("transport down")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) SetIncomingHandler(fn func(chatID, senderID int64, text string)) {}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeAdapter struct {
	mu    sync.Mutex
	calls int
	eval  func(req domain.EvalRequest) (domain.Judgment, error)
	gate  chan struct{} // when non-nil, Evaluate blocks until the gate closes
}

func (f *fakeAdapter) Evaluate(ctx context.Context, req domain.EvalRequest) (domain.Judgment, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	eval := f.eval
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if eval == nil {
		return domain.Judgment{Verdict: domain.VerdictContinue}, nil
	}
	return eval(req)
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testRig struct {
	engine    *Engine
	deals     *memory.DealStore
	sessions  *memory.NegotiationStore
	machine   *lifecycle.Machine
	transport *fakeTransport
	adapter   *fakeAdapter
	locks     *memory.LockManager
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	deals := memory.NewDealStore()
	sessions := memory.NewNegotiationStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	machine := lifecycle.NewMachine(deals, nil, logger)
	transport := &fakeTransport{}
	adapter := &fakeAdapter{}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = time.Hour
	}
	locks := memory.NewLockManager()
	engine := NewEngine(deals, sessions, machine, transport, adapter, locks, cfg, logger)
	return &testRig{
		engine:    engine,
		deals:     deals,
		sessions:  sessions,
		machine:   machine,
		transport: transport,
		adapter:   adapter,
		locks:     locks,
	}
}

func (r *testRig) seedColdDeal(t *testing.T, id string) domain.Deal {
	t.Helper()
	d := domain.Deal{
		ID:             id,
		BuyOrderID:     id + "-buy",
		SellOrderID:    id + "-sell",
		Product:        "iphone 15 pro max",
		BuyPrice:       decimal.NewFromInt(95000),
		SellPrice:      decimal.NewFromInt(105000),
		Margin:         decimal.NewFromInt(10000),
		Status:         domain.DealStatusCold,
		SellerChatID:   100,
		SellerSenderID: 200,
	}
	if err := r.deals.Create(context.Background(), d); err != nil {
		t.Fatalf("seed deal: %v", err)
	}
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (r *testRig) dealStatus(t *testing.T, id string) domain.DealStatus {
	t.Helper()
	d, err := r.deals.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}
	return d.Status
}

func TestStartSendsOpeningAndMovesInProgress(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deal := r.seedColdDeal(t, "d1")

	if err := r.engine.Start(ctx, deal); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got := r.transport.sentCount(); got != 1 {
		t.Fatalf("sent %d messages, want exactly 1 opening", got)
	}
	if got := r.dealStatus(t, "d1"); got != domain.DealStatusInProgress {
		t.Fatalf("status = %s, want %s", got, domain.DealStatusInProgress)
	}

	sess, err := r.sessions.GetSessionByDeal(ctx, "d1")
	if err != nil {
		t.Fatalf("session not created: %v", err)
	}
	msgs, err := r.sessions.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != domain.RoleAssistant {
		t.Fatalf("message log = %+v, want one assistant opening", msgs)
	}
}

func TestStartIsIdempotentForLiveSession(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deal := r.seedColdDeal(t, "d1")

	if err := r.engine.Start(ctx, deal); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := r.engine.Start(ctx, deal); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := r.transport.sentCount(); got != 1 {
		t.Fatalf("sent %d messages, a live session must not reopen", got)
	}
}

func TestStartUndeliverableOpeningMarksLost(t *testing.T) {
	r := newTestRig(t, Config{TransportRetries: 3})
	r.transport.failAll = true
	ctx := context.Background()
	deal := r.seedColdDeal(t, "d1")

	if err := r.engine.Start(ctx, deal); err == nil {
		t.Fatal("Start succeeded with a dead transport")
	}
	if got := r.dealStatus(t, "d1"); got != domain.DealStatusLost {
		t.Fatalf("status = %s, want %s", got, domain.DealStatusLost)
	}
}

func TestOpeningRetriesThroughTransientSendFailure(t *testing.T) {
	r := newTestRig(t, Config{TransportRetries: 3})
	r.transport.failNext = 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deal := r.seedColdDeal(t, "d1")

	if err := r.engine.Start(ctx, deal); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := r.dealStatus(t, "d1"); got != domain.DealStatusInProgress {
		t.Fatalf("status = %s, want %s", got, domain.DealStatusInProgress)
	}
}

func TestWarmVerdictStoresInsightAndParks(t *testing.T) {
	r := newTestRig(t, Config{})
	r.adapter.eval = func(req domain.EvalRequest) (domain.Judgment, error) {
		return domain.Judgment{Verdict: domain.VerdictWarm, Insight: "ready to sell today, cash only"}, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deal := r.seedColdDeal(t, "d1")

	if err := r.engine.Start(ctx, deal); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !r.engine.HandleIncoming(100, 200, "да, актуально") {
		t.Fatal("inbound message not routed to session")
	}

	waitFor(t, "deal to warm", func() bool {
		return r.dealStatus(t, "d1") == domain.DealStatusWarm
	})

	d, _ := r.deals.GetByID(ctx, "d1")
	if d.Insight != "ready to sell today, cash only" {
		t.Errorf("insight = %q, not stored", d.Insight)
	}

	// Parked: further inbound is logged but triggers no adapter calls and no
	// autonomous replies.
	callsBefore := r.adapter.callCount()
	r.engine.HandleIncoming(100, 200, "ну что, берёте?")
	sess, _ := r.sessions.GetSessionByDeal(ctx, "d1")
	waitFor(t, "parked message to be logged", func() bool {
		msgs, _ := r.sessions.ListMessages(ctx, sess.ID)
		return len(msgs) == 3 // opening + 2 inbound
	})
	if got := r.adapter.callCount(); got != callsBefore {
		t.Errorf("adapter called %d times after warm, want %d", got, callsBefore)
	}
	if got := r.transport.sentCount(); got != 1 {
		t.Errorf("sent %d messages, want only the opening", got)
	}
}

func TestLostVerdictClosesDeal(t *testing.T) {
	r := newTestRig(t, Config{})
	r.adapter.eval = func(req domain.EvalRequest) (domain.Judgment, error) {
		return domain.Judgment{Verdict: domain.VerdictLost, Insight: "already sold"}, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deal := r.seedColdDeal(t, "d1")

	if err := r.engine.Start(ctx, deal); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.engine.HandleIncoming(100, 200, "уже продал")

	waitFor(t, "deal to close", func() bool {
		return r.dealStatus(t, "d1") == domain.DealStatusLost
	})
	d, _ := r.deals.GetByID(ctx, "d1")
	if d.Resolution != "already sold" {
		t.Errorf("resolution = %q, want %q", d.Resolution, "already sold")
	}
}

func TestContinueVerdictRepliesAndAdvancesStage(t *testing.T) {
	r := newTestRig(t, Config{})
	r.adapter.eval = func(req domain.EvalRequest) (domain.Judgment, error) {
		return domain.Judgment{Verdict: domain.VerdictContinue, Reply: "Отлично, а какое состояние?"}, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deal := r.seedColdDeal(t, "d1")

	if err := r.engine.Start(ctx, deal); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.engine.HandleIncoming(100, 200, "да, продаю")

	waitFor(t, "reply to be sent", func() bool {
		return r.transport.sentCount() == 2
	})
	sess, _ := r.sessions.GetSessionByDeal(ctx, "d1")
	waitFor(t, "stage to advance", func() bool {
		s, _ := r.sessions.GetSessionByDeal(ctx, "d1")
		return s.Stage == domain.StageContacted
	})
	msgs, _ := r.sessions.ListMessages(ctx, sess.ID)
	if len(msgs) != 3 {
		t.Fatalf("message log has %d entries, want 3 (opening, inbound, reply)", len(msgs))
	}
}

func TestInboundAppliedInArrivalOrder(t *testing.T) {
	r := newTestRig(t, Config{})
	r.adapter.eval = func(req domain.EvalRequest) (domain.Judgment, error) {
		return domain.Judgment{Verdict: domain.VerdictContinue}, nil // no reply, just consume
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deal := r.seedColdDeal(t, "d1")

	if err := r.engine.Start(ctx, deal); err != nil {
		t.Fatalf("Start: %v", err)
	}

	const n = 10
	for i := 0; i < n; i++ {
		r.engine.HandleIncoming(100, 200, fmt.Sprintf("msg-%d", i))
	}

	sess, _ := r.sessions.GetSessionByDeal(ctx, "d1")
	waitFor(t, "all inbound to be applied", func() bool {
		msgs, _ := r.sessions.ListMessages(ctx, sess.ID)
		return len(msgs) == n+1
	})

	msgs, _ := r.sessions.ListMessages(ctx, sess.ID)
	i := 0
	for _, m := range msgs {
		if m.Role != domain.RoleCounterparty {
			continue
		}
		if want := fmt.Sprintf("msg-%d", i); m.Content != want {
			t.Fatalf("inbound %d = %q, want %q (out of order)", i, m.Content, want)
		}
		i++
	}
	if i != n {
		t.Fatalf("applied %d inbound messages, want %d", i, n)
	}
}

func TestAdapterFailureFailsOpen(t *testing.T) {
	r := newTestRig(t, Config{AdapterRetries: 3})
	r.adapter.eval = func(req domain.EvalRequest) (domain.Judgment, error) {
		return domain.Judgment{}, domain.ErrAdapterUnavailable
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deal := r.seedColdDeal(t, "d1")

	if err := r.engine.Start(ctx, deal); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.engine.HandleIncoming(100, 200, "привет")

	waitFor(t, "adapter retries to exhaust", func() bool {
		return r.adapter.callCount() == 3
	})
	if got := r.dealStatus(t, "d1"); got != domain.DealStatusInProgress {
		t.Fatalf("status = %s after adapter outage, want %s (fail open)", got, domain.DealStatusInProgress)
	}
	if got := r.transport.sentCount(); got != 1 {
		t.Fatalf("sent %d messages, want only the opening", got)
	}
}

func TestUndeliverableReplyClosesDeal(t *testing.T) {
	r := newTestRig(t, Config{TransportRetries: 2})
	r.adapter.eval = func(req domain.EvalRequest) (domain.Judgment, error) {
		return domain.Judgment{Verdict: domain.VerdictContinue, Reply: "ответ"}, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deal := r.seedColdDeal(t, "d1")

	if err := r.engine.Start(ctx, deal); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.transport.mu.Lock()
	r.transport.failAll = true
	r.transport.mu.Unlock()

	r.engine.HandleIncoming(100, 200, "да")
	waitFor(t, "deal to close on delivery failure", func() bool {
		return r.dealStatus(t, "d1") == domain.DealStatusLost
	})
}

func TestInactivityTimeoutMarksLost(t *testing.T) {
	r := newTestRig(t, Config{InactivityTimeout: 30 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deal := r.seedColdDeal(t, "d1")

	if err := r.engine.Start(ctx, deal); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "deal to time out", func() bool {
		return r.dealStatus(t, "d1") == domain.DealStatusLost
	})
	d, _ := r.deals.GetByID(ctx, "d1")
	if d.Resolution != "no counterparty reply" {
		t.Errorf("resolution = %q, want timeout resolution", d.Resolution)
	}
}

func TestLateAdapterResultDiscardedAfterClose(t *testing.T) {
	r := newTestRig(t, Config{})
	gate := make(chan struct{})
	r.adapter.gate = gate
	r.adapter.eval = func(req domain.EvalRequest) (domain.Judgment, error) {
		return domain.Judgment{Verdict: domain.VerdictWarm, Insight: "late warm"}, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deal := r.seedColdDeal(t, "d1")

	if err := r.engine.Start(ctx, deal); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.engine.HandleIncoming(100, 200, "думаю...")
	waitFor(t, "adapter call to begin", func() bool {
		return r.adapter.callCount() == 1
	})

	if err := r.engine.Close(ctx, "d1", "operator cancelled"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(gate)

	// The in-flight warm verdict must not resurrect the closed deal.
	time.Sleep(50 * time.Millisecond)
	if got := r.dealStatus(t, "d1"); got != domain.DealStatusLost {
		t.Fatalf("status = %s, want %s to stick after close", got, domain.DealStatusLost)
	}
	d, _ := r.deals.GetByID(ctx, "d1")
	if d.Insight == "late warm" {
		t.Error("late adapter insight was applied after close")
	}
}

func TestHandleIncomingUnknownChat(t *testing.T) {
	r := newTestRig(t, Config{})
	if r.engine.HandleIncoming(1, 2, "hello") {
		t.Fatal("message for unknown chat reported as handled")
	}
}

func TestSessionHoldsLockPastInitialTTL(t *testing.T) {
	r := newTestRig(t, Config{LockTTL: 60 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deal := r.seedColdDeal(t, "d1")

	if err := r.engine.Start(ctx, deal); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A session lives far longer than one lock TTL; the heartbeat must keep
	// the lease alive so no second instance can open a competing session.
	time.Sleep(200 * time.Millisecond)
	if _, err := r.locks.Acquire(ctx, "negotiation:d1", time.Minute); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("lock acquirable while session live: err = %v, want ErrLockHeld", err)
	}

	r.engine.Detach("d1")
	waitFor(t, "lock release after session close", func() bool {
		lease, err := r.locks.Acquire(ctx, "negotiation:d1", time.Minute)
		if err != nil {
			return false
		}
		lease.Release()
		return true
	})
}

func TestSecondDealForSameSellerIsDeferred(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := r.seedColdDeal(t, "d1")
	second := r.seedColdDeal(t, "d2") // same seller chat as d1

	if err := r.engine.Start(ctx, first); err != nil {
		t.Fatalf("start first: %v", err)
	}
	if err := r.engine.Start(ctx, second); err != nil {
		t.Fatalf("start second: %v", err)
	}

	// The seller's chat is owned by d1; d2 must not open a conversation or
	// hijack the inbound routing.
	if got := r.transport.sentCount(); got != 1 {
		t.Fatalf("sent %d messages, want only d1's opening", got)
	}
	if _, err := r.sessions.GetSessionByDeal(ctx, "d2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("session for deferred deal: err = %v, want ErrNotFound", err)
	}
	if got := r.dealStatus(t, "d2"); got != domain.DealStatusCold {
		t.Fatalf("deferred deal status = %s, want %s", got, domain.DealStatusCold)
	}

	if !r.engine.HandleIncoming(100, 200, "да, актуально") {
		t.Fatal("seller message not routed to the live session")
	}
	sess, err := r.sessions.GetSessionByDeal(ctx, "d1")
	if err != nil {
		t.Fatalf("session for d1: %v", err)
	}
	waitFor(t, "seller reply lands on d1", func() bool {
		msgs, err := r.sessions.ListMessages(ctx, sess.ID)
		return err == nil && len(msgs) >= 2
	})

	// Once d1's session closes the sweep may start d2.
	if err := r.engine.Close(ctx, "d1", "seller went with d2"); err != nil {
		t.Fatalf("close first: %v", err)
	}
	waitFor(t, "seller chat freed", func() bool {
		return !r.engine.HandleIncoming(100, 200, "ping")
	})

	if err := r.engine.Start(ctx, second); err != nil {
		t.Fatalf("start second after close: %v", err)
	}
	if _, err := r.sessions.GetSessionByDeal(ctx, "d2"); err != nil {
		t.Fatalf("session for d2 after first closed: %v", err)
	}
	if got := r.dealStatus(t, "d2"); got != domain.DealStatusInProgress {
		t.Fatalf("d2 status = %s, want %s", got, domain.DealStatusInProgress)
	}
}
