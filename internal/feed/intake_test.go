package feed

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/leadforge/dealbot/internal/domain"
	"github.com/leadforge/dealbot/internal/store/memory"
)

type fakeRouter struct {
	claimed bool
	started []string
}

func (f *fakeRouter) HandleIncoming(chatID, senderID int64, text string) bool {
	return f.claimed
}

func (f *fakeRouter) Start(_ context.Context, deal domain.Deal) error {
	f.started = append(f.started, deal.ID)
	return nil
}

type fakeMatcher struct {
	calls int
	deals []domain.Deal
}

func (f *fakeMatcher) FindMatches(_ context.Context, _ domain.Order) ([]domain.Deal, error) {
	f.calls++
	return f.deals, nil
}

func newIntakeRig(t *testing.T) (*Intake, *fakeRouter, *fakeMatcher, *memory.OrderStore) {
	t.Helper()
	router := &fakeRouter{}
	m := &fakeMatcher{}
	orders := memory.NewOrderStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewIntake(router, m, orders, logger), router, m, orders
}

func TestHandleRoutesToLiveSessionFirst(t *testing.T) {
	intake, router, m, orders := newIntakeRig(t)
	router.claimed = true

	intake.Handle(context.Background(), 100, 200, "продам iphone 15 за 105000 руб")

	if m.calls != 0 {
		t.Fatalf("matcher ran for a session-bound message")
	}
	stored, _ := orders.ListAllActive(context.Background())
	if len(stored) != 0 {
		t.Fatalf("order stored for a session-bound message")
	}
}

func TestHandleExtractsOrderAndMatches(t *testing.T) {
	intake, router, m, orders := newIntakeRig(t)
	m.deals = []domain.Deal{{ID: "deal-1", Status: domain.DealStatusCold}}

	intake.Handle(context.Background(), 100, 200, "продам iphone 15 pro за 105000 руб")

	stored, _ := orders.ListAllActive(context.Background())
	if len(stored) != 1 {
		t.Fatalf("got %d stored orders, want 1", len(stored))
	}
	if stored[0].Type != domain.OrderTypeSell {
		t.Fatalf("order type = %s, want sell", stored[0].Type)
	}
	if m.calls != 1 {
		t.Fatalf("matcher calls = %d, want 1", m.calls)
	}
	if len(router.started) != 1 || router.started[0] != "deal-1" {
		t.Fatalf("sessions started = %v, want [deal-1]", router.started)
	}
}

func TestHandleIgnoresChatter(t *testing.T) {
	intake, _, m, orders := newIntakeRig(t)

	intake.Handle(context.Background(), 100, 200, "всем привет, как дела?")

	stored, _ := orders.ListAllActive(context.Background())
	if len(stored) != 0 || m.calls != 0 {
		t.Fatalf("chatter should not produce orders or match passes")
	}
}
