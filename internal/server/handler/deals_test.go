package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/leadforge/dealbot/internal/domain"
	"github.com/leadforge/dealbot/internal/store/memory"
)

type fakeAssigner struct {
	err  error
	deal domain.Deal
}

func (f *fakeAssigner) Claim(_ context.Context, dealID, managerID string) (domain.Deal, error) {
	if f.err != nil {
		return domain.Deal{}, f.err
	}
	d := f.deal
	d.ID = dealID
	d.ManagerID = managerID
	d.Status = domain.DealStatusHanded
	return d, nil
}

type fakeCloser struct {
	deals *memory.DealStore
	err   error
}

func (f *fakeCloser) Close(ctx context.Context, dealID, resolution string) error {
	if f.err != nil {
		return f.err
	}
	d, err := f.deals.GetByID(ctx, dealID)
	if err != nil {
		return err
	}
	_, err = f.deals.UpdateStatus(ctx, dealID, d.Status, domain.DealStatusLost, d.Version, domain.DealUpdate{Resolution: resolution})
	return err
}

type fakeWinner struct {
	deals *memory.DealStore
	err   error
}

func (f *fakeWinner) MarkWon(ctx context.Context, dealID, resolution string) (domain.Deal, error) {
	if f.err != nil {
		return domain.Deal{}, f.err
	}
	d, err := f.deals.GetByID(ctx, dealID)
	if err != nil {
		return domain.Deal{}, err
	}
	if d.Status != domain.DealStatusHanded {
		return domain.Deal{}, domain.ErrIllegalTransition
	}
	return f.deals.UpdateStatus(ctx, dealID, d.Status, domain.DealStatusWon, d.Version, domain.DealUpdate{Resolution: resolution})
}

func newDealRig(t *testing.T) (*DealHandler, *memory.DealStore, *memory.NegotiationStore) {
	t.Helper()
	deals := memory.NewDealStore()
	sessions := memory.NewNegotiationStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewDealHandler(deals, sessions,
		&fakeAssigner{}, &fakeCloser{deals: deals}, &fakeWinner{deals: deals}, logger)
	return h, deals, sessions
}

func seedDeal(t *testing.T, deals *memory.DealStore, id string, status domain.DealStatus) domain.Deal {
	t.Helper()
	d := domain.Deal{
		ID:          id,
		BuyOrderID:  "buy-" + id,
		SellOrderID: "sell-" + id,
		Product:     "iphone 15",
		BuyPrice:    decimal.NewFromInt(95000),
		SellPrice:   decimal.NewFromInt(105000),
		Margin:      decimal.NewFromInt(10000),
		Status:      status,
	}
	if status == domain.DealStatusHanded {
		d.ManagerID = "mgr-a"
	}
	if err := deals.Create(context.Background(), d); err != nil {
		t.Fatalf("seed deal: %v", err)
	}
	return d
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
}

func TestListDealsFiltersByStatus(t *testing.T) {
	h, deals, _ := newDealRig(t)
	seedDeal(t, deals, "d1", domain.DealStatusWarm)
	seedDeal(t, deals, "d2", domain.DealStatusCold)
	seedDeal(t, deals, "d3", domain.DealStatusWarm)

	req := httptest.NewRequest(http.MethodGet, "/api/deals?status=warm", nil)
	rec := httptest.NewRecorder()
	h.ListDeals(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Deals []dealResponse `json:"deals"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Deals) != 2 {
		t.Fatalf("got %d deals, want 2", len(resp.Deals))
	}
	for _, d := range resp.Deals {
		if d.Status != "warm" {
			t.Fatalf("deal %s has status %s, want warm", d.ID, d.Status)
		}
	}
}

func TestListDealsRejectsUnknownStatus(t *testing.T) {
	h, _, _ := newDealRig(t)
	req := httptest.NewRequest(http.MethodGet, "/api/deals?status=tepid", nil)
	rec := httptest.NewRecorder()
	h.ListDeals(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetDealNotFound(t *testing.T) {
	h, _, _ := newDealRig(t)
	req := httptest.NewRequest(http.MethodGet, "/api/deals/missing", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	h.GetDeal(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestClaimDealHandsToManager(t *testing.T) {
	h, deals, _ := newDealRig(t)
	seedDeal(t, deals, "d1", domain.DealStatusWarm)

	body := strings.NewReader(`{"manager_id":"mgr-b"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/deals/d1/claim", body)
	req.SetPathValue("id", "d1")
	rec := httptest.NewRecorder()
	h.ClaimDeal(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var resp dealResponse
	decodeBody(t, rec, &resp)
	if resp.ManagerID != "mgr-b" || resp.Status != "handed_to_manager" {
		t.Fatalf("unexpected claim result %+v", resp)
	}
}

func TestClaimDealRaceLostMapsToConflict(t *testing.T) {
	deals := memory.NewDealStore()
	sessions := memory.NewNegotiationStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewDealHandler(deals, sessions,
		&fakeAssigner{err: domain.ErrAlreadyAssigned},
		&fakeCloser{deals: deals}, &fakeWinner{deals: deals}, logger)

	body := strings.NewReader(`{"manager_id":"mgr-b"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/deals/d1/claim", body)
	req.SetPathValue("id", "d1")
	rec := httptest.NewRecorder()
	h.ClaimDeal(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestClaimDealRequiresManagerID(t *testing.T) {
	h, _, _ := newDealRig(t)
	req := httptest.NewRequest(http.MethodPost, "/api/deals/d1/claim", strings.NewReader(`{}`))
	req.SetPathValue("id", "d1")
	rec := httptest.NewRecorder()
	h.ClaimDeal(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCloseDealWon(t *testing.T) {
	h, deals, _ := newDealRig(t)
	seedDeal(t, deals, "d1", domain.DealStatusHanded)

	body := strings.NewReader(`{"outcome":"won","resolution":"picked up in person"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/deals/d1/close", body)
	req.SetPathValue("id", "d1")
	rec := httptest.NewRecorder()
	h.CloseDeal(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var resp dealResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "won" || resp.Resolution != "picked up in person" {
		t.Fatalf("unexpected close result %+v", resp)
	}
}

func TestCloseDealWonRejectedBeforeHandoff(t *testing.T) {
	h, deals, _ := newDealRig(t)
	seedDeal(t, deals, "d1", domain.DealStatusWarm)

	body := strings.NewReader(`{"outcome":"won"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/deals/d1/close", body)
	req.SetPathValue("id", "d1")
	rec := httptest.NewRecorder()
	h.CloseDeal(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestCloseDealLost(t *testing.T) {
	h, deals, _ := newDealRig(t)
	seedDeal(t, deals, "d1", domain.DealStatusInProgress)

	body := strings.NewReader(`{"outcome":"lost","resolution":"seller vanished"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/deals/d1/close", body)
	req.SetPathValue("id", "d1")
	rec := httptest.NewRecorder()
	h.CloseDeal(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var resp dealResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "lost" {
		t.Fatalf("status = %s, want lost", resp.Status)
	}
}

func TestCloseDealRejectsUnknownOutcome(t *testing.T) {
	h, deals, _ := newDealRig(t)
	seedDeal(t, deals, "d1", domain.DealStatusWarm)

	body := strings.NewReader(`{"outcome":"paused"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/deals/d1/close", body)
	req.SetPathValue("id", "d1")
	rec := httptest.NewRecorder()
	h.CloseDeal(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetTranscriptReturnsOrderedMessages(t *testing.T) {
	h, deals, sessions := newDealRig(t)
	seedDeal(t, deals, "d1", domain.DealStatusWarm)

	sess, err := sessions.CreateSession(context.Background(), domain.NegotiationSession{
		DealID: "d1",
		Stage:  domain.StageWarm,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	for _, text := range []string{"привет", "ещё актуально?"} {
		if _, err := sessions.AppendMessage(context.Background(), domain.NegotiationMessage{
			SessionID: sess.ID,
			Role:      domain.RoleAssistant,
			Content:   text,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/deals/d1/transcript", nil)
	req.SetPathValue("id", "d1")
	rec := httptest.NewRecorder()
	h.GetTranscript(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Messages []messageResponse `json:"messages"`
		Stage    string            `json:"stage"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Messages) != 2 || resp.Stage != "warm" {
		t.Fatalf("unexpected transcript %+v", resp)
	}
	if resp.Messages[0].Seq >= resp.Messages[1].Seq {
		t.Fatalf("messages out of order")
	}
}

func TestGetTranscriptWithoutSessionIsEmpty(t *testing.T) {
	h, deals, _ := newDealRig(t)
	seedDeal(t, deals, "d1", domain.DealStatusCold)

	req := httptest.NewRequest(http.MethodGet, "/api/deals/d1/transcript", nil)
	req.SetPathValue("id", "d1")
	rec := httptest.NewRecorder()
	h.GetTranscript(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Messages []messageResponse `json:"messages"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Messages) != 0 {
		t.Fatalf("expected empty transcript, got %d messages", len(resp.Messages))
	}
}
