package handler

import (
	"context"
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

type fakeMatcher struct {
	calls int
	deals []domain.Deal
	err   error
}

func (f *fakeMatcher) FindMatches(_ context.Context, _ domain.Order) ([]domain.Deal, error) {
	f.calls++
	return f.deals, f.err
}

func newOrderRig(t *testing.T) (*OrderHandler, *memory.OrderStore, *fakeMatcher) {
	t.Helper()
	orders := memory.NewOrderStore()
	m := &fakeMatcher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewOrderHandler(orders, m, logger), orders, m
}

func TestCreateOrderStoresAndMatches(t *testing.T) {
	h, orders, m := newOrderRig(t)
	m.deals = []domain.Deal{{
		ID:        "deal-1",
		Product:   "iphone 15",
		BuyPrice:  decimal.NewFromInt(95000),
		SellPrice: decimal.NewFromInt(105000),
		Margin:    decimal.NewFromInt(10000),
		Status:    domain.DealStatusCold,
	}}

	body := strings.NewReader(`{"type":"sell","product":"iPhone 15","price":"105000","region":"msk"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/orders", body)
	rec := httptest.NewRecorder()
	h.CreateOrder(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	if m.calls != 1 {
		t.Fatalf("matcher called %d times, want 1", m.calls)
	}

	stored, err := orders.ListAllActive(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("got %d stored orders, want 1", len(stored))
	}
	if stored[0].ProductKey != "iphone 15" {
		t.Fatalf("product key = %q, want normalized", stored[0].ProductKey)
	}
}

func TestCreateOrderRejectsBadPrice(t *testing.T) {
	h, _, m := newOrderRig(t)
	body := strings.NewReader(`{"type":"buy","product":"ps5","price":"-10"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/orders", body)
	rec := httptest.NewRecorder()
	h.CreateOrder(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if m.calls != 0 {
		t.Fatalf("matcher should not run on rejected input")
	}
}

func TestCreateOrderRejectsUnknownType(t *testing.T) {
	h, _, _ := newOrderRig(t)
	body := strings.NewReader(`{"type":"swap","product":"ps5","price":"10"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/orders", body)
	rec := httptest.NewRecorder()
	h.CreateOrder(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListOrdersFiltersByProduct(t *testing.T) {
	h, orders, _ := newOrderRig(t)
	for _, o := range []domain.Order{
		{ID: "o1", Type: domain.OrderTypeBuy, Product: "iphone 15", ProductKey: "iphone 15", Price: decimal.NewFromInt(90000), Active: true},
		{ID: "o2", Type: domain.OrderTypeSell, Product: "ps5", ProductKey: "ps5", Price: decimal.NewFromInt(40000), Active: true},
	} {
		if err := orders.Create(context.Background(), o); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/orders?product=iPhone+15", nil)
	rec := httptest.NewRecorder()
	h.ListOrders(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Orders []orderResponse `json:"orders"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Orders) != 1 || resp.Orders[0].ID != "o1" {
		t.Fatalf("unexpected orders %+v", resp.Orders)
	}
}
