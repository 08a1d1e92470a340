package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/leadforge/dealbot/internal/domain"
)

// Matcher runs the matching pass for a newly created order.
type Matcher interface {
	FindMatches(ctx context.Context, order domain.Order) ([]domain.Deal, error)
}

// OrderHandler serves order intake and listing endpoints. Orders normally
// arrive through the chat transport; the HTTP path exists for manual entry
// and backfill.
type OrderHandler struct {
	orders  domain.OrderStore
	matcher Matcher
	logger  *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(orders domain.OrderStore, matcher Matcher, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders:  orders,
		matcher: matcher,
		logger:  logger,
	}
}

// orderResponse is the wire form of an order.
type orderResponse struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Product   string    `json:"product"`
	Price     string    `json:"price"`
	Quantity  string    `json:"quantity,omitempty"`
	Region    string    `json:"region,omitempty"`
	ChatID    int64     `json:"chat_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func toOrderResponse(o domain.Order) orderResponse {
	return orderResponse{
		ID:        o.ID,
		Type:      string(o.Type),
		Product:   o.Product,
		Price:     o.Price.String(),
		Quantity:  o.Quantity,
		Region:    o.Region,
		ChatID:    o.ChatID,
		Active:    o.Active,
		CreatedAt: o.CreatedAt,
	}
}

// ListOrders returns active orders, optionally filtered by product and region.
// GET /api/orders?product=iphone+15&region=msk
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	product := q.Get("product")
	region := q.Get("region")

	var orders []domain.Order
	var err error
	if product != "" {
		orders, err = h.orders.ListActive(r.Context(), domain.NormalizeProduct(product), region)
	} else {
		orders, err = h.orders.ListAllActive(r.Context())
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list orders failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

// createOrderRequest is the manual order entry body.
type createOrderRequest struct {
	Type     string `json:"type"` // "buy" or "sell"
	Product  string `json:"product"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Region   string `json:"region"`
	ChatID   int64  `json:"chat_id"`
	SenderID int64  `json:"sender_id"`
}

// CreateOrder records an order and immediately runs the matching pass.
// Responds with the stored order and any deals the match produced.
// POST /api/orders
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	typ := domain.OrderType(req.Type)
	if typ != domain.OrderTypeBuy && typ != domain.OrderTypeSell {
		writeError(w, http.StatusBadRequest, `type must be "buy" or "sell"`)
		return
	}
	if req.Product == "" {
		writeError(w, http.StatusBadRequest, "product is required")
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil || !price.IsPositive() {
		writeError(w, http.StatusBadRequest, "price must be a positive decimal")
		return
	}

	order := domain.Order{
		ID:         uuid.NewString(),
		Type:       typ,
		Product:    req.Product,
		ProductKey: domain.NormalizeProduct(req.Product),
		Price:      price,
		Quantity:   req.Quantity,
		Region:     req.Region,
		ChatID:     req.ChatID,
		SenderID:   req.SenderID,
		Active:     true,
	}
	if err := h.orders.Create(r.Context(), order); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "order already exists")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: create order failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to create order")
		return
	}

	deals, err := h.matcher.FindMatches(r.Context(), order)
	if err != nil {
		// The order is stored; matching will retry on the next sweep.
		h.logger.WarnContext(r.Context(), "handler: match pass failed",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}

	dealsOut := make([]dealResponse, 0, len(deals))
	for _, d := range deals {
		dealsOut = append(dealsOut, toDealResponse(d))
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"order": toOrderResponse(order),
		"deals": dealsOut,
	})
}
