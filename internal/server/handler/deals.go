package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/leadforge/dealbot/internal/domain"
)

// Assigner hands a warm deal to a specific manager (free-pool claims).
type Assigner interface {
	Claim(ctx context.Context, dealID, managerID string) (domain.Deal, error)
}

// DealCloser closes a deal as lost, stopping any live negotiation session.
type DealCloser interface {
	Close(ctx context.Context, dealID, resolution string) error
}

// DealWinner records a won deal. Satisfied by the lifecycle machine wrapper
// wired in the app layer.
type DealWinner interface {
	MarkWon(ctx context.Context, dealID, resolution string) (domain.Deal, error)
}

// DealHandler serves the deal pipeline endpoints.
type DealHandler struct {
	deals    domain.DealStore
	sessions domain.NegotiationStore
	assigner Assigner
	closer   DealCloser
	winner   DealWinner
	logger   *slog.Logger
}

// NewDealHandler creates a DealHandler.
func NewDealHandler(deals domain.DealStore, sessions domain.NegotiationStore, assigner Assigner, closer DealCloser, winner DealWinner, logger *slog.Logger) *DealHandler {
	return &DealHandler{
		deals:    deals,
		sessions: sessions,
		assigner: assigner,
		closer:   closer,
		winner:   winner,
		logger:   logger,
	}
}

// dealResponse is the wire form of a deal. Prices are decimal strings.
type dealResponse struct {
	ID         string     `json:"id"`
	Product    string     `json:"product"`
	Region     string     `json:"region,omitempty"`
	BuyPrice   string     `json:"buy_price"`
	SellPrice  string     `json:"sell_price"`
	Margin     string     `json:"margin"`
	Status     string     `json:"status"`
	Insight    string     `json:"insight,omitempty"`
	Resolution string     `json:"resolution,omitempty"`
	ManagerID  string     `json:"manager_id,omitempty"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func toDealResponse(d domain.Deal) dealResponse {
	return dealResponse{
		ID:         d.ID,
		Product:    d.Product,
		Region:     d.Region,
		BuyPrice:   d.BuyPrice.String(),
		SellPrice:  d.SellPrice.String(),
		Margin:     d.Margin.String(),
		Status:     string(d.Status),
		Insight:    d.Insight,
		Resolution: d.Resolution,
		ManagerID:  d.ManagerID,
		AssignedAt: d.AssignedAt,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

// pipelineOrder drives the no-filter listing so warm deals surface first.
var pipelineOrder = []domain.DealStatus{
	domain.DealStatusWarm,
	domain.DealStatusInProgress,
	domain.DealStatusCold,
	domain.DealStatusHanded,
	domain.DealStatusWon,
	domain.DealStatusLost,
}

// ListDeals returns deals, optionally filtered by status.
// GET /api/deals?status=warm&limit=50&offset=0
func (h *DealHandler) ListDeals(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	statusParam := r.URL.Query().Get("status")

	statuses := pipelineOrder
	if statusParam != "" {
		status := domain.DealStatus(statusParam)
		if !validDealStatus(status) {
			writeError(w, http.StatusBadRequest, "unknown status "+statusParam)
			return
		}
		statuses = []domain.DealStatus{status}
	}

	out := make([]dealResponse, 0, opts.Limit)
	for _, status := range statuses {
		if len(out) >= opts.Limit {
			break
		}
		deals, err := h.deals.ListByStatus(r.Context(), status, domain.ListOpts{
			Limit:  opts.Limit - len(out),
			Offset: opts.Offset,
		})
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: list deals failed",
				slog.String("status", string(status)),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to list deals")
			return
		}
		for _, d := range deals {
			out = append(out, toDealResponse(d))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"deals": out})
}

// GetDeal returns a single deal by ID.
// GET /api/deals/{id}
func (h *DealHandler) GetDeal(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing deal id")
		return
	}

	deal, err := h.deals.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deal not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get deal failed",
			slog.String("deal_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load deal")
		return
	}

	writeJSON(w, http.StatusOK, toDealResponse(deal))
}

// messageResponse is the wire form of one transcript turn.
type messageResponse struct {
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// GetTranscript returns the negotiation transcript for a deal, so a manager
// can review the conversation before taking over.
// GET /api/deals/{id}/transcript
func (h *DealHandler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing deal id")
		return
	}

	sess, err := h.sessions.GetSessionByDeal(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"messages": []messageResponse{}})
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: load session failed",
			slog.String("deal_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}

	msgs, err := h.sessions.ListMessages(r.Context(), sess.ID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list messages failed",
			slog.String("deal_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}

	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			Seq:       m.Seq,
			Role:      string(m.Role),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out, "stage": string(sess.Stage)})
}

// claimRequest is the body for a free-pool claim.
type claimRequest struct {
	ManagerID string `json:"manager_id"`
}

// ClaimDeal hands a warm deal to the requesting manager.
// POST /api/deals/{id}/claim
func (h *DealHandler) ClaimDeal(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing deal id")
		return
	}

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ManagerID == "" {
		writeError(w, http.StatusBadRequest, "manager_id is required")
		return
	}

	deal, err := h.assigner.Claim(r.Context(), id, req.ManagerID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "deal or manager not found")
		case errors.Is(err, domain.ErrAlreadyAssigned):
			writeError(w, http.StatusConflict, "deal already assigned")
		case errors.Is(err, domain.ErrNoEligibleManager):
			writeError(w, http.StatusConflict, "manager not eligible")
		case errors.Is(err, domain.ErrIllegalTransition):
			writeError(w, http.StatusConflict, "deal is not claimable")
		default:
			h.logger.ErrorContext(r.Context(), "handler: claim failed",
				slog.String("deal_id", id),
				slog.String("manager_id", req.ManagerID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to claim deal")
		}
		return
	}

	writeJSON(w, http.StatusOK, toDealResponse(deal))
}

// closeRequest is the body for closing a deal.
type closeRequest struct {
	Outcome    string `json:"outcome"` // "won" or "lost"
	Resolution string `json:"resolution"`
}

// CloseDeal finishes a deal. Outcome "won" is only legal from
// HANDED_TO_MANAGER; "lost" closes from any non-terminal status and stops a
// live negotiation session if one is running.
// POST /api/deals/{id}/close
func (h *DealHandler) CloseDeal(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing deal id")
		return
	}

	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	switch req.Outcome {
	case "won":
		deal, err := h.winner.MarkWon(r.Context(), id, req.Resolution)
		if err != nil {
			h.writeCloseError(w, r, id, err)
			return
		}
		writeJSON(w, http.StatusOK, toDealResponse(deal))

	case "lost":
		if err := h.closer.Close(r.Context(), id, req.Resolution); err != nil {
			h.writeCloseError(w, r, id, err)
			return
		}
		deal, err := h.deals.GetByID(r.Context(), id)
		if err != nil {
			h.writeCloseError(w, r, id, err)
			return
		}
		writeJSON(w, http.StatusOK, toDealResponse(deal))

	default:
		writeError(w, http.StatusBadRequest, `outcome must be "won" or "lost"`)
	}
}

func (h *DealHandler) writeCloseError(w http.ResponseWriter, r *http.Request, dealID string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "deal not found")
	case errors.Is(err, domain.ErrIllegalTransition):
		writeError(w, http.StatusConflict, "deal cannot be closed from its current status")
	default:
		h.logger.ErrorContext(r.Context(), "handler: close deal failed",
			slog.String("deal_id", dealID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to close deal")
	}
}

func validDealStatus(s domain.DealStatus) bool {
	switch s {
	case domain.DealStatusCold, domain.DealStatusInProgress, domain.DealStatusWarm,
		domain.DealStatusHanded, domain.DealStatusWon, domain.DealStatusLost:
		return true
	}
	return false
}
