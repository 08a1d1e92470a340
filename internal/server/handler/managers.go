package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/leadforge/dealbot/internal/domain"
)

// ManagerHandler serves the manager registry endpoints.
type ManagerHandler struct {
	managers domain.ManagerStore
	logger   *slog.Logger
}

// NewManagerHandler creates a ManagerHandler.
func NewManagerHandler(managers domain.ManagerStore, logger *slog.Logger) *ManagerHandler {
	return &ManagerHandler{
		managers: managers,
		logger:   logger,
	}
}

// managerResponse is the wire form of a manager with their current load.
type managerResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Active      bool   `json:"active"`
	OpenDeals   int    `json:"open_deals"`
}

// ListManagers returns every active manager with their open deal count.
// GET /api/managers
func (h *ManagerHandler) ListManagers(w http.ResponseWriter, r *http.Request) {
	loads, err := h.managers.ListActiveWithLoad(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list managers failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list managers")
		return
	}

	out := make([]managerResponse, 0, len(loads))
	for _, l := range loads {
		out = append(out, managerResponse{
			ID:          l.Manager.ID,
			DisplayName: l.Manager.DisplayName,
			Active:      l.Manager.Active,
			OpenDeals:   l.OpenDeals,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"managers": out})
}

// upsertManagerRequest is the body for registering or updating a manager.
type upsertManagerRequest struct {
	DisplayName string `json:"display_name"`
	Active      *bool  `json:"active"`
}

// UpsertManager registers a manager or updates an existing one. Omitting
// "active" defaults to true so new managers join the rotation immediately.
// PUT /api/managers/{id}
func (h *ManagerHandler) UpsertManager(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing manager id")
		return
	}

	var req upsertManagerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	m := domain.Manager{
		ID:          id,
		DisplayName: req.DisplayName,
		Active:      active,
	}
	if err := h.managers.Upsert(r.Context(), m); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: upsert manager failed",
			slog.String("manager_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to save manager")
		return
	}

	writeJSON(w, http.StatusOK, managerResponse{
		ID:          m.ID,
		DisplayName: m.DisplayName,
		Active:      m.Active,
	})
}
