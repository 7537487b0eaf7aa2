package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/multiregion-dashboard/internal/domain"
)

type FlagService interface {
	FlagPanel(ctx context.Context) domain.FlagPanel
	ToggleFlag(ctx context.Context, key string) (bool, error)
}

type FlagHandler struct {
	service FlagService
}

func NewFlagHandler(s FlagService) *FlagHandler {
	return &FlagHandler{service: s}
}

// Panel отдает режим (demo/live) и все известные флаги.
// GET /api/flag-panel, GET /api/flags
func (h *FlagHandler) Panel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.FlagPanel(r.Context()))
}

// Toggle инвертирует флаг. Неизвестный ключ: 400, недоступный бэкенд флагов: 500.
func (h *FlagHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	enabled, err := h.service.ToggleFlag(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.FlagDecision{Key: key, Enabled: enabled})
}
