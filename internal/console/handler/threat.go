package handler

import (
	"net/http"

	"github.com/xela07ax/opgate/internal/console/service"
)

type ThreatHandler struct {
	service *service.ThreatService
}

func NewThreatHandler(s *service.ThreatService) *ThreatHandler {
	return &ThreatHandler{service: s}
}

// GetOverview: GET /v1/threat?history=20
func (h *ThreatHandler) GetOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := h.service.Overview(r.Context(), intParam(r, "history", 20, 100))
	if err != nil {
		http.Error(w, "Failed to fetch threat score", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// GetAlerts: GET /v1/alerts?limit=50
func (h *ThreatHandler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.RecentAlerts(r.Context(), int64(intParam(r, "limit", 50, 500)))
	if err != nil {
		http.Error(w, "Failed to fetch alerts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
