package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/opgate/internal/audit"
	"github.com/xela07ax/opgate/internal/console/service"
	"github.com/xela07ax/opgate/internal/domain"
)

type AuditHandler struct {
	service *service.AuditService
}

func NewAuditHandler(s *service.AuditService) *AuditHandler {
	return &AuditHandler{service: s}
}

// GetLogs возвращает записи журнала с фильтрацией.
// GET /v1/audit?actor_id=...&operation=...&outcome=failure&since=RFC3339&limit=50
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		ActorID:       q.Get("actor_id"),
		OperationName: q.Get("operation"),
		Outcome:       domain.Outcome(q.Get("outcome")),
	}
	var err error
	if f.Since, err = timeParam(q.Get("since")); err != nil {
		http.Error(w, "bad since", http.StatusBadRequest)
		return
	}
	if f.Until, err = timeParam(q.Get("until")); err != nil {
		http.Error(w, "bad until", http.StatusBadRequest)
		return
	}

	logs, err := h.service.FetchLogs(r.Context(), f, intParam(r, "limit", 50, 500))
	if err != nil {
		http.Error(w, "Failed to fetch audit logs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// Verify: GET /v1/audit/{id}/verify
func (h *AuditHandler) Verify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := h.service.Verify(r.Context(), id)
	switch {
	case errors.Is(err, audit.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, "Failed to verify record", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "verified": ok})
}

// GetStats: GET /v1/audit/stats?since=RFC3339 (по умолчанию последние сутки)
func (h *AuditHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	since, err := timeParam(r.URL.Query().Get("since"))
	if err != nil {
		http.Error(w, "bad since", http.StatusBadRequest)
		return
	}
	if since.IsZero() {
		since = time.Now().Add(-24 * time.Hour)
	}
	st, err := h.service.Stats(r.Context(), since)
	if err != nil {
		http.Error(w, "Failed to fetch stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func timeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
