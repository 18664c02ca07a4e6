package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/opgate/internal/auth"
)

// Unlocker снимает блокировку актора (engine.LockoutManager).
type Unlocker interface {
	IsLocked(actorID string) bool
	Unlock(ctx context.Context, actorID string) error
}

type ActorHandler struct {
	locks  Unlocker
	logger *zap.Logger
}

func NewActorHandler(locks Unlocker, logger *zap.Logger) *ActorHandler {
	return &ActorHandler{locks: locks, logger: logger.Named("actors")}
}

// GetLockout: GET /v1/actors/{id}/lockout
func (h *ActorHandler) GetLockout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]any{"actor_id": id, "locked": h.locks.IsLocked(id)})
}

// Unlock: POST /v1/actors/{id}/unlock, ручное действие оператора.
func (h *ActorHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.locks.Unlock(r.Context(), id); err != nil {
		h.logger.Error("unlock failed", zap.String("actor_id", id), zap.Error(err))
		http.Error(w, "Failed to unlock", http.StatusInternalServerError)
		return
	}

	var operator string
	if c, ok := auth.ClaimsFromContext(r.Context()); ok {
		operator = c.UserID
	}
	h.logger.Info("actor unlocked by operator", zap.String("actor_id", id), zap.String("operator", operator))
	writeJSON(w, http.StatusOK, map[string]any{"actor_id": id, "locked": false})
}
