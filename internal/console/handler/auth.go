package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/opgate/internal/auth"
	"github.com/xela07ax/opgate/internal/domain"
	"github.com/xela07ax/opgate/internal/engine"
)

// Executor: ядро критических операций.
type Executor interface {
	Execute(ctx context.Context, sc domain.SecurityContext, op domain.Operation, opts ...engine.Option) (domain.Result, error)
}

// AuthHandler: вход по логину и паролю. Попытка проходит через исполнитель:
// лимит, аудит и оценка угроз применяются так же, как к любой критической операции.
type AuthHandler struct {
	exec   Executor
	users  auth.CredentialStore
	issuer *auth.Issuer
	scopes func(actorID string) map[string]bool
	logger *zap.Logger
}

func NewAuthHandler(exec Executor, users auth.CredentialStore, issuer *auth.Issuer, scopes func(string) map[string]bool, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{exec: exec, users: users, issuer: issuer, scopes: scopes, logger: logger.Named("auth")}
}

// Login: POST /auth/token
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	session := middleware.GetReqID(r.Context())
	res, err := h.exec.Execute(r.Context(),
		auth.LoginContext(req, r.RemoteAddr, session),
		auth.LoginOperation(h.users, h.issuer, h.scopes, req, session),
	)
	if err != nil {
		// не уточняем, что именно неверно (логин или пароль) для защиты от перебора
		switch {
		case errors.Is(err, domain.ErrRateLimitExceeded):
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		case errors.Is(err, domain.ErrPermissionDenied), errors.Is(err, domain.ErrMalformedContext):
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		default:
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		}
		return
	}

	token, _ := res.Data["access_token"].(string)
	kind, _ := res.Data["token_type"].(string)
	writeJSON(w, http.StatusOK, auth.TokenResponse{
		AccessToken: token,
		TokenType:   kind,
		ExpiresIn:   expiresIn(res.Data["expires_in"]),
	})
}

func expiresIn(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	case float64:
		return int64(n)
	}
	return 0
}
