package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/opgate/internal/domain"
	"github.com/xela07ax/opgate/internal/repository/postgres"
)

// Имя операции входа и право на нее. Класс "login" в ratelimit дает 5 попыток
// с блокировкой и сбросом счетчика после успеха.
const (
	OperationLogin  = "login"
	PermissionLogin = "auth.login"
)

var ErrNotLoaded = errors.New("auth: permissions not loaded")

// CredentialStore: источник хешей паролей (postgres.UserRepo).
type CredentialStore interface {
	CredentialsByUsername(ctx context.Context, username string) (*postgres.Credentials, error)
}

// LoginRequest: тело запроса входа.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// dummyHash выравнивает время ответа для несуществующих пользователей.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("opgate-dummy-password"), bcrypt.DefaultCost)

// LoginContext: контекст исполнения попытки входа. Лимит считается по имени
// пользователя, пароль вычищается санитайзером аудита.
func LoginContext(req LoginRequest, ip, sessionID string) domain.SecurityContext {
	return domain.NewSecurityContext(domain.ContextParams{
		ActorID:             req.Username,
		OperationName:       OperationLogin,
		RequiredPermissions: []string{PermissionLogin},
		Payload:             map[string]any{"username": req.Username, "password": req.Password},
		IPAddress:           ip,
		SessionID:           sessionID,
	})
}

// LoginOperation проверяет пароль и выдает токен. Неверный логин и неверный пароль
// неразличимы для вызывающего.
func LoginOperation(users CredentialStore, issuer *Issuer, scopes func(actorID string) map[string]bool, req LoginRequest, sessionID string) domain.Operation {
	return domain.OperationFunc(func(ctx context.Context) (domain.Result, error) {
		creds, err := users.CredentialsByUsername(ctx, req.Username)
		if err != nil {
			return domain.Result{}, err
		}

		hash := dummyHash
		if creds != nil {
			hash = []byte(creds.PasswordHash)
		}
		if err := bcrypt.CompareHashAndPassword(hash, []byte(req.Password)); err != nil || creds == nil {
			return domain.Result{}, domain.NewError(domain.KindPermissionDenied, "invalid credentials")
		}

		var granted map[string]bool
		if scopes != nil {
			granted = scopes(creds.ActorID)
		}
		tok, err := issuer.Issue(creds.ActorID, sessionID, granted)
		if err != nil {
			return domain.Result{}, err
		}
		return domain.NewResult(map[string]any{
			"actor_id":     creds.ActorID,
			"access_token": tok.AccessToken,
			"token_type":   tok.TokenType,
			"expires_in":   tok.ExpiresIn,
		})
	})
}

// HashPassword: bcrypt с cost по умолчанию.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}
