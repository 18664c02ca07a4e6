// Package auth превращает внешнюю идентичность (JWT, логин и пароль)
// в SecurityContext и отвечает на вопрос "есть ли у актора право".
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xela07ax/opgate/internal/domain"
)

// Claims: полезная нагрузка токена.
type Claims struct {
	UserID    string          `json:"user_id"`
	Scopes    map[string]bool `json:"scopes"` // "audit.read": true
	SessionID string          `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// HasScope учитывает "admin" как полный доступ.
func (c *Claims) HasScope(scope string) bool {
	return c.Scopes[scope] || c.Scopes["admin"]
}

// TokenResponse: ответ на успешный вход.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

var ErrInvalidToken = errors.New("auth: invalid token")

// Validator проверяет JWT, подписанный RS256.
type Validator struct {
	publicKey *rsa.PublicKey
}

func NewValidator(pubKey *rsa.PublicKey) *Validator {
	return &Validator{publicKey: pubKey}
}

// VerifyToken принимает как голый токен, так и заголовок "Bearer ...".
func (v *Validator) VerifyToken(tokenStr string) (*Claims, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// Issuer подписывает токены закрытым ключом.
type Issuer struct {
	privateKey *rsa.PrivateKey
	name       string
	ttl        time.Duration
	clock      domain.Clock
}

func NewIssuer(key *rsa.PrivateKey, name string, ttl time.Duration, clock domain.Clock) *Issuer {
	return &Issuer{privateKey: key, name: name, ttl: ttl, clock: clock}
}

func (i *Issuer) Issue(userID, sessionID string, scopes map[string]bool) (*TokenResponse, error) {
	now := i.clock.Now()
	expiresAt := now.Add(i.ttl)
	claims := &Claims{
		UserID:    userID,
		Scopes:    scopes,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.name,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(i.ttl.Seconds()),
	}, nil
}

// Request: то, что вызывающий код хочет сделать от имени токена.
type Request struct {
	Operation   string
	Permissions []string
	Payload     map[string]any
	IPAddress   string
}

// SecurityContext собирает контекст исполнения из проверенных claims.
func (c *Claims) SecurityContext(req Request, at time.Time) domain.SecurityContext {
	return domain.NewSecurityContext(domain.ContextParams{
		ActorID:             c.UserID,
		OperationName:       req.Operation,
		RequiredPermissions: req.Permissions,
		Payload:             req.Payload,
		IPAddress:           req.IPAddress,
		SessionID:           c.SessionID,
		RequestedAt:         at,
	})
}

// ParseRSAPublicKey превращает PEM в ключ для проверки подписи.
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// ParseRSAPrivateKey превращает PEM в ключ для подписи.
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("private key data is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}
