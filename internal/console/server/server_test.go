package server_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/opgate/internal/audit"
	"github.com/xela07ax/opgate/internal/auth"
	"github.com/xela07ax/opgate/internal/cache"
	"github.com/xela07ax/opgate/internal/console/handler"
	"github.com/xela07ax/opgate/internal/console/server"
	"github.com/xela07ax/opgate/internal/console/service"
	"github.com/xela07ax/opgate/internal/domain"
	"github.com/xela07ax/opgate/internal/engine"
	"github.com/xela07ax/opgate/internal/ratelimit"
	"github.com/xela07ax/opgate/internal/repository/postgres"
	"github.com/xela07ax/opgate/internal/repository/postgres/pgtest"
	"github.com/xela07ax/opgate/internal/threat"
)

type env struct {
	srv    *server.ConsoleServer
	issuer *auth.Issuer
	trail  *audit.Trail
	locks  *engine.LockoutManager
	scorer *threat.Scorer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zap.NewNop()
	ctx := context.Background()
	clock := domain.SystemClock{}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	issuer := auth.NewIssuer(key, "opgate-test", time.Hour, clock)

	db := pgtest.OpenSQLite(t)
	repo := postgres.NewAuditRepo(db)
	hasher, err := audit.NewHasher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	trail := audit.NewTrail(repo, hasher, domain.UUIDGen{}, clock, logger)

	users := postgres.NewUserRepo(db)
	hash, err := auth.HashPassword("s3cret-pass")
	require.NoError(t, err)
	require.NoError(t, users.CreateUser(ctx, postgres.Credentials{ActorID: "op-1", Username: "operator", PasswordHash: hash}))

	perms := postgres.NewPermissionRepo(db)
	require.NoError(t, perms.GrantPermission(ctx, "*", auth.PermissionLogin))
	checker := auth.NewMemoChecker(perms, logger)
	require.NoError(t, checker.Refresh(ctx))

	c := cache.NewMemoryCache(time.Now)
	limiter := ratelimit.NewLimiter(c, ratelimit.Policy{MaxAttempts: 3, Window: time.Minute}, nil, logger)
	scorer := threat.NewScorer(threat.DefaultConfig(), threat.NewMemoryEventStore(), c, clock, logger)
	locks := engine.NewLockoutManager(nil, logger)

	exec := engine.New(engine.Deps{
		Gate:    engine.NewGate(checker, limiter, logger).WithLocks(locks),
		Store:   engine.PostgresStore{Store: postgres.NewStore(db, logger)},
		Audit:   trail,
		Threats: scorer,
		Limiter: limiter,
		Logger:  logger,
	}, engine.Config{DefaultDeadline: 5 * time.Second})

	scopes := func(string) map[string]bool { return map[string]bool{server.ScopeAuditRead: true} }

	srv := server.NewConsoleServer(logger,
		auth.NewValidator(&key.PublicKey),
		handler.NewAuthHandler(exec, users, issuer, scopes, logger),
		handler.NewAuditHandler(service.NewAuditService(trail, repo)),
		handler.NewThreatHandler(service.NewThreatService(scorer, nil, 80)),
		handler.NewActorHandler(locks, logger),
		nil,
	)
	return &env{srv: srv, issuer: issuer, trail: trail, locks: locks, scorer: scorer}
}

func (e *env) token(t *testing.T, scopes ...string) string {
	t.Helper()
	m := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		m[s] = true
	}
	tok, err := e.issuer.Issue("viewer", "", m)
	require.NoError(t, err)
	return "Bearer " + tok.AccessToken
}

func (e *env) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func TestConsole_HealthAndAuth(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/v1/audit", "", "").Code)
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodGet, "/v1/audit", e.token(t, server.ScopeThreatRead), "").Code)
}

func TestConsole_LoginThenReadAudit(t *testing.T) {
	e := newEnv(t)

	bad := e.do(http.MethodPost, "/auth/token", "", `{"username":"operator","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, bad.Code)

	ok := e.do(http.MethodPost, "/auth/token", "", `{"username":"operator","password":"s3cret-pass"}`)
	require.Equal(t, http.StatusOK, ok.Code, ok.Body.String())

	var tok auth.TokenResponse
	require.NoError(t, json.Unmarshal(ok.Body.Bytes(), &tok))
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Positive(t, tok.ExpiresIn)

	// две попытки входа — две записи аудита, пароль вычищен
	res := e.do(http.MethodGet, "/v1/audit?actor_id=operator&limit=10", "Bearer "+tok.AccessToken, "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.NotContains(t, res.Body.String(), "s3cret-pass")

	var logs []domain.AuditRecord
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &logs))
	require.Len(t, logs, 2)
	assert.Equal(t, domain.OutcomeSuccess, logs[0].Outcome, "newest first")
	assert.Equal(t, domain.OutcomeFailure, logs[1].Outcome)

	res = e.do(http.MethodGet, "/v1/audit?outcome=failure", "Bearer "+tok.AccessToken, "")
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &logs))
	assert.Len(t, logs, 1)

	verify := e.do(http.MethodGet, "/v1/audit/"+logs[0].ID+"/verify", "Bearer "+tok.AccessToken, "")
	require.Equal(t, http.StatusOK, verify.Code)
	assert.JSONEq(t, `{"id":"`+logs[0].ID+`","verified":true}`, verify.Body.String())

	missing := e.do(http.MethodGet, "/v1/audit/00000000-0000-0000-0000-000000000000/verify", "Bearer "+tok.AccessToken, "")
	assert.Equal(t, http.StatusNotFound, missing.Code)

	stats := e.do(http.MethodGet, "/v1/audit/stats", "Bearer "+tok.AccessToken, "")
	require.Equal(t, http.StatusOK, stats.Code)
	var st postgres.Stats
	require.NoError(t, json.Unmarshal(stats.Body.Bytes(), &st))
	assert.Equal(t, int64(2), st.Total)
	assert.Equal(t, int64(1), st.Failures)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/v1/audit?since=yesterday", "Bearer "+tok.AccessToken, "").Code)
}

func TestConsole_LoginRateLimited(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodPost, "/auth/token", "", `{"username":"operator","password":"x"}`).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, e.do(http.MethodPost, "/auth/token", "", `{"username":"operator","password":"s3cret-pass"}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/auth/token", "", `not json`).Code)
}

func TestConsole_ThreatAndActors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.scorer.RecordEvent(ctx, domain.ThreatEvent{Type: domain.EventSecurityBreach, Severity: domain.SeverityCritical}))

	res := e.do(http.MethodGet, "/v1/threat", e.token(t, server.ScopeThreatRead), "")
	require.Equal(t, http.StatusOK, res.Code)
	var ov service.ThreatOverview
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &ov))
	assert.Equal(t, 10, ov.Score.Score)
	assert.False(t, ov.Critical)
	require.Len(t, ov.History, 1)
	assert.Equal(t, domain.EventSecurityBreach, ov.History[0].EventType)

	alerts := e.do(http.MethodGet, "/v1/alerts", e.token(t, server.ScopeThreatRead), "")
	require.Equal(t, http.StatusOK, alerts.Code)
	assert.JSONEq(t, `[]`, alerts.Body.String())

	require.NoError(t, e.locks.Lock(ctx, "mallory", "test"))
	admin := e.token(t, server.ScopeActorsAdmin)
	assert.JSONEq(t, `{"actor_id":"mallory","locked":true}`, e.do(http.MethodGet, "/v1/actors/mallory/lockout", admin, "").Body.String())
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodPost, "/v1/actors/mallory/unlock", e.token(t, server.ScopeAuditRead), "").Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/actors/mallory/unlock", admin, "").Code)
	assert.False(t, e.locks.IsLocked("mallory"))
}
