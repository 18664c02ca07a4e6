package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/opgate/internal/audit"
	"github.com/xela07ax/opgate/internal/auth"
	"github.com/xela07ax/opgate/internal/cache"
	"github.com/xela07ax/opgate/internal/domain"
	"github.com/xela07ax/opgate/internal/engine"
	"github.com/xela07ax/opgate/internal/ratelimit"
	"github.com/xela07ax/opgate/internal/repository/postgres"
	"github.com/xela07ax/opgate/internal/repository/postgres/pgtest"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestValidator(t *testing.T) {
	key := rsaKey(t)
	issuer := auth.NewIssuer(key, "opgate-test", time.Hour, domain.SystemClock{})
	v := auth.NewValidator(&key.PublicKey)

	tok, err := issuer.Issue("u-1", "s-1", map[string]bool{"audit.read": true})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.TokenType)

	claims, err := v.VerifyToken("Bearer " + tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)
	assert.True(t, claims.HasScope("audit.read"))
	assert.False(t, claims.HasScope("audit.verify"))

	sc := claims.SecurityContext(auth.Request{Operation: "audit.verify", Permissions: []string{"audit.verify"}}, time.Now())
	assert.Equal(t, "u-1", sc.ActorID())
	assert.Equal(t, "s-1", sc.SessionID())

	t.Run("other key", func(t *testing.T) {
		_, err := auth.NewValidator(&rsaKey(t).PublicKey).VerifyToken(tok.AccessToken)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("hmac algorithm rejected", func(t *testing.T) {
		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.Claims{
			UserID:           "u-1",
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		}).SignedString([]byte("guess"))
		require.NoError(t, err)
		_, err = v.VerifyToken(forged)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		old := auth.NewIssuer(key, "opgate-test", time.Minute, &fixedClock{now: time.Now().Add(-time.Hour)})
		stale, err := old.Issue("u-1", "", nil)
		require.NoError(t, err)
		_, err = v.VerifyToken(stale.AccessToken)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})
}

func TestMiddleware(t *testing.T) {
	key := rsaKey(t)
	issuer := auth.NewIssuer(key, "opgate-test", time.Hour, domain.SystemClock{})
	v := auth.NewValidator(&key.PublicKey)

	var seen string
	h := auth.NewMiddleware(v, zap.NewNop())(auth.RequireScope("audit.read")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, _ := auth.ClaimsFromContext(r.Context())
			seen = c.UserID
		})))

	call := func(header string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, call(""))
	assert.Equal(t, http.StatusUnauthorized, call("Bearer garbage"))

	reader, err := issuer.Issue("reader", "", map[string]bool{"audit.read": true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, call("Bearer "+reader.AccessToken))
	assert.Equal(t, "reader", seen)

	nobody, err := issuer.Issue("nobody", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, call("Bearer "+nobody.AccessToken))
}

func TestMemoChecker(t *testing.T) {
	db := pgtest.OpenSQLite(t)
	repo := postgres.NewPermissionRepo(db)
	ctx := context.Background()

	m := auth.NewMemoChecker(repo, zap.NewNop())
	_, err := m.Has(ctx, "alice", "doc.read")
	assert.ErrorIs(t, err, auth.ErrNotLoaded, "fail closed before first load")

	require.NoError(t, repo.GrantPermission(ctx, "alice", "doc.read"))
	require.NoError(t, repo.GrantPermission(ctx, "*", auth.PermissionLogin))
	require.NoError(t, repo.GrantPermission(ctx, "root", "*"))
	require.NoError(t, m.Refresh(ctx))

	for _, tc := range []struct {
		actor, perm string
		want        bool
	}{
		{"alice", "doc.read", true},
		{"alice", "doc.write", false},
		{"bob", auth.PermissionLogin, true},
		{"root", "anything", true},
	} {
		got, err := m.Has(ctx, tc.actor, tc.perm)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s/%s", tc.actor, tc.perm)
	}

	require.NoError(t, repo.RevokePermission(ctx, "alice", "doc.read"))
	ok, _ := m.Has(ctx, "alice", "doc.read")
	assert.True(t, ok, "memory copy until refresh")
	require.NoError(t, m.Refresh(ctx))
	ok, _ = m.Has(ctx, "alice", "doc.read")
	assert.False(t, ok)
}

// Вход через исполнитель: пять неверных паролей, шестая попытка упирается в лимит,
// верный пароль после истечения блокировки проходит и сбрасывает счетчик.
func TestLoginThroughExecutor(t *testing.T) {
	db := pgtest.OpenSQLite(t)
	ctx := context.Background()
	logger := zap.NewNop()
	clock := &fixedClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}

	users := postgres.NewUserRepo(db)
	hash, err := auth.HashPassword("correct horse")
	require.NoError(t, err)
	require.NoError(t, users.CreateUser(ctx, postgres.Credentials{ActorID: "u-42", Username: "carol", PasswordHash: hash}))

	perms := postgres.NewPermissionRepo(db)
	require.NoError(t, perms.GrantPermission(ctx, "*", auth.PermissionLogin))
	checker := auth.NewMemoChecker(perms, logger)
	require.NoError(t, checker.Refresh(ctx))

	limiter := ratelimit.NewLimiter(cache.NewMemoryCache(clock.Now),
		ratelimit.Policy{MaxAttempts: 100, Window: time.Minute},
		map[string]ratelimit.Policy{auth.OperationLogin: {MaxAttempts: 5, Window: 15 * time.Minute, Lockout: time.Hour, ResetOnSuccess: true}},
		logger)

	hasher, err := audit.NewHasher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	records := audit.NewMemoryStore()

	exec := engine.New(engine.Deps{
		Gate:    engine.NewGate(checker, limiter, logger),
		Store:   engine.PostgresStore{Store: postgres.NewStore(db, logger)},
		Audit:   audit.NewTrail(records, hasher, domain.UUIDGen{}, clock, logger),
		Limiter: limiter,
		Clock:   clock,
		Logger:  logger,
	}, engine.Config{DefaultDeadline: 5 * time.Second})

	issuer := auth.NewIssuer(rsaKey(t), "opgate-test", time.Hour, domain.SystemClock{})
	attempt := func(password string) (domain.Result, error) {
		req := auth.LoginRequest{Username: "carol", Password: password}
		return exec.Execute(ctx, auth.LoginContext(req, "10.1.1.1", "s-1"), auth.LoginOperation(users, issuer, nil, req, "s-1"))
	}

	for i := 0; i < 5; i++ {
		_, err := attempt("wrong")
		require.ErrorIs(t, err, domain.ErrPermissionDenied)
	}
	_, err = attempt("correct horse")
	require.ErrorIs(t, err, domain.ErrRateLimitExceeded, "locked even with the right password")

	st, err := limiter.Status(ctx, ratelimit.Key{ActorID: "carol", Operation: auth.OperationLogin})
	require.NoError(t, err)
	assert.True(t, st.Locked)

	clock.now = clock.now.Add(2 * time.Hour)
	res, err := attempt("correct horse")
	require.NoError(t, err)
	assert.Equal(t, "u-42", res.Data["actor_id"])
	assert.NotEmpty(t, res.Data["access_token"])

	st, err = limiter.Status(ctx, ratelimit.Key{ActorID: "carol", Operation: auth.OperationLogin})
	require.NoError(t, err)
	assert.Zero(t, st.Count)

	for _, rec := range records.All() {
		assert.NotContains(t, rec.SanitizedContext["payload"], "password")
	}

	_, err = exec.Execute(ctx, auth.LoginContext(auth.LoginRequest{Username: "ghost", Password: "x"}, "", ""),
		auth.LoginOperation(users, issuer, nil, auth.LoginRequest{Username: "ghost", Password: "x"}, ""))
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
}
