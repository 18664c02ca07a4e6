package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/opgate/internal/repository/postgres/pgtest"
)

func TestPermissionRepo(t *testing.T) {
	db := pgtest.OpenSQLite(t)
	repo := NewPermissionRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.GrantPermission(ctx, "u-1", "content.delete"))
	require.NoError(t, repo.GrantPermission(ctx, "u-1", "content.delete"))
	require.NoError(t, repo.GrantPermission(ctx, "*", "content.read"))

	has, err := repo.Has(ctx, "u-1", "content.delete")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = repo.Has(ctx, "u-2", "content.delete")
	require.NoError(t, err)
	assert.False(t, has)

	has, err = repo.Has(ctx, "u-2", "content.read")
	require.NoError(t, err)
	assert.True(t, has, "wildcard grant applies to everyone")

	grants, err := repo.AllGrants(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Grant{{"u-1", "content.delete"}, {"*", "content.read"}}, grants)

	require.NoError(t, repo.RevokePermission(ctx, "u-1", "content.delete"))
	has, err = repo.Has(ctx, "u-1", "content.delete")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestPermissionRepo_GrantInsideRolledBackTx(t *testing.T) {
	db := pgtest.OpenSQLite(t)
	repo := NewPermissionRepo(db)
	store := NewStore(db, zap.NewNop())
	ctx := context.Background()

	txCtx, tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.GrantPermission(txCtx, "u-1", "content.delete"))
	require.NoError(t, tx.Rollback(txCtx))

	has, err := repo.Has(ctx, "u-1", "content.delete")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestUserRepo(t *testing.T) {
	db := pgtest.OpenSQLite(t)
	repo := NewUserRepo(db)
	ctx := context.Background()

	c, err := repo.CredentialsByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, c)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, repo.CreateUser(ctx, Credentials{ActorID: "u-1", Username: "alice", PasswordHash: string(hash)}))

	c, err = repo.CredentialsByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "u-1", c.ActorID)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte("s3cret")))
}
