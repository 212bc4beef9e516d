package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/identity"
)

func TestSQLIdentityStore_SQLite(t *testing.T) {
	s := NewSQLIdentityStore(newSQLite(t), DialectSQLite)
	ctx := context.Background()

	alice := &identity.Identity{ID: "u-1", Username: "alice", Role: identity.RoleUser, Active: true, PasswordHash: "$2a$hash", CreatedAt: base}
	require.NoError(t, s.Create(ctx, alice))
	require.ErrorIs(t, s.Create(ctx, &identity.Identity{ID: "u-2", Username: "alice", Role: identity.RoleUser, CreatedAt: base}), identity.ErrUsernameTaken)

	got, err := s.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.ID)
	assert.Equal(t, "$2a$hash", got.PasswordHash)
	assert.True(t, got.Active)
	assert.True(t, base.Equal(got.CreatedAt))

	require.NoError(t, s.SetActive(ctx, "u-1", false))
	require.NoError(t, s.SetRole(ctx, "u-1", identity.RoleAdmin))
	got, err = s.GetByID(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, identity.RoleAdmin, got.Role)

	_, err = s.GetByID(ctx, "missing")
	require.ErrorIs(t, err, identity.ErrNotFound)
	require.ErrorIs(t, s.SetRole(ctx, "missing", identity.RoleUser), identity.ErrNotFound)
	require.NoError(t, s.Ping(ctx))
}

func TestSQLIdentityStore_PostgresDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLIdentityStore(db, DialectPostgres)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO identities (id, username, role, active, password_hash, created_at) VALUES ($1, $2, $3, $4, $5, $6)`)).
		WillReturnError(&pq.Error{Code: "23505"})

	err = s.Create(context.Background(), &identity.Identity{ID: "u-1", Username: "alice", Role: identity.RoleUser, CreatedAt: base})
	require.ErrorIs(t, err, identity.ErrUsernameTaken)
	require.NoError(t, mock.ExpectationsWereMet())
}
