package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	for _, r := range Roles {
		got, err := ParseRole(string(r))
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
	_, err := ParseRole("root")
	require.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	alice := &Identity{ID: "u-1", Username: "alice", Role: RoleUser, Active: true}
	require.NoError(t, s.Create(ctx, alice))
	require.ErrorIs(t, s.Create(ctx, &Identity{ID: "u-2", Username: "alice"}), ErrUsernameTaken)

	got, err := s.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.ID)

	// Returned values are copies.
	got.Role = RoleAdmin
	again, _ := s.GetByID(ctx, "u-1")
	assert.Equal(t, RoleUser, again.Role)

	require.NoError(t, s.SetActive(ctx, "u-1", false))
	require.NoError(t, s.SetRole(ctx, "u-1", RoleAnalyst))
	again, _ = s.GetByID(ctx, "u-1")
	assert.False(t, again.Active)
	assert.Equal(t, RoleAnalyst, again.Role)

	_, err = s.GetByID(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.SetActive(ctx, "missing", true), ErrNotFound)
}

func signAndParse(t *testing.T, ks KeySet) error {
	t.Helper()
	tok, err := ks.Sign(context.Background(), jwt.RegisteredClaims{
		Subject:   "u-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	require.NoError(t, err)
	_, err = jwt.Parse(tok, ks.KeyFunc())
	return err
}

func TestInMemoryKeySet_RotationKeepsRecentKeys(t *testing.T) {
	ks, err := NewInMemoryKeySet()
	require.NoError(t, err)

	tok, err := ks.Sign(context.Background(), jwt.RegisteredClaims{Subject: "u-1"})
	require.NoError(t, err)

	require.NoError(t, ks.Rotate())
	_, err = jwt.Parse(tok, ks.KeyFunc())
	require.NoError(t, err, "token signed by previous key must still verify")

	for i := 0; i < maxRetainedKeys; i++ {
		require.NoError(t, ks.Rotate())
	}
	_, err = jwt.Parse(tok, ks.KeyFunc())
	require.Error(t, err, "evicted key must no longer verify")
	require.NoError(t, signAndParse(t, ks))
}

func TestHMACKeySet(t *testing.T) {
	_, err := NewHMACKeySet("short")
	require.Error(t, err)

	ks, err := NewHMACKeySet("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	require.NoError(t, signAndParse(t, ks))

	other, err := NewHMACKeySet("fedcba9876543210fedcba9876543210")
	require.NoError(t, err)
	tok, err := ks.Sign(context.Background(), jwt.RegisteredClaims{Subject: "u-1"})
	require.NoError(t, err)
	_, err = jwt.Parse(tok, other.KeyFunc())
	require.Error(t, err)

	ed, err := NewInMemoryKeySet()
	require.NoError(t, err)
	_, err = jwt.Parse(tok, ed.KeyFunc())
	require.Error(t, err, "HS256 token must not verify against an EdDSA key set")
}
