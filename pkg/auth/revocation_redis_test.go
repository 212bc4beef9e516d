package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/auth"
)

// TestRedisRevocationStore_Integration requires a running Redis.
func TestRedisRevocationStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	store := auth.NewRedisRevocationStore(client)
	until := time.Now().Add(time.Minute)
	id := uuid.NewString()

	state, err := store.State(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, auth.CredentialActive, state)

	ok, err := store.MarkRotated(ctx, id, until)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.MarkRotated(ctx, id, until)
	require.NoError(t, err)
	assert.False(t, ok, "second rotation must lose")

	require.NoError(t, store.Revoke(ctx, id, until))
	state, err = store.State(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, auth.CredentialRevoked, state)
}
