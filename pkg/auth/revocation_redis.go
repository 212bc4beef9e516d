package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRevocationStore shares revocation state across replicas. Keys expire
// with the credential they describe.
type RedisRevocationStore struct {
	client redis.UniversalClient
	prefix string
	clock  func() time.Time
}

func NewRedisRevocationStore(client redis.UniversalClient) *RedisRevocationStore {
	return &RedisRevocationStore{client: client, prefix: "revocation:", clock: time.Now}
}

func (s *RedisRevocationStore) ttl(until time.Time) time.Duration {
	d := until.Sub(s.clock())
	if d < time.Second {
		return time.Second
	}
	return d
}

func (s *RedisRevocationStore) State(ctx context.Context, credentialID string) (CredentialState, error) {
	v, err := s.client.Get(ctx, s.prefix+credentialID).Result()
	if errors.Is(err, redis.Nil) {
		return CredentialActive, nil
	}
	if err != nil {
		return "", fmt.Errorf("redis revocation lookup: %w", err)
	}
	return CredentialState(v), nil
}

func (s *RedisRevocationStore) MarkRotated(ctx context.Context, credentialID string, until time.Time) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+credentialID, string(CredentialRotated), s.ttl(until)).Result()
	if err != nil {
		return false, fmt.Errorf("redis mark rotated: %w", err)
	}
	return ok, nil
}

func (s *RedisRevocationStore) Revoke(ctx context.Context, credentialID string, until time.Time) error {
	if err := s.client.Set(ctx, s.prefix+credentialID, string(CredentialRevoked), s.ttl(until)).Err(); err != nil {
		return fmt.Errorf("redis revoke: %w", err)
	}
	return nil
}

func (s *RedisRevocationStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
