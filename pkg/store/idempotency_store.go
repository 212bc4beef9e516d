package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/api"
)

// SQLIdempotencyStore keeps replayable responses in idempotency_keys so
// retries are deduplicated across replicas and restarts.
type SQLIdempotencyStore struct {
	db      *sql.DB
	dialect Dialect
	ttl     time.Duration
	clock   func() time.Time
}

func NewSQLIdempotencyStore(db *sql.DB, dialect Dialect, ttl time.Duration) *SQLIdempotencyStore {
	return &SQLIdempotencyStore{db: db, dialect: dialect, ttl: ttl, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *SQLIdempotencyStore) WithClock(clock func() time.Time) *SQLIdempotencyStore {
	s.clock = clock
	return s
}

var _ api.IdempotencyStorer = (*SQLIdempotencyStore)(nil)

func (s *SQLIdempotencyStore) Check(ctx context.Context, key string) (*api.CachedResponse, bool, error) {
	var (
		resp   api.CachedResponse
		body   string
		cached dbTime
	)
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT status_code, content_type, body, cached_at FROM idempotency_keys WHERE key = ? AND cached_at > ?`),
		key, s.dialect.Time(s.clock().Add(-s.ttl))).
		Scan(&resp.StatusCode, &resp.ContentType, &body, &cached)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query idempotency key: %w", err)
	}
	resp.Body = []byte(body)
	resp.CachedAt = cached.Time
	return &resp, true, nil
}

// Set stores the first response for a key; later writes for the same key
// keep the original. Expired rows are pruned on the way.
func (s *SQLIdempotencyStore) Set(ctx context.Context, key string, resp api.CachedResponse) error {
	now := s.clock()
	if _, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`DELETE FROM idempotency_keys WHERE cached_at <= ?`), s.dialect.Time(now.Add(-s.ttl))); err != nil {
		return fmt.Errorf("prune idempotency keys: %w", err)
	}
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO idempotency_keys (key, status_code, content_type, body, cached_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO NOTHING`),
		key, resp.StatusCode, resp.ContentType, string(resp.Body), s.dialect.Time(now))
	if err != nil {
		return fmt.Errorf("insert idempotency key: %w", err)
	}
	return nil
}
