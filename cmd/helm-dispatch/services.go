package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/api"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/artifacts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/auth"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/budget"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/config"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/evaluator"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/gateway"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/identity"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/metering"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/store"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver (lite mode)
)

// services are the stateful backends selected by configuration.
type services struct {
	db      *sql.DB
	dialect store.Dialect
	redis   *redis.Client

	identities  identity.Store
	revocations auth.RevocationStore
	history     store.ExecutionStore
	auditLog    store.AuditLog
	idempotency api.IdempotencyStorer
	ledger      budget.Ledger
	meter       metering.Meter
	load        evaluator.LoadState
	limiter     kernel.LimiterStore
	blobs       artifacts.Store
}

// openDatabase resolves DATABASE_URL. It returns a nil db for "memory".
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, store.Dialect, error) {
	url := cfg.DatabaseURL
	switch {
	case url == config.DatabaseMemory:
		log.Println("[helm-dispatch] storage: in-memory (state is lost on exit)")
		return nil, "", nil
	case cfg.LiteMode():
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return nil, "", fmt.Errorf("create data dir: %w", err)
		}
		path := filepath.Join(cfg.DataDir, "helm-dispatch.db")
		log.Printf("[helm-dispatch] lite mode: using sqlite at %s", path)
		url = "sqlite://" + path
	}

	db, dialect, err := store.Open(ctx, url)
	if err != nil {
		return nil, "", err
	}
	if err := store.Migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("migrate: %w", err)
	}
	log.Printf("[helm-dispatch] %s: connected", dialect)
	return db, dialect, nil
}

func openServices(ctx context.Context, cfg *config.Config) (*services, error) {
	s := &services{}

	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.db, s.dialect = db, dialect
	if db != nil {
		s.identities = store.NewSQLIdentityStore(db, dialect)
		s.history = store.NewSQLExecutionStore(db, dialect)
		s.auditLog = store.NewSQLAuditLog(db, dialect)
		s.idempotency = store.NewSQLIdempotencyStore(db, dialect, cfg.IdempotencyTTL)
		s.ledger = budget.NewSQLLedger(db, dialect)
		s.meter = metering.NewSQLMeter(db, dialect)
	} else {
		s.identities = identity.NewMemoryStore()
		s.history = store.NewMemoryExecutionStore()
		s.auditLog = store.NewMemoryAuditLog()
		s.idempotency = api.NewIdempotencyStore(cfg.IdempotencyTTL)
		s.ledger = budget.NewMemoryLedger()
		s.meter = metering.NewMemoryMeter()
	}

	if cfg.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		log.Printf("[helm-dispatch] redis: connected to %s", cfg.RedisAddr)
		s.revocations = auth.NewRedisRevocationStore(s.redis)
		s.load = evaluator.NewRedisLoadState(s.redis)
		s.limiter = kernel.NewRedisLimiterStore(s.redis)
	} else {
		s.revocations = auth.NewMemoryRevocationStore()
		s.load = evaluator.NewMemoryLoadState()
		s.limiter = kernel.NewInMemoryLimiterStore()
	}

	blobs, err := artifacts.NewStore(ctx, cfg.Artifacts)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	s.blobs = blobs
	log.Printf("[helm-dispatch] artifacts: %s", displayStoreType(cfg.Artifacts.Type))
	return s, nil
}

// checks are the dependencies reported by /health/detailed.
func (s *services) checks() map[string]gateway.Pinger {
	database := gateway.Pinger(s.history)
	if s.db != nil {
		database = pingDB{s.db}
	}
	return map[string]gateway.Pinger{
		"database":   database,
		"load_state": s.load,
		"revocation": s.revocations,
		"artifacts":  s.blobs,
	}
}

func (s *services) Close() error {
	var errs []error
	if c, ok := s.blobs.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

type pingDB struct{ db *sql.DB }

func (p pingDB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func displayStoreType(t artifacts.StoreType) string {
	if t == "" {
		return string(artifacts.StoreTypeFS)
	}
	return string(t)
}
