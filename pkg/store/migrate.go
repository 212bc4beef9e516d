package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// schema uses portable column types; {{TS}} expands per dialect.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS identities (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL,
		active BOOLEAN NOT NULL,
		password_hash TEXT NOT NULL,
		created_at {{TS}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		execution_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL,
		engine TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		error_reason TEXT NOT NULL DEFAULT '',
		duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		tokens_used BIGINT NOT NULL DEFAULT 0,
		cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		decision TEXT NOT NULL,
		result_ref TEXT NOT NULL DEFAULT '',
		created_at {{TS}} NOT NULL,
		updated_at {{TS}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS executions_owner_created ON executions (owner_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		sequence BIGINT PRIMARY KEY,
		entry_id TEXT NOT NULL UNIQUE,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		ref TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		ts {{TS}} NOT NULL,
		previous_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		status_code INTEGER NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		cached_at {{TS}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cost_ledger (
		entry_id TEXT PRIMARY KEY,
		engine TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		cost_usd DOUBLE PRECISION NOT NULL,
		tokens BIGINT NOT NULL,
		charged_at {{TS}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS engine_spend (
		engine TEXT PRIMARY KEY,
		total_usd DOUBLE PRECISION NOT NULL,
		updated_at {{TS}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS usage_events (
		event_id TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		engine TEXT NOT NULL,
		quantity BIGINT NOT NULL,
		cost_usd DOUBLE PRECISION NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		ts {{TS}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS usage_events_subject_ts ON usage_events (subject_id, ts)`,
}

// Migrate creates every table the service uses. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	ts := "TIMESTAMPTZ"
	if d == DialectSQLite {
		ts = "TEXT"
	}
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, strings.ReplaceAll(stmt, "{{TS}}", ts)); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
