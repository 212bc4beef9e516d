package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
)

// SQLAuditLog stores the chain in the audit_log table. The sequence primary
// key serialises concurrent appenders across replicas.
type SQLAuditLog struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLAuditLog(db *sql.DB, dialect Dialect) *SQLAuditLog {
	return &SQLAuditLog{db: db, dialect: dialect}
}

func (s *SQLAuditLog) Append(ctx context.Context, entry *contracts.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq  sql.NullInt64
		head sql.NullString
	)
	err = tx.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT sequence, entry_hash FROM audit_log ORDER BY sequence DESC LIMIT 1`)).Scan(&seq, &head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read chain head: %w", err)
	}
	prev := genesisHash
	if head.Valid {
		prev = head.String
	}

	if err := seal(entry, uint64(seq.Int64)+1, prev); err != nil {
		return err
	}
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO audit_log (sequence, entry_id, actor_id, action, ref, outcome, reason, metadata, ts, previous_hash, entry_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		int64(entry.Sequence), entry.EntryID, entry.ActorID, entry.Action, entry.Ref,
		entry.Outcome, entry.Reason, jsonText(meta), s.dialect.Time(entry.Timestamp),
		entry.PreviousHash, entry.EntryHash)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit append: %w", err)
	}
	return nil
}

const auditColumns = `sequence, entry_id, actor_id, action, ref, outcome, reason, metadata, ts, previous_hash, entry_hash`

func (s *SQLAuditLog) Query(ctx context.Context, filter AuditFilter) ([]contracts.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Ref != "" {
		where = append(where, "ref = ?")
		args = append(args, filter.Ref)
	}
	if !filter.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, s.dialect.Time(filter.Since))
	}

	q := "SELECT " + auditColumns + " FROM audit_log"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY sequence ASC"
	if filter.MaxResults > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.MaxResults)
	}
	return s.scan(ctx, q, args...)
}

func (s *SQLAuditLog) scan(ctx context.Context, q string, args ...any) ([]contracts.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	out := make([]contracts.AuditEntry, 0)
	for rows.Next() {
		var (
			e    contracts.AuditEntry
			seq  int64
			meta string
			ts   dbTime
		)
		if err := rows.Scan(&seq, &e.EntryID, &e.ActorID, &e.Action, &e.Ref, &e.Outcome,
			&e.Reason, &meta, &ts, &e.PreviousHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Sequence = uint64(seq)
		e.Timestamp = ts.Time
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLAuditLog) VerifyChain(ctx context.Context) error {
	entries, err := s.scan(ctx, "SELECT "+auditColumns+" FROM audit_log ORDER BY sequence ASC")
	if err != nil {
		return err
	}
	return verifyEntries(entries)
}

func (s *SQLAuditLog) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
