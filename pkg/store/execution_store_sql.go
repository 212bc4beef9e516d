package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
)

// SQLExecutionStore persists executions in Postgres or SQLite.
type SQLExecutionStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLExecutionStore(db *sql.DB, dialect Dialect) *SQLExecutionStore {
	return &SQLExecutionStore{db: db, dialect: dialect}
}

const executionColumns = `execution_id, owner_id, status, engine, result, error_kind, error_reason,
	duration_seconds, tokens_used, cost_usd, attempts, decision, result_ref, created_at, updated_at`

func (s *SQLExecutionStore) Create(ctx context.Context, r *contracts.ExecutionResult) error {
	decision, err := json.Marshal(r.Decision)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ExecutionID, r.OwnerID, string(r.Status), string(r.Engine), r.Result, r.ErrorKind,
		r.ErrorReason, r.DurationSeconds, r.TokensUsed, r.CostUSD, r.Attempts,
		jsonText(decision), r.ResultRef, s.dialect.Time(r.CreatedAt), s.dialect.Time(r.UpdatedAt))
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *SQLExecutionStore) Update(ctx context.Context, expected contracts.Status, r *contracts.ExecutionResult) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE executions SET status = ?, result = ?, error_kind = ?, error_reason = ?,
		 duration_seconds = ?, tokens_used = ?, cost_usd = ?, attempts = ?, result_ref = ?, updated_at = ?
		 WHERE execution_id = ? AND status = ?`),
		string(r.Status), r.Result, r.ErrorKind, r.ErrorReason, r.DurationSeconds, r.TokensUsed,
		r.CostUSD, r.Attempts, r.ResultRef, s.dialect.Time(r.UpdatedAt),
		r.ExecutionID, string(expected))
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, r.ExecutionID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *SQLExecutionStore) Get(ctx context.Context, id string) (*contracts.ExecutionResult, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT `+executionColumns+` FROM executions WHERE execution_id = ?`), id)
	r, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *SQLExecutionStore) List(ctx context.Context, filter ExecutionFilter) ([]contracts.ExecutionResult, error) {
	q := `SELECT ` + executionColumns + ` FROM executions`
	var args []any
	if filter.OwnerID != "" {
		q += ` WHERE owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	q += ` ORDER BY created_at DESC, execution_id DESC LIMIT ? OFFSET ?`
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
		if s.dialect == DialectPostgres {
			limit = 1 << 31
		}
	}
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := make([]contracts.ExecutionResult, 0)
	for rows.Next() {
		r, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLExecutionStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*contracts.ExecutionResult, error) {
	var (
		r                contracts.ExecutionResult
		status, engine   string
		decision         string
		created, updated dbTime
	)
	err := row.Scan(&r.ExecutionID, &r.OwnerID, &status, &engine, &r.Result, &r.ErrorKind,
		&r.ErrorReason, &r.DurationSeconds, &r.TokensUsed, &r.CostUSD, &r.Attempts,
		&decision, &r.ResultRef, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	r.Status = contracts.Status(status)
	r.Engine = contracts.EngineID(engine)
	r.CreatedAt, r.UpdatedAt = created.Time, updated.Time
	if err := json.Unmarshal([]byte(decision), &r.Decision); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	return &r, nil
}
