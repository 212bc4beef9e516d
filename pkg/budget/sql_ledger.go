package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/store"
)

// SQLLedger writes charges to cost_ledger and keeps a running per-engine
// total in engine_spend, both in one transaction.
type SQLLedger struct {
	db      *sql.DB
	dialect store.Dialect
	clock   func() time.Time
}

func NewSQLLedger(db *sql.DB, dialect store.Dialect) *SQLLedger {
	return &SQLLedger{db: db, dialect: dialect, clock: time.Now}
}

func (l *SQLLedger) Charge(ctx context.Context, e Entry) error {
	if err := e.normalize(l.clock); err != nil {
		return err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("budget: begin charge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, l.dialect.Rebind(
		`INSERT INTO cost_ledger (entry_id, engine, subject_id, execution_id, cost_usd, tokens, charged_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.EntryID, string(e.Engine), e.SubjectID, e.ExecutionID, e.CostUSD, e.Tokens, l.dialect.Time(e.At))
	if err != nil {
		return fmt.Errorf("budget: insert charge: %w", err)
	}

	_, err = tx.ExecContext(ctx, l.dialect.Rebind(
		`INSERT INTO engine_spend (engine, total_usd, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (engine) DO UPDATE SET
			total_usd = engine_spend.total_usd + EXCLUDED.total_usd,
			updated_at = EXCLUDED.updated_at`),
		string(e.Engine), e.CostUSD, l.dialect.Time(e.At))
	if err != nil {
		return fmt.Errorf("budget: update engine spend: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("budget: commit charge: %w", err)
	}
	return nil
}

func (l *SQLLedger) EngineTotal(ctx context.Context, engine contracts.EngineID) (float64, error) {
	var total float64
	err := l.db.QueryRowContext(ctx, l.dialect.Rebind(
		`SELECT COALESCE(SUM(total_usd), 0) FROM engine_spend WHERE engine = ?`), string(engine)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("budget: engine total: %w", err)
	}
	return total, nil
}

func (l *SQLLedger) SubjectTotal(ctx context.Context, subjectID string, since time.Time) (float64, error) {
	var total float64
	err := l.db.QueryRowContext(ctx, l.dialect.Rebind(
		`SELECT COALESCE(SUM(cost_usd), 0) FROM cost_ledger WHERE subject_id = ? AND charged_at >= ?`),
		subjectID, l.dialect.Time(since)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("budget: subject total: %w", err)
	}
	return total, nil
}
