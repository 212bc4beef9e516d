package metering

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/store"
)

// SQLMeter stores events in the usage_events table.
type SQLMeter struct {
	db      *sql.DB
	dialect store.Dialect
	clock   func() time.Time
}

// NewSQLMeter creates a meter on a migrated database.
func NewSQLMeter(db *sql.DB, dialect store.Dialect) *SQLMeter {
	return &SQLMeter{db: db, dialect: dialect, clock: time.Now}
}

func (m *SQLMeter) Record(ctx context.Context, event Event) error {
	return m.RecordBatch(ctx, []Event{event})
}

// RecordBatch stores multiple events in a single transaction.
func (m *SQLMeter) RecordBatch(ctx context.Context, events []Event) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metering: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, m.dialect.Rebind(`
		INSERT INTO usage_events (event_id, subject_id, event_type, engine, quantity, cost_usd, metadata, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return fmt.Errorf("metering: failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := m.clock()
	for _, event := range events {
		if err := event.Validate(); err != nil {
			return err
		}
		event.stamp(now)

		metadata := "{}"
		if event.Metadata != nil {
			raw, err := json.Marshal(event.Metadata)
			if err != nil {
				return fmt.Errorf("metering: failed to marshal metadata: %w", err)
			}
			metadata = string(raw)
		}

		_, err := stmt.ExecContext(ctx, event.EventID, event.SubjectID, string(event.EventType), string(event.Engine),
			event.Quantity, event.CostUSD, metadata, m.dialect.Time(event.Timestamp))
		if err != nil {
			return fmt.Errorf("metering: failed to insert event: %w", err)
		}
	}

	return tx.Commit()
}

// GetUsage aggregates a subject's events by type and engine.
func (m *SQLMeter) GetUsage(ctx context.Context, subjectID string, period Period) (*Usage, error) {
	rows, err := m.db.QueryContext(ctx, m.dialect.Rebind(`
		SELECT event_type, engine, SUM(quantity), SUM(cost_usd)
		FROM usage_events
		WHERE subject_id = ? AND ts >= ? AND ts < ?
		GROUP BY event_type, engine
	`), subjectID, m.dialect.Time(period.Start), m.dialect.Time(period.End))
	if err != nil {
		return nil, fmt.Errorf("metering: failed to query usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	usage := newUsage(subjectID, period)
	for rows.Next() {
		var (
			eventType, engine string
			qty               int64
			cost              float64
		)
		if err := rows.Scan(&eventType, &engine, &qty, &cost); err != nil {
			return nil, fmt.Errorf("metering: failed to scan row: %w", err)
		}
		usage.add(EventType(eventType), contracts.EngineID(engine), qty, cost)
	}
	return usage, rows.Err()
}
