package budget

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/store"
)

var day = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func exerciseLedger(t *testing.T, l Ledger) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, l.Charge(ctx, Entry{Engine: contracts.EngineTeam, SubjectID: "alice", ExecutionID: "e-1", CostUSD: 0.25, Tokens: 900, At: day}))
	require.NoError(t, l.Charge(ctx, Entry{Engine: contracts.EngineTeam, SubjectID: "bob", ExecutionID: "e-2", CostUSD: 0.5, Tokens: 1200, At: day.Add(time.Hour)}))
	require.NoError(t, l.Charge(ctx, Entry{Engine: contracts.EngineDirect, SubjectID: "alice", ExecutionID: "e-3", CostUSD: 0.01, Tokens: 100, At: day.Add(2 * time.Hour)}))

	team, err := l.EngineTotal(ctx, contracts.EngineTeam)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, team, 1e-9)

	dialogue, err := l.EngineTotal(ctx, contracts.EngineDialogue)
	require.NoError(t, err)
	assert.Zero(t, dialogue)

	alice, err := l.SubjectTotal(ctx, "alice", day)
	require.NoError(t, err)
	assert.InDelta(t, 0.26, alice, 1e-9)

	alice, err = l.SubjectTotal(ctx, "alice", day.Add(time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 0.01, alice, 1e-9)

	require.ErrorIs(t, l.Charge(ctx, Entry{Engine: contracts.EngineDirect, CostUSD: -1}), ErrNegativeCost)
	require.ErrorIs(t, l.Charge(ctx, Entry{CostUSD: 1}), ErrEmptyEngine)
}

func TestMemoryLedger(t *testing.T) {
	exerciseLedger(t, NewMemoryLedger())
}

func TestSQLLedger_SQLite(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := store.Open(ctx, "file:budget-ledger-test?mode=memory&cache=shared")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, store.Migrate(ctx, db, dialect))

	exerciseLedger(t, NewSQLLedger(db, dialect))
}

func TestSQLLedger_PostgresChargeIsTransactional(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewSQLLedger(db, store.DialectPostgres)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO cost_ledger`)).
		WithArgs("entry-1", "team", "alice", "e-1", 0.25, int64(900), day).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (engine) DO UPDATE SET`)).
		WithArgs("team", 0.25, day).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err = l.Charge(context.Background(), Entry{EntryID: "entry-1", Engine: contracts.EngineTeam, SubjectID: "alice", ExecutionID: "e-1", CostUSD: 0.25, Tokens: 900, At: day})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_PostgresEngineTotal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(SUM(total_usd), 0) FROM engine_spend WHERE engine = $1`)).
		WithArgs("dialogue").
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(1.5))

	total, err := NewSQLLedger(db, store.DialectPostgres).EngineTotal(context.Background(), contracts.EngineDialogue)
	require.NoError(t, err)
	assert.Equal(t, 1.5, total)
	require.NoError(t, mock.ExpectationsWereMet())
}
