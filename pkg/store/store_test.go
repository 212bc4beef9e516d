package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

var sqliteSeq atomic.Int64

// newSQLite opens a private in-memory database with the schema applied.
func newSQLite(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	url := fmt.Sprintf("file:store-test-%d?mode=memory&cache=shared", sqliteSeq.Add(1))
	db, dialect, err := Open(ctx, url)
	require.NoError(t, err)
	require.Equal(t, DialectSQLite, dialect)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(ctx, db, dialect))
	return db
}
