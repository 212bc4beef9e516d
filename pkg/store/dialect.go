// Package store persists identities, execution history, audit entries and
// idempotent responses in PostgreSQL (server mode) or SQLite (lite mode).
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a compare-and-set update loses.
	ErrConflict = errors.New("record was modified concurrently")
)

// Dialect selects placeholder style and schema for a SQL backend.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Rebind rewrites '?' placeholders to the dialect's style.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// sqliteTimeLayout is fixed-width so text ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// Time converts t into a query argument for the dialect.
func (d Dialect) Time(t time.Time) any {
	if d == DialectSQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

// IsUniqueViolation reports whether err is a unique-constraint failure.
func (d Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Open connects to a database URL. postgres:// and postgresql:// URLs use
// lib/pq; sqlite://<path> and file: URLs use modernc sqlite.
func Open(ctx context.Context, url string) (*sql.DB, Dialect, error) {
	var (
		driverName string
		dsn        string
		dialect    Dialect
	)
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		driverName, dsn, dialect = "postgres", url, DialectPostgres
	case strings.HasPrefix(url, "sqlite://"):
		driverName, dsn, dialect = "sqlite", strings.TrimPrefix(url, "sqlite://"), DialectSQLite
	case strings.HasPrefix(url, "file:"):
		driverName, dsn, dialect = "sqlite", url, DialectSQLite
	default:
		return nil, "", fmt.Errorf("unsupported database url scheme")
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// SQLite serialises writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping %s: %w", dialect, err)
	}
	return db, dialect, nil
}

// dbTime scans timestamps stored natively (Postgres) or as text (SQLite).
type dbTime struct{ time.Time }

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		t.Time = time.Time{}
		return nil
	}
	return fmt.Errorf("store: cannot scan %T into time", src)
}

func (t *dbTime) parse(s string) error {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("store: unrecognised time %q", s)
}

var _ driver.Valuer = jsonText(nil)

// jsonText stores pre-encoded JSON as text in both dialects.
type jsonText []byte

func (j jsonText) Value() (driver.Value, error) {
	if j == nil {
		return "null", nil
	}
	return string(j), nil
}
