package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/identity"
)

// SQLIdentityStore implements identity.Store on the identities table.
type SQLIdentityStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLIdentityStore(db *sql.DB, dialect Dialect) *SQLIdentityStore {
	return &SQLIdentityStore{db: db, dialect: dialect}
}

var _ identity.Store = (*SQLIdentityStore)(nil)

func (s *SQLIdentityStore) Create(ctx context.Context, id *identity.Identity) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO identities (id, username, role, active, password_hash, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		id.ID, id.Username, string(id.Role), id.Active, id.PasswordHash, s.dialect.Time(id.CreatedAt))
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return identity.ErrUsernameTaken
		}
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

func (s *SQLIdentityStore) GetByID(ctx context.Context, id string) (*identity.Identity, error) {
	return s.get(ctx, `SELECT id, username, role, active, password_hash, created_at FROM identities WHERE id = ?`, id)
}

func (s *SQLIdentityStore) GetByUsername(ctx context.Context, username string) (*identity.Identity, error) {
	return s.get(ctx, `SELECT id, username, role, active, password_hash, created_at FROM identities WHERE username = ?`, username)
}

func (s *SQLIdentityStore) get(ctx context.Context, q string, arg string) (*identity.Identity, error) {
	var (
		ident   identity.Identity
		role    string
		created dbTime
	)
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(q), arg).
		Scan(&ident.ID, &ident.Username, &role, &ident.Active, &ident.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query identity: %w", err)
	}
	ident.Role = identity.Role(role)
	ident.CreatedAt = created.Time
	return &ident, nil
}

func (s *SQLIdentityStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.exec(ctx, `UPDATE identities SET active = ? WHERE id = ?`, active, id)
}

func (s *SQLIdentityStore) SetRole(ctx context.Context, id string, role identity.Role) error {
	return s.exec(ctx, `UPDATE identities SET role = ? WHERE id = ?`, string(role), id)
}

func (s *SQLIdentityStore) exec(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(q), args...)
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	if n == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s *SQLIdentityStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
