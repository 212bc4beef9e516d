package identity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("identity not found")
	ErrUsernameTaken = errors.New("username already taken")
)

// Role is the closed set of account roles.
type Role string

const (
	RoleServiceAccount Role = "service_account"
	RoleUser           Role = "user"
	RoleAnalyst        Role = "analyst"
	RoleAdmin          Role = "admin"
)

// Roles lists every role in ascending privilege order.
var Roles = []Role{RoleServiceAccount, RoleUser, RoleAnalyst, RoleAdmin}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Identity is an account known to the dispatcher.
type Identity struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Role         Role      `json:"role"`
	Active       bool      `json:"active"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists identities. Role and Active change only through administrative
// actions.
type Store interface {
	Create(ctx context.Context, id *Identity) error
	GetByID(ctx context.Context, id string) (*Identity, error)
	GetByUsername(ctx context.Context, username string) (*Identity, error)
	SetActive(ctx context.Context, id string, active bool) error
	SetRole(ctx context.Context, id string, role Role) error
	Ping(ctx context.Context) error
}
