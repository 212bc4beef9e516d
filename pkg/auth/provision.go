package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/identity"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel/errorir"
)

// Account input bounds.
const (
	MinPasswordLen = 8
	MaxPasswordLen = 72 // bcrypt ignores bytes past 72
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{2,63}$`)

// ValidateAccount checks a username and secret before they reach the store.
func ValidateAccount(username, secret string) error {
	if !usernamePattern.MatchString(username) {
		return errorir.New(errorir.KindInvalidRequest,
			"username must be 3-64 characters of letters, digits, '.', '_' or '-'")
	}
	if utf8.RuneCountInString(secret) < MinPasswordLen {
		return errorir.New(errorir.KindInvalidRequest,
			fmt.Sprintf("password must be at least %d characters", MinPasswordLen))
	}
	if len(secret) > MaxPasswordLen {
		return errorir.New(errorir.KindInvalidRequest,
			fmt.Sprintf("password must be at most %d bytes", MaxPasswordLen))
	}
	if strings.EqualFold(secret, username) {
		return errorir.New(errorir.KindInvalidRequest, "password must differ from username")
	}
	return nil
}

// Provision creates an active identity with the given role. A taken username
// is reported as UsernameTaken.
func Provision(ctx context.Context, ids identity.Store, username, secret string, role identity.Role) (*identity.Identity, error) {
	if err := ValidateAccount(username, secret); err != nil {
		return nil, err
	}
	if _, err := identity.ParseRole(string(role)); err != nil {
		return nil, errorir.New(errorir.KindInvalidRequest, err.Error())
	}
	hash, err := HashPassword(secret)
	if err != nil {
		return nil, err
	}
	ident := &identity.Identity{
		ID:           uuid.NewString(),
		Username:     username,
		Role:         role,
		Active:       true,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := ids.Create(ctx, ident); err != nil {
		if errors.Is(err, identity.ErrUsernameTaken) {
			return nil, errorir.ErrUsernameTaken
		}
		return nil, fmt.Errorf("create identity: %w", err)
	}
	return ident, nil
}

// Register self-provisions a user-role account.
func (a *Authenticator) Register(ctx context.Context, username, secret string) (*identity.Identity, error) {
	ident, err := Provision(ctx, a.identities, username, secret, identity.RoleUser)
	if err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "identity registered", "identity_id", ident.ID)
	return ident, nil
}
