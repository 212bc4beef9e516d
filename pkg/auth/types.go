package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/identity"
)

// Claims are the JWT claims minted by the Authenticator. The credential id is
// carried in the registered "jti" claim.
type Claims struct {
	jwt.RegisteredClaims
	Username        string        `json:"username"`
	Role            identity.Role `json:"role"`
	RefreshEligible bool          `json:"refresh_eligible"`
}

// Credential describes a bearer token without its signed form.
type Credential struct {
	ID              string        `json:"id"`
	SubjectID       string        `json:"subject_id"`
	RoleAtIssue     identity.Role `json:"role_at_issue"`
	IssuedAt        time.Time     `json:"issued_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
	RefreshEligible bool          `json:"refresh_eligible"`
}

func credentialFromClaims(c *Claims) Credential {
	cred := Credential{
		ID:              c.ID,
		SubjectID:       c.Subject,
		RoleAtIssue:     c.Role,
		RefreshEligible: c.RefreshEligible,
	}
	if c.IssuedAt != nil {
		cred.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		cred.ExpiresAt = c.ExpiresAt.Time
	}
	return cred
}

// Principal is the authenticated caller as seen by handlers. Role and Active
// reflect the identity store at verification time, not the token.
type Principal struct {
	ID           string        `json:"id"`
	Username     string        `json:"username"`
	Role         identity.Role `json:"role"`
	Active       bool          `json:"active"`
	CredentialID string        `json:"-"`
}

// Identity returns the principal as an identity record.
func (p *Principal) Identity() identity.Identity {
	return identity.Identity{ID: p.ID, Username: p.Username, Role: p.Role, Active: p.Active}
}

// Session is the explicit session object handed to callers after login,
// refresh or verification.
type Session struct {
	Principal  Principal  `json:"user"`
	Credential Credential `json:"-"`
	Token      string     `json:"-"`
}
