package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/identity"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel/errorir"
)

const (
	DefaultTTL    = 30 * time.Minute
	DefaultIssuer = "helm-dispatch"
)

// dummyHash keeps unknown-user logins as slow as wrong-password logins.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("helm-dispatch-timing-equaliser"), bcrypt.DefaultCost)

// Authenticator issues, verifies and refreshes bearer credentials.
type Authenticator struct {
	keys        identity.KeySet
	identities  identity.Store
	revocations RevocationStore
	ttl         time.Duration
	issuer      string
	clock       func() time.Time
	logger      *slog.Logger
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithTTL sets the fixed credential lifetime.
func WithTTL(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.ttl = d
		}
	}
}

// WithIssuer sets the "iss" claim minted and required on verification.
func WithIssuer(iss string) Option {
	return func(a *Authenticator) { a.issuer = iss }
}

// WithClock overrides clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(a *Authenticator) { a.clock = clock }
}

func NewAuthenticator(keys identity.KeySet, identities identity.Store, revocations RevocationStore, opts ...Option) *Authenticator {
	a := &Authenticator{
		keys:        keys,
		identities:  identities,
		revocations: revocations,
		ttl:         DefaultTTL,
		issuer:      DefaultIssuer,
		clock:       time.Now,
		logger:      slog.Default().With("component", "authenticator"),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// TTL returns the credential lifetime.
func (a *Authenticator) TTL() time.Duration { return a.ttl }

// Issue checks username and secret and mints a fresh credential.
func (a *Authenticator) Issue(ctx context.Context, username, secret string) (*Session, error) {
	ident, err := a.identities.GetByUsername(ctx, username)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		if !errors.Is(err, identity.ErrNotFound) {
			a.logger.ErrorContext(ctx, "identity lookup failed", "error", err)
		}
		return nil, errorir.New(errorir.KindBadCredentials, "invalid username or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(ident.PasswordHash), []byte(secret)); err != nil {
		return nil, errorir.New(errorir.KindBadCredentials, "invalid username or password")
	}
	if !ident.Active {
		return nil, errorir.New(errorir.KindInactiveAccount, "account is inactive")
	}
	return a.mint(ctx, ident)
}

// Verify resolves a bearer token to the current identity. It fails only with
// Expired, Invalid or Revoked.
func (a *Authenticator) Verify(ctx context.Context, token string) (*Session, error) {
	claims, err := a.parse(token)
	if err != nil {
		return nil, err
	}

	state, err := a.revocations.State(ctx, claims.ID)
	if err != nil {
		// Fail closed: an unconfirmed credential is treated as revoked.
		a.logger.ErrorContext(ctx, "revocation lookup failed", "error", err)
		return nil, errorir.Wrap(errorir.KindRevoked, "credential status could not be confirmed", err)
	}
	if state != CredentialActive {
		return nil, errorir.New(errorir.KindRevoked, "credential has been "+stateVerb(state))
	}

	ident, err := a.identities.GetByID(ctx, claims.Subject)
	if err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			a.logger.ErrorContext(ctx, "identity lookup failed", "error", err)
		}
		return nil, errorir.Wrap(errorir.KindRevoked, "account no longer available", err)
	}
	if !ident.Active {
		return nil, errorir.New(errorir.KindRevoked, "account has been deactivated")
	}

	return &Session{
		Principal:  principalOf(ident, claims.ID),
		Credential: credentialFromClaims(claims),
		Token:      token,
	}, nil
}

// Refresh exchanges a live credential for a new one exactly once. The prior
// credential is invalidated.
func (a *Authenticator) Refresh(ctx context.Context, token string) (*Session, error) {
	claims, err := a.parse(token)
	if err != nil {
		if errors.Is(err, errorir.ErrExpired) {
			return nil, err
		}
		return nil, errorir.New(errorir.KindNotEligible, "credential is not valid for refresh")
	}
	if !claims.RefreshEligible {
		return nil, errorir.New(errorir.KindNotEligible, "credential is not refresh eligible")
	}

	ident, err := a.identities.GetByID(ctx, claims.Subject)
	if err != nil || !ident.Active {
		return nil, errorir.New(errorir.KindNotEligible, "account is not eligible for refresh")
	}

	next, err := a.mint(ctx, ident)
	if err != nil {
		return nil, err
	}

	claimed, err := a.revocations.MarkRotated(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		a.logger.ErrorContext(ctx, "rotation claim failed", "error", err)
		return nil, errorir.Wrap(errorir.KindNotEligible, "refresh could not be recorded", err)
	}
	if !claimed {
		return nil, errorir.New(errorir.KindNotEligible, "credential has already been refreshed or revoked")
	}
	return next, nil
}

// Revoke invalidates a verified credential, e.g. on logout.
func (a *Authenticator) Revoke(ctx context.Context, cred Credential) error {
	if err := a.revocations.Revoke(ctx, cred.ID, cred.ExpiresAt); err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	return nil
}

func (a *Authenticator) mint(ctx context.Context, ident *identity.Identity) (*Session, error) {
	now := a.clock().UTC().Truncate(time.Second)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   ident.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		Username:        ident.Username,
		Role:            ident.Role,
		RefreshEligible: true,
	}
	signed, err := a.keys.Sign(ctx, claims)
	if err != nil {
		return nil, fmt.Errorf("sign credential: %w", err)
	}
	return &Session{
		Principal:  principalOf(ident, claims.ID),
		Credential: credentialFromClaims(claims),
		Token:      signed,
	}, nil
}

// parse validates signature, issuer and lifetime. Failures are Expired or Invalid.
func (a *Authenticator) parse(token string) (*Claims, error) {
	if a.keys == nil {
		return nil, errorir.New(errorir.KindInvalid, "authentication not configured")
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, a.keys.KeyFunc(),
		jwt.WithTimeFunc(a.clock),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errorir.New(errorir.KindExpired, "credential has expired")
		}
		return nil, errorir.Wrap(errorir.KindInvalid, "credential is malformed or has a bad signature", err)
	}
	if !parsed.Valid || claims.ID == "" || claims.Subject == "" {
		return nil, errorir.New(errorir.KindInvalid, "credential is missing required claims")
	}
	return claims, nil
}

func principalOf(ident *identity.Identity, credentialID string) Principal {
	return Principal{
		ID:           ident.ID,
		Username:     ident.Username,
		Role:         ident.Role,
		Active:       ident.Active,
		CredentialID: credentialID,
	}
}

func stateVerb(s CredentialState) string {
	if s == CredentialRotated {
		return "refreshed"
	}
	return "revoked"
}

// HashPassword produces the stored form of an account secret.
func HashPassword(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}
