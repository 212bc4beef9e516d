package auth

import (
	"context"
	"sync"
	"time"
)

// CredentialState tracks the lifecycle state of an issued credential.
type CredentialState string

const (
	CredentialActive  CredentialState = "ACTIVE"
	CredentialRotated CredentialState = "ROTATED"
	CredentialRevoked CredentialState = "REVOKED"
)

// RevocationStore is the shared, read-mostly view of invalidated credentials.
// Entries only need to outlive the credential's own expiry.
type RevocationStore interface {
	// State returns CredentialActive for credentials the store has never seen.
	State(ctx context.Context, credentialID string) (CredentialState, error)
	// MarkRotated atomically moves an active credential to ROTATED. It reports
	// false when the credential was already rotated or revoked.
	MarkRotated(ctx context.Context, credentialID string, until time.Time) (bool, error)
	// Revoke invalidates a credential regardless of its current state.
	Revoke(ctx context.Context, credentialID string, until time.Time) error
	Ping(ctx context.Context) error
}

type revocationEntry struct {
	state CredentialState
	until time.Time
}

// MemoryRevocationStore is a RevocationStore for single-instance deployments.
type MemoryRevocationStore struct {
	mu      sync.Mutex
	entries map[string]revocationEntry
	clock   func() time.Time
}

func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{
		entries: make(map[string]revocationEntry),
		clock:   time.Now,
	}
}

// WithClock overrides clock for testing.
func (s *MemoryRevocationStore) WithClock(clock func() time.Time) *MemoryRevocationStore {
	s.clock = clock
	return s
}

func (s *MemoryRevocationStore) State(ctx context.Context, credentialID string) (CredentialState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[credentialID]
	if !ok {
		return CredentialActive, nil
	}
	return e.state, nil
}

func (s *MemoryRevocationStore) MarkRotated(ctx context.Context, credentialID string, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	if _, ok := s.entries[credentialID]; ok {
		return false, nil
	}
	s.entries[credentialID] = revocationEntry{state: CredentialRotated, until: until}
	return true, nil
}

func (s *MemoryRevocationStore) Revoke(ctx context.Context, credentialID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	s.entries[credentialID] = revocationEntry{state: CredentialRevoked, until: until}
	return nil
}

func (s *MemoryRevocationStore) Ping(ctx context.Context) error { return nil }

// pruneLocked drops entries whose credential has expired on its own.
func (s *MemoryRevocationStore) pruneLocked() {
	now := s.clock()
	for id, e := range s.entries {
		if now.After(e.until) {
			delete(s.entries, id)
		}
	}
}
