package identity

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-node lite deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]*Identity
	byUsername map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*Identity),
		byUsername: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, id *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byUsername[id.Username]; exists {
		return ErrUsernameTaken
	}
	cp := *id
	s.byID[id.ID] = &cp
	s.byUsername[id.Username] = id.ID
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ident
	return &cp, nil
}

func (s *MemoryStore) GetByUsername(ctx context.Context, username string) (*Identity, error) {
	s.mu.RLock()
	id, ok := s.byUsername[username]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetByID(ctx, id)
}

func (s *MemoryStore) SetActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	ident.Active = active
	return nil
}

func (s *MemoryStore) SetRole(ctx context.Context, id string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	ident.Role = role
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
