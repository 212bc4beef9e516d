package store

import (
	"context"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
)

// ExecutionFilter selects a page of executions, newest first.
type ExecutionFilter struct {
	// OwnerID restricts results to one identity; empty means all.
	OwnerID string
	Limit   int
	Offset  int
}

// ExecutionStore is the execution history. Update is a compare-and-set on
// status: it succeeds only while the stored status equals expected, so a
// terminal record can never be overwritten.
type ExecutionStore interface {
	Create(ctx context.Context, r *contracts.ExecutionResult) error
	Update(ctx context.Context, expected contracts.Status, r *contracts.ExecutionResult) error
	Get(ctx context.Context, id string) (*contracts.ExecutionResult, error)
	List(ctx context.Context, filter ExecutionFilter) ([]contracts.ExecutionResult, error)
	Ping(ctx context.Context) error
}

// MemoryExecutionStore is the lite-mode and test history store.
type MemoryExecutionStore struct {
	mu   sync.RWMutex
	byID map[string]contracts.ExecutionResult
}

func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{byID: make(map[string]contracts.ExecutionResult)}
}

func (s *MemoryExecutionStore) Create(ctx context.Context, r *contracts.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[r.ExecutionID]; exists {
		return ErrConflict
	}
	s.byID[r.ExecutionID] = *r
	return nil
}

func (s *MemoryExecutionStore) Update(ctx context.Context, expected contracts.Status, r *contracts.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[r.ExecutionID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected {
		return ErrConflict
	}
	s.byID[r.ExecutionID] = *r
	return nil
}

func (s *MemoryExecutionStore) Get(ctx context.Context, id string) (*contracts.ExecutionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryExecutionStore) List(ctx context.Context, filter ExecutionFilter) ([]contracts.ExecutionResult, error) {
	s.mu.RLock()
	out := make([]contracts.ExecutionResult, 0, len(s.byID))
	for _, r := range s.byID {
		if filter.OwnerID == "" || r.OwnerID == filter.OwnerID {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ExecutionID > out[j].ExecutionID
	})
	return page(out, filter.Offset, filter.Limit), nil
}

func (s *MemoryExecutionStore) Ping(ctx context.Context) error { return nil }

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
