package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
)

// genesisHash anchors the first entry of every chain.
const genesisHash = "genesis"

var ErrChainBroken = errors.New("hash chain is broken")

// AuditLog is an append-only, hash-chained log. Append assigns Sequence,
// PreviousHash and EntryHash; the caller's entry is updated in place.
type AuditLog interface {
	Append(ctx context.Context, entry *contracts.AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]contracts.AuditEntry, error)
	VerifyChain(ctx context.Context) error
	Ping(ctx context.Context) error
}

// AuditFilter narrows Query results. Zero values match everything.
type AuditFilter struct {
	ActorID    string
	Action     string
	Ref        string
	Since      time.Time
	MaxResults int
}

func (f AuditFilter) matches(e *contracts.AuditEntry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Ref != "" && e.Ref != f.Ref {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

func computeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// entryHash covers every field except EntryHash itself.
func entryHash(e *contracts.AuditEntry) (string, error) {
	hashable := struct {
		EntryID      string            `json:"entry_id"`
		Sequence     uint64            `json:"sequence"`
		ActorID      string            `json:"actor_id"`
		Action       string            `json:"action"`
		Ref          string            `json:"ref"`
		Outcome      string            `json:"outcome"`
		Reason       string            `json:"reason"`
		Metadata     map[string]string `json:"metadata,omitempty"`
		Timestamp    string            `json:"timestamp"`
		PreviousHash string            `json:"previous_hash"`
	}{
		EntryID:      e.EntryID,
		Sequence:     e.Sequence,
		ActorID:      e.ActorID,
		Action:       e.Action,
		Ref:          e.Ref,
		Outcome:      e.Outcome,
		Reason:       e.Reason,
		Metadata:     e.Metadata,
		Timestamp:    e.Timestamp.UTC().Format(sqliteTimeLayout),
		PreviousHash: e.PreviousHash,
	}
	data, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("marshal entry for hashing: %w", err)
	}
	return computeHash(data), nil
}

// seal fills the chain fields of e as the successor of prev.
func seal(e *contracts.AuditEntry, seq uint64, prev string) error {
	if e.EntryID == "" {
		e.EntryID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	// Postgres keeps microseconds; hashing finer precision would not verify.
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	e.Sequence = seq
	e.PreviousHash = prev
	h, err := entryHash(e)
	if err != nil {
		return err
	}
	e.EntryHash = h
	return nil
}

// verifyEntries checks links and hashes of a full chain in sequence order.
func verifyEntries(entries []contracts.AuditEntry) error {
	expectedPrev := genesisHash
	for i := range entries {
		e := &entries[i]
		if e.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, e.Sequence, e.PreviousHash, expectedPrev)
		}
		computed, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, e.Sequence, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Sequence)
		}
		expectedPrev = e.EntryHash
	}
	return nil
}

// MemoryAuditLog keeps the chain in process memory.
type MemoryAuditLog struct {
	mu        sync.RWMutex
	entries   []contracts.AuditEntry
	chainHead string
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{chainHead: genesisHash}
}

func (s *MemoryAuditLog) Append(ctx context.Context, entry *contracts.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := seal(entry, uint64(len(s.entries))+1, s.chainHead); err != nil {
		return err
	}
	cp := *entry
	cp.Metadata = cloneMetadata(entry.Metadata)
	s.entries = append(s.entries, cp)
	s.chainHead = entry.EntryHash
	return nil
}

func (s *MemoryAuditLog) Query(ctx context.Context, filter AuditFilter) ([]contracts.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]contracts.AuditEntry, 0)
	for i := range s.entries {
		if filter.matches(&s.entries[i]) {
			out = append(out, s.entries[i])
			if filter.MaxResults > 0 && len(out) >= filter.MaxResults {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryAuditLog) VerifyChain(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return verifyEntries(s.entries)
}

// ChainHead returns the hash of the latest entry, or "genesis".
func (s *MemoryAuditLog) ChainHead() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainHead
}

func (s *MemoryAuditLog) Ping(ctx context.Context) error { return nil }

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
