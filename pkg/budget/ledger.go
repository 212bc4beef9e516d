// Package budget tracks actual spend per engine and per identity. The
// evaluator reads engine totals into its assessments; the dispatcher charges
// every finished execution.
package budget

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
)

var (
	ErrNegativeCost = errors.New("budget: cost must not be negative")
	ErrEmptyEngine  = errors.New("budget: engine must not be empty")
)

// Entry is one charge against the ledger.
type Entry struct {
	EntryID     string             `json:"entry_id"`
	Engine      contracts.EngineID `json:"engine"`
	SubjectID   string             `json:"subject_id"`
	ExecutionID string             `json:"execution_id"`
	CostUSD     float64            `json:"cost_usd"`
	Tokens      int64              `json:"tokens"`
	At          time.Time          `json:"at"`
}

func (e *Entry) normalize(now func() time.Time) error {
	if e.Engine == "" {
		return ErrEmptyEngine
	}
	if e.CostUSD < 0 || e.Tokens < 0 {
		return ErrNegativeCost
	}
	if e.EntryID == "" {
		e.EntryID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = now()
	}
	e.At = e.At.UTC()
	return nil
}

// Ledger records spend. Charges are append-only; totals only grow.
type Ledger interface {
	Charge(ctx context.Context, e Entry) error
	// EngineTotal is the lifetime spend of one engine.
	EngineTotal(ctx context.Context, engine contracts.EngineID) (float64, error)
	// SubjectTotal is an identity's spend at or after since.
	SubjectTotal(ctx context.Context, subjectID string, since time.Time) (float64, error)
}

// MemoryLedger is the lite-mode ledger.
type MemoryLedger struct {
	mu       sync.RWMutex
	entries  []Entry
	byEngine map[contracts.EngineID]float64
	clock    func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{byEngine: make(map[contracts.EngineID]float64), clock: time.Now}
}

// WithClock overrides the clock for testing.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

func (l *MemoryLedger) Charge(ctx context.Context, e Entry) error {
	if err := e.normalize(l.clock); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	l.byEngine[e.Engine] += e.CostUSD
	return nil
}

func (l *MemoryLedger) EngineTotal(ctx context.Context, engine contracts.EngineID) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byEngine[engine], nil
}

func (l *MemoryLedger) SubjectTotal(ctx context.Context, subjectID string, since time.Time) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total float64
	for _, e := range l.entries {
		if e.SubjectID == subjectID && !e.At.Before(since) {
			total += e.CostUSD
		}
	}
	return total, nil
}
