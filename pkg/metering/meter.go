// Package metering records per-identity usage events for every finished
// execution: tokens, calls and cost, broken down by engine.
package metering

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
)

var (
	// ErrEmptySubjectID is returned when a metering event has no subject.
	ErrEmptySubjectID = errors.New("metering: subject_id must not be empty")
	// ErrNegativeQuantity is returned when a metering event has a negative quantity.
	ErrNegativeQuantity = errors.New("metering: quantity must not be negative")
	// ErrInvalidEventType is returned when the event type is empty.
	ErrInvalidEventType = errors.New("metering: event_type must not be empty")
)

// EventType defines the type of metered event.
type EventType string

const (
	EventExecution EventType = "execution"
	EventLLMToken  EventType = "llm_token"
	EventLLMCall   EventType = "llm_call"
)

// Event represents a single metered usage event.
type Event struct {
	EventID   string             `json:"event_id"`
	SubjectID string             `json:"subject_id"`
	EventType EventType          `json:"event_type"`
	Engine    contracts.EngineID `json:"engine"`
	Quantity  int64              `json:"quantity"`
	CostUSD   float64            `json:"cost_usd"`
	Timestamp time.Time          `json:"timestamp"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
}

// Validate checks that the event has valid fields.
func (e Event) Validate() error {
	if e.SubjectID == "" {
		return ErrEmptySubjectID
	}
	if e.Quantity < 0 || e.CostUSD < 0 {
		return ErrNegativeQuantity
	}
	if e.EventType == "" {
		return ErrInvalidEventType
	}
	return nil
}

func (e *Event) stamp(now time.Time) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
}

// ExecutionEvents expands a terminal execution into its usage events.
func ExecutionEvents(r *contracts.ExecutionResult, calls int) []Event {
	meta := map[string]string{"execution_id": r.ExecutionID, "status": string(r.Status)}
	return []Event{
		{SubjectID: r.OwnerID, EventType: EventExecution, Engine: r.Engine, Quantity: 1, CostUSD: r.CostUSD, Timestamp: r.UpdatedAt, Metadata: meta},
		{SubjectID: r.OwnerID, EventType: EventLLMToken, Engine: r.Engine, Quantity: r.TokensUsed, Timestamp: r.UpdatedAt, Metadata: meta},
		{SubjectID: r.OwnerID, EventType: EventLLMCall, Engine: r.Engine, Quantity: int64(calls), Timestamp: r.UpdatedAt, Metadata: meta},
	}
}

// Period defines a half-open time range [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// DailyPeriod returns the UTC day containing now.
func DailyPeriod(now time.Time) Period {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.Add(24 * time.Hour)}
}

// MonthlyPeriod returns the UTC month containing now.
func MonthlyPeriod(now time.Time) Period {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

func (p Period) contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Usage contains aggregated usage for one subject.
type Usage struct {
	SubjectID string                        `json:"subject_id"`
	Period    Period                        `json:"period"`
	Totals    map[EventType]int64           `json:"totals"`
	CostUSD   float64                       `json:"cost_usd"`
	ByEngine  map[contracts.EngineID]float64 `json:"cost_by_engine"`
}

func newUsage(subjectID string, period Period) *Usage {
	return &Usage{
		SubjectID: subjectID,
		Period:    period,
		Totals:    make(map[EventType]int64),
		ByEngine:  make(map[contracts.EngineID]float64),
	}
}

// Meter records and aggregates usage.
type Meter interface {
	Record(ctx context.Context, event Event) error
	// RecordBatch stores all events or none.
	RecordBatch(ctx context.Context, events []Event) error
	GetUsage(ctx context.Context, subjectID string, period Period) (*Usage, error)
}

// MemoryMeter keeps events in process memory.
type MemoryMeter struct {
	mu     sync.RWMutex
	events []Event
	clock  func() time.Time
}

func NewMemoryMeter() *MemoryMeter {
	return &MemoryMeter{clock: time.Now}
}

func (m *MemoryMeter) Record(ctx context.Context, event Event) error {
	return m.RecordBatch(ctx, []Event{event})
}

func (m *MemoryMeter) RecordBatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		e.stamp(now)
		m.events = append(m.events, e)
	}
	return nil
}

func (m *MemoryMeter) GetUsage(ctx context.Context, subjectID string, period Period) (*Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	usage := newUsage(subjectID, period)
	for _, e := range m.events {
		if e.SubjectID == subjectID && period.contains(e.Timestamp) {
			usage.add(e.EventType, e.Engine, e.Quantity, e.CostUSD)
		}
	}
	return usage, nil
}

func (u *Usage) add(t EventType, engine contracts.EngineID, qty int64, cost float64) {
	u.Totals[t] += qty
	if cost != 0 {
		u.CostUSD += cost
		u.ByEngine[engine] += cost
	}
}

// Engines lists engines with non-zero cost, sorted.
func (u *Usage) Engines() []contracts.EngineID {
	out := make([]contracts.EngineID, 0, len(u.ByEngine))
	for id := range u.ByEngine {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
