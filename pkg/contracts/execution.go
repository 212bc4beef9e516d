package contracts

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether s never changes again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusTimedOut},
}

// CanTransition reports whether from → to is an edge of the execution state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition is returned when a transition is not in the state machine
// or the current status no longer matches.
type ErrIllegalTransition struct {
	ExecutionID string
	From        Status
	To          Status
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("execution %s: illegal transition %s -> %s", e.ExecutionID, e.From, e.To)
}

// ExecutionResult is the record of one dispatched request.
type ExecutionResult struct {
	ExecutionID     string          `json:"execution_id"`
	OwnerID         string          `json:"owner_id"`
	Status          Status          `json:"status"`
	Result          string          `json:"result,omitempty"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	ErrorReason     string          `json:"error_reason,omitempty"`
	DurationSeconds float64         `json:"duration_seconds"`
	Engine          EngineID        `json:"engine"`
	TokensUsed      int64           `json:"tokens_used"`
	CostUSD         float64         `json:"cost_usd"`
	Attempts        int             `json:"attempts"`
	Decision        RoutingDecision `json:"decision"`
	ResultRef       string          `json:"result_ref,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Transition is one timestamped state change of an execution.
type Transition struct {
	ExecutionID string    `json:"execution_id"`
	OwnerID     string    `json:"owner_id"`
	From        Status    `json:"from,omitempty"`
	To          Status    `json:"status"`
	At          time.Time `json:"at"`
}
