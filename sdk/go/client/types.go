package client

import "time"

// Priority is the caller-declared urgency of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
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

// Problem is an RFC 7807 error document.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Category  string `json:"category,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        *User     `json:"user,omitempty"`
}

type ExecutionRequest struct {
	TaskDescription string         `json:"task_description"`
	Priority        Priority       `json:"priority"`
	Context         map[string]any `json:"context,omitempty"`
	MaxTokens       *int           `json:"max_tokens,omitempty"`
	Temperature     *float64       `json:"temperature,omitempty"`
}

type Assessment struct {
	Engine           string  `json:"engine"`
	Kind             string  `json:"kind"`
	Available        bool    `json:"available"`
	Reason           string  `json:"reason,omitempty"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	Active           int64   `json:"active"`
	Capacity         int64   `json:"capacity"`
}

type Rationale struct {
	Complexity    float64               `json:"complexity"`
	CostEstimate  float64               `json:"cost_estimate"`
	BudgetUSD     float64               `json:"budget_usd"`
	ResourceState map[string]Assessment `json:"resource_state"`
}

type RoutingDecision struct {
	DecisionID  string    `json:"decision_id"`
	Engine      string    `json:"engine"`
	Tier        string    `json:"tier"`
	Priority    Priority  `json:"priority"`
	Rationale   Rationale `json:"rationale"`
	RequestRef  string    `json:"request_ref"`
	RequesterID string    `json:"requester_id"`
	Fingerprint string    `json:"fingerprint"`
	DecidedAt   time.Time `json:"decided_at"`
}

type ExecutionResult struct {
	ExecutionID     string          `json:"execution_id"`
	OwnerID         string          `json:"owner_id"`
	Status          Status          `json:"status"`
	Result          string          `json:"result,omitempty"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	ErrorReason     string          `json:"error_reason,omitempty"`
	DurationSeconds float64         `json:"duration_seconds"`
	Engine          string          `json:"engine"`
	TokensUsed      int64           `json:"tokens_used"`
	CostUSD         float64         `json:"cost_usd"`
	Attempts        int             `json:"attempts"`
	Decision        RoutingDecision `json:"decision"`
	ResultRef       string          `json:"result_ref,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type ExecutionList struct {
	Executions []ExecutionResult `json:"executions"`
	Limit      int               `json:"limit"`
	Offset     int               `json:"offset"`
}

// EngineStatus is one configured engine and its current load.
type EngineStatus struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Capacity  int64  `json:"capacity"`
	Active    int64  `json:"active"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

type HealthReport struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Degraded     bool              `json:"degraded"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}
