package contracts

import "time"

// EngineID identifies an execution engine.
type EngineID string

const (
	EngineDirect   EngineID = "direct"
	EngineTeam     EngineID = "team"
	EngineDialogue EngineID = "dialogue"
)

// EngineKind is the execution strategy an engine implements.
type EngineKind string

const (
	// KindSinglePass answers in one call.
	KindSinglePass EngineKind = "single_pass"
	// KindDecomposition splits the task into verified sub-steps run by several roles.
	KindDecomposition EngineKind = "decomposition"
	// KindIterative drafts and self-corrects over several rounds.
	KindIterative EngineKind = "iterative"
)

// Tier names the routing rule that produced a decision.
type Tier string

const (
	TierFastPath  Tier = "fast_path"
	TierDecompose Tier = "decompose"
	TierIterate   Tier = "iterate"
	TierFallback  Tier = "fallback"
)

// Assessment is the evaluator's view of one candidate engine for one request.
type Assessment struct {
	Engine           EngineID      `json:"engine"`
	Kind             EngineKind    `json:"kind"`
	Available        bool          `json:"available"`
	Reason           string        `json:"reason,omitempty"`
	EstimatedCostUSD float64       `json:"estimated_cost_usd"`
	EstimatedLatency time.Duration `json:"estimated_latency"`
	Active           int64         `json:"active"`
	Capacity         int64         `json:"capacity"`
	LedgerUSD        float64       `json:"ledger_usd"`
}

// Rationale explains a routing decision.
type Rationale struct {
	Complexity    float64                 `json:"complexity"`
	CostEstimate  float64                 `json:"cost_estimate"`
	BudgetUSD     float64                 `json:"budget_usd"`
	ResourceState map[EngineID]Assessment `json:"resource_state"`
	Thresholds    map[string]float64      `json:"thresholds,omitempty"`
}

// RoutingDecision is immutable once produced.
type RoutingDecision struct {
	DecisionID  string    `json:"decision_id"`
	Engine      EngineID  `json:"engine"`
	Tier        Tier      `json:"tier"`
	Priority    Priority  `json:"priority"`
	Rationale   Rationale `json:"rationale"`
	RequestRef  string    `json:"request_ref"`
	RequesterID string    `json:"requester_id"`
	Fingerprint string    `json:"fingerprint"`
	DecidedAt   time.Time `json:"decided_at"`
}
