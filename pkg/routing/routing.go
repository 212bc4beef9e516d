// Package routing selects the engine for a request from its complexity,
// priority, budget and the evaluator's assessments. Decide is pure: the same
// inputs always produce the same decision and fingerprint.
package routing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel/errorir"
)

// Policy holds the tunable routing constants.
type Policy struct {
	LowThreshold     float64       `yaml:"low_threshold" json:"low_threshold"`
	HighThreshold    float64       `yaml:"high_threshold" json:"high_threshold"`
	DefaultBudgetUSD float64       `yaml:"default_budget_usd" json:"default_budget_usd"`
	RetryAfter       time.Duration `yaml:"retry_after" json:"retry_after"`
}

func DefaultPolicy() Policy {
	return Policy{
		LowThreshold:     25,
		HighThreshold:    50,
		DefaultBudgetUSD: 0.10,
		RetryAfter:       5 * time.Second,
	}
}

// Validate checks threshold ordering and budget sign.
func (p Policy) Validate() error {
	if p.LowThreshold < 0 || p.HighThreshold > 100 || p.LowThreshold > p.HighThreshold {
		return fmt.Errorf("routing thresholds must satisfy 0 <= low (%v) <= high (%v) <= 100", p.LowThreshold, p.HighThreshold)
	}
	if p.DefaultBudgetUSD <= 0 {
		return fmt.Errorf("default budget must be positive, got %v", p.DefaultBudgetUSD)
	}
	if p.RetryAfter < 0 {
		return fmt.Errorf("retry_after must not be negative")
	}
	return nil
}

// Input is everything a decision depends on.
type Input struct {
	Complexity  float64
	Priority    contracts.Priority
	BudgetHint  float64 // <= 0 means unset
	Assessments map[contracts.EngineID]contracts.Assessment
}

// Decide applies the routing policy. The result carries no id, timestamp or
// request reference; the caller stamps those.
func (p Policy) Decide(in Input) (contracts.RoutingDecision, error) {
	budget := in.BudgetHint
	if budget <= 0 {
		budget = p.DefaultBudgetUSD
	}

	remaining := make([]contracts.Assessment, 0, len(in.Assessments))
	for id, a := range in.Assessments {
		if a.Available {
			a.Engine = id
			remaining = append(remaining, a)
		}
	}
	if len(remaining) == 0 {
		return contracts.RoutingDecision{}, errorir.Retryable(errorir.KindNoEngineAvailable,
			"no execution engine is currently available", p.RetryAfter)
	}
	sort.Slice(remaining, func(i, j int) bool { return byCost(remaining[i], remaining[j]) })

	var (
		chosen contracts.Assessment
		tier   contracts.Tier
	)
	switch {
	case in.Priority == contracts.PriorityUrgent || in.Complexity < p.LowThreshold:
		chosen, tier = pick(remaining, byLatency), contracts.TierFastPath
	default:
		var ok bool
		if in.Complexity > p.HighThreshold {
			chosen, ok = first(remaining, func(a contracts.Assessment) bool {
				return a.Kind == contracts.KindDecomposition && a.EstimatedCostUSD <= budget
			})
			tier = contracts.TierDecompose
		}
		if !ok {
			chosen, ok = first(remaining, func(a contracts.Assessment) bool {
				return a.Kind == contracts.KindIterative
			})
			tier = contracts.TierIterate
		}
		if !ok {
			tier = contracts.TierFallback
			chosen, ok = first(remaining, func(a contracts.Assessment) bool {
				return a.EstimatedCostUSD <= budget
			})
			if !ok {
				chosen = remaining[0]
			}
		}
	}

	d := contracts.RoutingDecision{
		Engine:   chosen.Engine,
		Tier:     tier,
		Priority: in.Priority,
		Rationale: contracts.Rationale{
			Complexity:    in.Complexity,
			CostEstimate:  chosen.EstimatedCostUSD,
			BudgetUSD:     budget,
			ResourceState: copyAssessments(in.Assessments),
			Thresholds: map[string]float64{
				"low":  p.LowThreshold,
				"high": p.HighThreshold,
			},
		},
	}
	fp, err := Fingerprint(d)
	if err != nil {
		return contracts.RoutingDecision{}, err
	}
	d.Fingerprint = fp
	return d, nil
}

// byCost is the tie-break order: cost, then latency, then engine id.
func byCost(a, b contracts.Assessment) bool {
	if a.EstimatedCostUSD != b.EstimatedCostUSD {
		return a.EstimatedCostUSD < b.EstimatedCostUSD
	}
	if a.EstimatedLatency != b.EstimatedLatency {
		return a.EstimatedLatency < b.EstimatedLatency
	}
	return a.Engine < b.Engine
}

// byLatency ranks the fast path: latency first, then the tie-break order.
func byLatency(a, b contracts.Assessment) bool {
	if a.EstimatedLatency != b.EstimatedLatency {
		return a.EstimatedLatency < b.EstimatedLatency
	}
	return byCost(a, b)
}

func pick(sorted []contracts.Assessment, less func(a, b contracts.Assessment) bool) contracts.Assessment {
	best := sorted[0]
	for _, a := range sorted[1:] {
		if less(a, best) {
			best = a
		}
	}
	return best
}

// first returns the earliest match in tie-break order.
func first(sorted []contracts.Assessment, match func(contracts.Assessment) bool) (contracts.Assessment, bool) {
	for _, a := range sorted {
		if match(a) {
			return a, true
		}
	}
	return contracts.Assessment{}, false
}

func copyAssessments(in map[contracts.EngineID]contracts.Assessment) map[contracts.EngineID]contracts.Assessment {
	out := make(map[contracts.EngineID]contracts.Assessment, len(in))
	for id, a := range in {
		a.Engine = id
		out[id] = a
	}
	return out
}

// Fingerprint is the SHA-256 of the RFC 8785 canonical JSON of the decision's
// inputs and outcome. Identifiers and timestamps are excluded, so replays of
// the same inputs compare equal.
func Fingerprint(d contracts.RoutingDecision) (string, error) {
	material := struct {
		Engine    contracts.EngineID  `json:"engine"`
		Tier      contracts.Tier      `json:"tier"`
		Priority  contracts.Priority  `json:"priority"`
		Rationale contracts.Rationale `json:"rationale"`
	}{d.Engine, d.Tier, d.Priority, d.Rationale}

	raw, err := json.Marshal(material)
	if err != nil {
		return "", fmt.Errorf("fingerprint: marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("fingerprint: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
