package routing

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel/errorir"
)

func assessment(id contracts.EngineID, kind contracts.EngineKind, cost float64, latency time.Duration) contracts.Assessment {
	return contracts.Assessment{Engine: id, Kind: kind, Available: true, EstimatedCostUSD: cost, EstimatedLatency: latency, Capacity: 4}
}

func standard() map[contracts.EngineID]contracts.Assessment {
	return map[contracts.EngineID]contracts.Assessment{
		contracts.EngineDirect:   assessment(contracts.EngineDirect, contracts.KindSinglePass, 0.002, 1400*time.Millisecond),
		contracts.EngineTeam:     assessment(contracts.EngineTeam, contracts.KindDecomposition, 0.03, 9*time.Second),
		contracts.EngineDialogue: assessment(contracts.EngineDialogue, contracts.KindIterative, 0.027, 11*time.Second),
	}
}

func TestDecide_Tiers(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name     string
		score    float64
		priority contracts.Priority
		budget   float64
		mutate   func(map[contracts.EngineID]contracts.Assessment)
		engine   contracts.EngineID
		tier     contracts.Tier
	}{
		{name: "urgent short-circuits to lowest latency", score: 90, priority: contracts.PriorityUrgent, engine: contracts.EngineDirect, tier: contracts.TierFastPath},
		{name: "low complexity takes fast path", score: 10, priority: contracts.PriorityLow, engine: contracts.EngineDirect, tier: contracts.TierFastPath},
		{name: "high complexity decomposes", score: 70, priority: contracts.PriorityHigh, engine: contracts.EngineTeam, tier: contracts.TierDecompose},
		{name: "middle band iterates", score: 40, priority: contracts.PriorityMedium, engine: contracts.EngineDialogue, tier: contracts.TierIterate},
		{name: "score equal to high threshold iterates", score: 50, priority: contracts.PriorityMedium, engine: contracts.EngineDialogue, tier: contracts.TierIterate},
		{name: "score equal to low threshold is not fast path", score: 25, priority: contracts.PriorityMedium, engine: contracts.EngineDialogue, tier: contracts.TierIterate},
		{name: "team over budget hint iterates", score: 70, priority: contracts.PriorityHigh, budget: 0.01, engine: contracts.EngineDialogue, tier: contracts.TierIterate},
		{
			name: "team unavailable iterates", score: 70, priority: contracts.PriorityHigh,
			mutate: func(m map[contracts.EngineID]contracts.Assessment) { a := m[contracts.EngineTeam]; a.Available = false; m[contracts.EngineTeam] = a },
			engine: contracts.EngineDialogue, tier: contracts.TierIterate,
		},
		{
			name: "no iterative engine falls back within budget", score: 40, priority: contracts.PriorityMedium,
			mutate: func(m map[contracts.EngineID]contracts.Assessment) { delete(m, contracts.EngineDialogue) },
			engine: contracts.EngineDirect, tier: contracts.TierFallback,
		},
		{
			name: "fallback over budget takes cheapest", score: 40, priority: contracts.PriorityMedium, budget: 0.0001,
			mutate: func(m map[contracts.EngineID]contracts.Assessment) { delete(m, contracts.EngineDialogue) },
			engine: contracts.EngineDirect, tier: contracts.TierFallback,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := standard()
			if tt.mutate != nil {
				tt.mutate(in)
			}
			d, err := p.Decide(Input{Complexity: tt.score, Priority: tt.priority, BudgetHint: tt.budget, Assessments: in})
			require.NoError(t, err)
			assert.Equal(t, tt.engine, d.Engine)
			assert.Equal(t, tt.tier, d.Tier)
			assert.Equal(t, tt.score, d.Rationale.Complexity)
			assert.Equal(t, in[d.Engine].EstimatedCostUSD, d.Rationale.CostEstimate)
			assert.Len(t, d.Rationale.ResourceState, len(in))
			assert.NotEmpty(t, d.Fingerprint)
		})
	}
}

func TestDecide_BudgetDefaultsAndHint(t *testing.T) {
	p := DefaultPolicy()
	d, err := p.Decide(Input{Complexity: 70, Priority: contracts.PriorityHigh, Assessments: standard()})
	require.NoError(t, err)
	assert.Equal(t, p.DefaultBudgetUSD, d.Rationale.BudgetUSD)

	d, err = p.Decide(Input{Complexity: 70, Priority: contracts.PriorityHigh, BudgetHint: 2, Assessments: standard()})
	require.NoError(t, err)
	assert.Equal(t, 2.0, d.Rationale.BudgetUSD)
}

func TestDecide_NoEngineAvailable(t *testing.T) {
	in := standard()
	for id, a := range in {
		a.Available = false
		in[id] = a
	}
	_, err := DefaultPolicy().Decide(Input{Complexity: 10, Priority: contracts.PriorityLow, Assessments: in})
	require.Error(t, err)

	e, ok := errorir.As(err)
	require.True(t, ok)
	assert.Equal(t, errorir.KindNoEngineAvailable, e.Kind)
	assert.Equal(t, errorir.ClassificationRetryable, e.Classification())
	assert.Equal(t, 5*time.Second, e.RetryAfter)
	assert.Equal(t, 503, e.Status())

	_, err = DefaultPolicy().Decide(Input{Complexity: 10})
	require.Error(t, err)
}

func TestDecide_TieBreak(t *testing.T) {
	p := DefaultPolicy()
	twin := func(id contracts.EngineID, cost float64, latency time.Duration) contracts.Assessment {
		return assessment(id, contracts.KindIterative, cost, latency)
	}

	// Cheaper wins.
	d, err := p.Decide(Input{Complexity: 40, Assessments: map[contracts.EngineID]contracts.Assessment{
		"b": twin("b", 0.01, time.Second), "a": twin("a", 0.02, time.Second),
	}})
	require.NoError(t, err)
	assert.Equal(t, contracts.EngineID("b"), d.Engine)

	// Equal cost: faster wins.
	d, err = p.Decide(Input{Complexity: 40, Assessments: map[contracts.EngineID]contracts.Assessment{
		"b": twin("b", 0.01, time.Second), "a": twin("a", 0.01, 2*time.Second),
	}})
	require.NoError(t, err)
	assert.Equal(t, contracts.EngineID("b"), d.Engine)

	// Full tie: identifier ascending.
	d, err = p.Decide(Input{Complexity: 40, Assessments: map[contracts.EngineID]contracts.Assessment{
		"c": twin("c", 0.01, time.Second), "a": twin("a", 0.01, time.Second), "b": twin("b", 0.01, time.Second),
	}})
	require.NoError(t, err)
	assert.Equal(t, contracts.EngineID("a"), d.Engine)
}

func TestFingerprint_IgnoresIdentifiers(t *testing.T) {
	d, err := DefaultPolicy().Decide(Input{Complexity: 70, Priority: contracts.PriorityHigh, Assessments: standard()})
	require.NoError(t, err)

	stamped := d
	stamped.DecisionID = "d-1"
	stamped.RequestRef = "e-1"
	stamped.RequesterID = "u-1"
	stamped.DecidedAt = time.Now()
	fp, err := Fingerprint(stamped)
	require.NoError(t, err)
	assert.Equal(t, d.Fingerprint, fp)

	other, err := DefaultPolicy().Decide(Input{Complexity: 71, Priority: contracts.PriorityHigh, Assessments: standard()})
	require.NoError(t, err)
	assert.NotEqual(t, d.Fingerprint, other.Fingerprint)
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
	require.Error(t, Policy{LowThreshold: 60, HighThreshold: 50, DefaultBudgetUSD: 1}.Validate())
	require.Error(t, Policy{LowThreshold: 10, HighThreshold: 50}.Validate())
	require.Error(t, Policy{LowThreshold: 10, HighThreshold: 150, DefaultBudgetUSD: 1}.Validate())
}

var engineIDs = []contracts.EngineID{"alpha", "beta", "gamma", "delta"}
var kinds = []contracts.EngineKind{contracts.KindSinglePass, contracts.KindDecomposition, contracts.KindIterative}

// genAssessments builds a random assessment set over engineIDs with coarse
// costs and latencies so ties are common.
func genAssessments() gopter.Gen {
	return gen.SliceOfN(len(engineIDs), gen.IntRange(0, 3*3*3*2-1)).Map(func(codes []int) map[contracts.EngineID]contracts.Assessment {
		out := make(map[contracts.EngineID]contracts.Assessment, len(codes))
		for i, c := range codes {
			id := engineIDs[i]
			out[id] = contracts.Assessment{
				Engine:           id,
				Kind:             kinds[c%3],
				EstimatedCostUSD: float64((c/3)%3) * 0.01,
				EstimatedLatency: time.Duration((c/9)%3) * time.Second,
				Available:        (c/27)%2 == 0 || i == 0,
			}
		}
		return out
	})
}

func TestDecide_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)
	p := DefaultPolicy()

	properties.Property("decisions are deterministic", prop.ForAll(
		func(score float64, rank int, in map[contracts.EngineID]contracts.Assessment) bool {
			input := Input{Complexity: score, Priority: contracts.Priorities[rank], Assessments: in}
			a, errA := p.Decide(input)
			b, errB := p.Decide(input)
			return errA == nil && errB == nil && a.Engine == b.Engine && a.Tier == b.Tier && a.Fingerprint == b.Fingerprint
		},
		gen.Float64Range(0, 100), gen.IntRange(0, 3), genAssessments(),
	))

	properties.Property("chosen engine is available", prop.ForAll(
		func(score float64, rank int, in map[contracts.EngineID]contracts.Assessment) bool {
			d, err := p.Decide(Input{Complexity: score, Priority: contracts.Priorities[rank], Assessments: in})
			return err == nil && in[d.Engine].Available
		},
		gen.Float64Range(0, 100), gen.IntRange(0, 3), genAssessments(),
	))

	properties.Property("urgent always takes the fastest available engine", prop.ForAll(
		func(score float64, in map[contracts.EngineID]contracts.Assessment) bool {
			d, err := p.Decide(Input{Complexity: score, Priority: contracts.PriorityUrgent, Assessments: in})
			if err != nil || d.Tier != contracts.TierFastPath {
				return false
			}
			for _, a := range in {
				if a.Available && a.EstimatedLatency < in[d.Engine].EstimatedLatency {
					return false
				}
			}
			return true
		},
		gen.Float64Range(0, 100), genAssessments(),
	))

	properties.TestingRun(t)
}
