// Package evaluator assesses each candidate engine for a request: whether it
// has capacity, whether its admission rule accepts the request, and what it is
// expected to cost and take.
package evaluator

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/budget"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/engine"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/scorer"
)

// Observation smoothing and bounds on the correction ratio.
const (
	DefaultAlpha = 0.2
	minRatio     = 0.1
	maxRatio     = 10.0
)

// correction is the running actual/estimate ratio for one engine.
type correction struct {
	cost    float64
	latency float64
	samples int64
}

// Evaluator produces Assessments. It never fails: an engine whose state
// cannot be read is reported unavailable.
type Evaluator struct {
	catalog   *engine.Catalog
	load      LoadState
	ledger    budget.Ledger
	admission *Admission
	alpha     float64
	logger    *slog.Logger

	mu       sync.RWMutex
	observed map[contracts.EngineID]correction
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLedger reports lifetime engine spend in assessments.
func WithLedger(l budget.Ledger) Option {
	return func(e *Evaluator) { e.ledger = l }
}

// WithAdmission installs compiled admission rules.
func WithAdmission(a *Admission) Option {
	return func(e *Evaluator) { e.admission = a }
}

// WithAlpha sets the smoothing factor for observed corrections, in (0, 1].
func WithAlpha(alpha float64) Option {
	return func(e *Evaluator) {
		if alpha > 0 && alpha <= 1 {
			e.alpha = alpha
		}
	}
}

func New(catalog *engine.Catalog, load LoadState, opts ...Option) *Evaluator {
	e := &Evaluator{
		catalog:  catalog,
		load:     load,
		alpha:    DefaultAlpha,
		logger:   slog.Default().With("component", "evaluator"),
		observed: make(map[contracts.EngineID]correction),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate assesses every candidate. Unknown engine ids are reported
// unavailable.
func (e *Evaluator) Evaluate(ctx context.Context, score scorer.ComplexityScore, req contracts.ExecutionRequest, candidates []contracts.EngineID) map[contracts.EngineID]contracts.Assessment {
	out := make(map[contracts.EngineID]contracts.Assessment, len(candidates))
	reqVars := requestVars(req)
	for _, id := range candidates {
		out[id] = e.assess(ctx, id, score, req, reqVars)
	}
	return out
}

func (e *Evaluator) assess(ctx context.Context, id contracts.EngineID, score scorer.ComplexityScore, req contracts.ExecutionRequest, reqVars map[string]any) contracts.Assessment {
	a := contracts.Assessment{Engine: id}

	eng, ok := e.catalog.Get(id)
	if !ok {
		a.Reason = "engine not configured"
		return a
	}
	spec, _ := e.catalog.Spec(id)
	a.Kind = eng.Kind()
	a.Capacity = spec.Capacity

	est := eng.Estimate(req)
	costRatio, latencyRatio := e.Correction(id)
	a.EstimatedCostUSD = est.CostUSD * costRatio
	a.EstimatedLatency = time.Duration(float64(est.Latency) * latencyRatio)

	if e.ledger != nil {
		spent, err := e.ledger.EngineTotal(ctx, id)
		if err != nil {
			e.logger.WarnContext(ctx, "ledger read failed", "engine", id, "error", err)
		} else {
			a.LedgerUSD = spent
		}
	}

	active, err := e.load.Active(ctx, id)
	if err != nil {
		e.logger.WarnContext(ctx, "load state unavailable", "engine", id, "error", err)
		a.Reason = "load state unavailable"
		return a
	}
	a.Active = active
	if active >= spec.Capacity {
		a.Reason = "at capacity"
		return a
	}

	admitted, err := e.admission.Admit(id, map[string]any{
		"request": reqVars,
		"score":   score.Value,
		"engine": map[string]any{
			"id":       string(id),
			"active":   active,
			"capacity": spec.Capacity,
		},
	})
	if err != nil {
		e.logger.WarnContext(ctx, "admission rule failed", "engine", id, "error", err)
		a.Reason = "admission rule error"
		return a
	}
	if !admitted {
		a.Reason = "rejected by admission rule"
		return a
	}

	a.Available = true
	return a
}

// Observe feeds back what an execution actually cost and took, relative to
// the static estimate, so later estimates self-correct.
func (e *Evaluator) Observe(id contracts.EngineID, est engine.Estimate, actualCostUSD float64, actualLatency time.Duration) {
	costSample, okCost := ratio(actualCostUSD, est.CostUSD)
	latencySample, okLatency := ratio(float64(actualLatency), float64(est.Latency))
	if !okCost && !okLatency {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c, seen := e.observed[id]
	if !seen {
		c = correction{cost: 1, latency: 1}
	}
	if okCost {
		c.cost = clamp(c.cost + e.alpha*(costSample-c.cost))
	}
	if okLatency {
		c.latency = clamp(c.latency + e.alpha*(latencySample-c.latency))
	}
	c.samples++
	e.observed[id] = c
}

// Correction returns the multipliers applied to the static cost and latency
// estimates. Both are 1 before any observation.
func (e *Evaluator) Correction(id contracts.EngineID) (cost, latency float64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.observed[id]
	if !ok {
		return 1, 1
	}
	return c.cost, c.latency
}

// EngineStatus is one catalog engine's configuration and current load.
// Available means the engine has spare capacity; admission rules still apply
// per request.
type EngineStatus struct {
	ID        contracts.EngineID   `json:"id"`
	Kind      contracts.EngineKind `json:"kind"`
	Capacity  int64                `json:"capacity"`
	Active    int64                `json:"active"`
	Available bool                 `json:"available"`
	Reason    string               `json:"reason,omitempty"`
}

// Status reports every catalog engine in id order.
func (e *Evaluator) Status(ctx context.Context) []EngineStatus {
	ids := e.catalog.IDs()
	out := make([]EngineStatus, 0, len(ids))
	for _, id := range ids {
		eng, _ := e.catalog.Get(id)
		spec, _ := e.catalog.Spec(id)
		st := EngineStatus{ID: id, Kind: eng.Kind(), Capacity: spec.Capacity}
		active, err := e.load.Active(ctx, id)
		switch {
		case err != nil:
			e.logger.WarnContext(ctx, "load state unavailable", "engine", id, "error", err)
			st.Reason = "load state unavailable"
		case active >= spec.Capacity:
			st.Active = active
			st.Reason = "at capacity"
		default:
			st.Active = active
			st.Available = true
		}
		out = append(out, st)
	}
	return out
}

// Load exposes the load state the dispatcher increments and decrements.
func (e *Evaluator) Load() LoadState { return e.load }

func ratio(actual, estimate float64) (float64, bool) {
	if estimate <= 0 || actual < 0 || math.IsNaN(actual) || math.IsInf(actual, 0) {
		return 0, false
	}
	return clamp(actual / estimate), true
}

func clamp(v float64) float64 {
	return math.Max(minRatio, math.Min(maxRatio, v))
}
