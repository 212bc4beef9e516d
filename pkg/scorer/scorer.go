// Package scorer estimates how much reasoning effort a task needs.
//
// Score is a pure total function: the same request and weights always yield
// the same score, and extending a description or raising its priority never
// lowers it.
package scorer

import (
	"math"
	"strings"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
)

const (
	MinScore = 0.0
	MaxScore = 100.0
)

// Weights configure the score. They are loaded from the routing policy file.
type Weights struct {
	Length            float64                        `yaml:"length" json:"length"`
	PriorityBias      map[contracts.Priority]float64 `yaml:"priority_bias" json:"priority_bias"`
	Keywords          []string                       `yaml:"keywords" json:"keywords"`
	Feature           float64                        `yaml:"feature" json:"feature"`
	FeatureCap        float64                        `yaml:"feature_cap" json:"feature_cap"`
	QuantityBonus     float64                        `yaml:"quantity_bonus" json:"quantity_bonus"`
	Context           float64                        `yaml:"context" json:"context"`
	ContextCap        float64                        `yaml:"context_cap" json:"context_cap"`
	Step              float64                        `yaml:"step" json:"step"`
	StepCap           float64                        `yaml:"step_cap" json:"step_cap"`
	VerificationBonus float64                        `yaml:"verification_bonus" json:"verification_bonus"`
}

// DefaultWeights puts a medium-length, high-priority summarisation request
// above 50 and a short low-priority request below 25.
func DefaultWeights() Weights {
	return Weights{
		Length: 40,
		PriorityBias: map[contracts.Priority]float64{
			contracts.PriorityLow:    0,
			contracts.PriorityMedium: 10,
			contracts.PriorityHigh:   25,
			contracts.PriorityUrgent: 35,
		},
		Keywords: []string{
			"summarize", "summarise", "analyze", "analyse", "compare", "design",
			"plan", "research", "report", "review", "refactor", "implement",
			"evaluate", "investigate",
		},
		Feature:           5,
		FeatureCap:        15,
		QuantityBonus:     5,
		Context:           2,
		ContextCap:        10,
		Step:              1,
		StepCap:           10,
		VerificationBonus: 5,
	}
}

// Breakdown records each component for the routing rationale.
type Breakdown struct {
	Length   float64  `json:"length"`
	Priority float64  `json:"priority"`
	Features float64  `json:"features"`
	Context  float64  `json:"context"`
	Keywords []string `json:"keywords,omitempty"`
}

// ComplexityScore is a bounded scalar in [0, 100].
type ComplexityScore struct {
	Value     float64   `json:"value"`
	Breakdown Breakdown `json:"breakdown"`
}

// Scorer computes complexity scores with fixed weights.
type Scorer struct {
	w        Weights
	keywords []string
}

func New(w Weights) *Scorer {
	kw := make([]string, 0, len(w.Keywords))
	seen := make(map[string]bool, len(w.Keywords))
	for _, k := range w.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		kw = append(kw, k)
	}
	return &Scorer{w: w, keywords: kw}
}

// Score never fails. Requests are expected to have passed Validate; longer
// descriptions are scored as if capped at the maximum length.
func (s *Scorer) Score(req contracts.ExecutionRequest) ComplexityScore {
	var b Breakdown

	n := contracts.DescriptionLength(req.TaskDescription)
	if n > contracts.MaxDescriptionLen {
		n = contracts.MaxDescriptionLen
	}
	b.Length = s.w.Length * math.Log1p(float64(n)) / math.Log1p(contracts.MaxDescriptionLen)

	b.Priority = s.w.PriorityBias[req.Priority]

	lower := strings.ToLower(req.TaskDescription)
	for _, k := range s.keywords {
		if strings.Contains(lower, k) {
			b.Keywords = append(b.Keywords, k)
		}
	}
	b.Features = math.Min(float64(len(b.Keywords))*s.w.Feature, s.w.FeatureCap)
	if strings.ContainsAny(lower, "0123456789") {
		b.Features += s.w.QuantityBonus
	}

	b.Context = math.Min(float64(len(req.Context))*s.w.Context, s.w.ContextCap)
	if steps, ok := contracts.AsFloat(req.Context["estimated_steps"]); ok && steps > 0 {
		b.Context += math.Min(steps*s.w.Step, s.w.StepCap)
	}
	if v, ok := req.Context["requires_verification"].(bool); ok && v {
		b.Context += s.w.VerificationBonus
	}

	total := b.Length + b.Priority + b.Features + b.Context
	if math.IsNaN(total) {
		total = MinScore
	}
	return ComplexityScore{
		Value:     math.Max(MinScore, math.Min(MaxScore, total)),
		Breakdown: b,
	}
}
