package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/engine"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/evaluator"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/routing"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/scorer"
)

// PolicyVersionConstraint is the range of policy file versions this build reads.
const PolicyVersionConstraint = "^1.0"

// RoutingPolicy is the routing policy file: thresholds, scorer weights and
// the engine catalog with its admission rules.
type RoutingPolicy struct {
	Version string         `yaml:"version"`
	Routing routing.Policy `yaml:"routing"`
	Weights scorer.Weights `yaml:"weights"`
	Engines []engine.Spec  `yaml:"engines"`
}

func DefaultRoutingPolicy() *RoutingPolicy {
	return &RoutingPolicy{
		Version: "1.0.0",
		Routing: routing.DefaultPolicy(),
		Weights: scorer.DefaultWeights(),
		Engines: engine.DefaultSpecs(),
	}
}

// LoadRoutingPolicy reads path over the defaults. An empty path yields the
// defaults. Unknown keys are rejected.
func LoadRoutingPolicy(path string) (*RoutingPolicy, error) {
	p := DefaultRoutingPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read routing policy: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse routing policy %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid routing policy %s: %w", path, err)
	}
	return p, nil
}

// Validate checks every section, compiling admission rules.
func (p *RoutingPolicy) Validate() error {
	if err := checkVersion(p.Version); err != nil {
		return err
	}
	if err := p.Routing.Validate(); err != nil {
		return err
	}
	w := p.Weights
	for name, v := range map[string]float64{
		"length": w.Length, "feature": w.Feature, "feature_cap": w.FeatureCap,
		"quantity_bonus": w.QuantityBonus, "context": w.Context, "context_cap": w.ContextCap,
		"step": w.Step, "step_cap": w.StepCap, "verification_bonus": w.VerificationBonus,
	} {
		if v < 0 {
			return fmt.Errorf("weight %s must not be negative", name)
		}
	}
	prev := -1.0
	for _, pr := range contracts.Priorities {
		bias := w.PriorityBias[pr]
		if bias < prev {
			return fmt.Errorf("priority_bias must not decrease from lower to higher priority (%s)", pr)
		}
		prev = bias
	}

	if len(p.Engines) == 0 {
		return fmt.Errorf("at least one engine must be configured")
	}
	seen := make(map[contracts.EngineID]bool, len(p.Engines))
	for _, s := range p.Engines {
		if _, ok := engine.KindOf(s.ID); !ok {
			return fmt.Errorf("unknown engine %q", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("engine %q configured twice", s.ID)
		}
		seen[s.ID] = true
		if s.Capacity <= 0 {
			return fmt.Errorf("engine %q capacity must be positive", s.ID)
		}
		if s.Cost.PerCallUSD < 0 || s.Cost.PerThousandTokensUSD < 0 {
			return fmt.Errorf("engine %q cost must not be negative", s.ID)
		}
	}
	if _, err := evaluator.NewAdmission(p.Engines); err != nil {
		return err
	}
	return nil
}

func checkVersion(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("policy version %q: %w", v, err)
	}
	c, err := semver.NewConstraint(PolicyVersionConstraint)
	if err != nil {
		return err
	}
	if !c.Check(ver) {
		return fmt.Errorf("policy version %s not supported (want %s)", ver, PolicyVersionConstraint)
	}
	return nil
}
