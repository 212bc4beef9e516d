package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/llm"
)

// Spec configures one engine in the routing policy.
type Spec struct {
	ID       contracts.EngineID `yaml:"id" json:"id"`
	Capacity int64              `yaml:"capacity" json:"capacity"`
	Rounds   int                `yaml:"rounds,omitempty" json:"rounds,omitempty"`
	Cost     CostModel          `yaml:"cost" json:"cost"`
	// Admission is an optional CEL expression over the request that must
	// evaluate to true for the engine to accept it.
	Admission string `yaml:"admission,omitempty" json:"admission,omitempty"`
}

// KindOf returns the strategy kind of a known engine id.
func KindOf(id contracts.EngineID) (contracts.EngineKind, bool) {
	switch id {
	case contracts.EngineDirect:
		return contracts.KindSinglePass, true
	case contracts.EngineTeam:
		return contracts.KindDecomposition, true
	case contracts.EngineDialogue:
		return contracts.KindIterative, true
	}
	return "", false
}

// Catalog is the configured engine set, ordered by id.
type Catalog struct {
	engines map[contracts.EngineID]Engine
	specs   map[contracts.EngineID]Spec
	order   []contracts.EngineID
}

// NewCatalog builds engines from specs. Clients may map an engine id to a
// dedicated backend; engines without one use fallback.
func NewCatalog(specs []Spec, fallback llm.Client, clients map[contracts.EngineID]llm.Client) (*Catalog, error) {
	c := &Catalog{
		engines: make(map[contracts.EngineID]Engine, len(specs)),
		specs:   make(map[contracts.EngineID]Spec, len(specs)),
	}
	for _, s := range specs {
		if _, dup := c.engines[s.ID]; dup {
			return nil, fmt.Errorf("engine %q configured twice", s.ID)
		}
		client := fallback
		if cl, ok := clients[s.ID]; ok && cl != nil {
			client = cl
		}
		if client == nil {
			return nil, fmt.Errorf("engine %q has no backend client", s.ID)
		}
		var e Engine
		switch s.ID {
		case contracts.EngineDirect:
			e = NewDirect(client, s.Cost)
		case contracts.EngineTeam:
			e = NewTeam(client, s.Cost)
		case contracts.EngineDialogue:
			e = NewDialogue(client, s.Cost, s.Rounds)
		default:
			return nil, fmt.Errorf("unknown engine %q", s.ID)
		}
		c.Register(e, s)
	}
	return c, nil
}

// Register adds or replaces an engine.
func (c *Catalog) Register(e Engine, s Spec) {
	if c.engines == nil {
		c.engines = make(map[contracts.EngineID]Engine)
		c.specs = make(map[contracts.EngineID]Spec)
	}
	if _, exists := c.engines[e.ID()]; !exists {
		c.order = append(c.order, e.ID())
		sort.Slice(c.order, func(i, j int) bool { return c.order[i] < c.order[j] })
	}
	s.ID = e.ID()
	c.engines[e.ID()] = e
	c.specs[e.ID()] = s
}

func (c *Catalog) Get(id contracts.EngineID) (Engine, bool) {
	e, ok := c.engines[id]
	return e, ok
}

func (c *Catalog) Spec(id contracts.EngineID) (Spec, bool) {
	s, ok := c.specs[id]
	return s, ok
}

// IDs returns engine ids in ascending order.
func (c *Catalog) IDs() []contracts.EngineID {
	return append([]contracts.EngineID(nil), c.order...)
}

// DefaultSpecs is the engine set used when no policy file is configured.
func DefaultSpecs() []Spec {
	return []Spec{
		{
			ID:       contracts.EngineDialogue,
			Capacity: 8,
			Rounds:   DefaultRounds,
			Cost: CostModel{
				PerCallUSD: 0.002, PerThousandTokensUSD: 0.006,
				BaseLatency: 1500 * time.Millisecond, LatencyPerThousand: 1500 * time.Millisecond,
			},
		},
		{
			ID:       contracts.EngineDirect,
			Capacity: 16,
			Cost: CostModel{
				PerCallUSD: 0.001, PerThousandTokensUSD: 0.002,
				BaseLatency: 800 * time.Millisecond, LatencyPerThousand: time.Second,
			},
		},
		{
			ID:       contracts.EngineTeam,
			Capacity: 4,
			Cost: CostModel{
				PerCallUSD: 0.004, PerThousandTokensUSD: 0.01,
				BaseLatency: 2 * time.Second, LatencyPerThousand: 2 * time.Second,
			},
		},
	}
}
