package engine

import (
	"context"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/llm"
)

const directSystemPrompt = "You complete tasks in a single, precise answer. Respond with the finished result only."

// Direct answers in one backend call. It is the lowest-latency strategy.
type Direct struct {
	client llm.Client
	cost   CostModel
}

func NewDirect(client llm.Client, cost CostModel) *Direct {
	return &Direct{client: client, cost: cost}
}

func (d *Direct) ID() contracts.EngineID     { return contracts.EngineDirect }
func (d *Direct) Kind() contracts.EngineKind { return contracts.KindSinglePass }

func (d *Direct) Estimate(req contracts.ExecutionRequest) Estimate {
	return estimateCalls(d.cost, req, 1)
}

func (d *Direct) Run(ctx context.Context, req contracts.ExecutionRequest) (*Outcome, error) {
	s := newSession(d.ID(), d.client, d.cost, req)
	out, err := s.ask(ctx,
		llm.Message{Role: llm.RoleSystem, Content: directSystemPrompt},
		llm.Message{Role: llm.RoleUser, Content: taskPrompt(req)},
	)
	if err != nil {
		return nil, err
	}
	return s.outcome(out), nil
}
