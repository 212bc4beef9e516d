package engine

import (
	"context"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/llm"
)

const (
	drafterPrompt = "You draft a complete answer to the task and revise it when given critique."
	criticPrompt  = "You are a critic. Reply APPROVED on the first line if the answer fully solves the task, otherwise list concrete corrections."
)

// DefaultRounds bounds the critique/revise loop.
const DefaultRounds = 2

// Dialogue iterates a draft through critique and revision until the critic
// approves or the round budget is spent.
type Dialogue struct {
	client llm.Client
	cost   CostModel
	rounds int
}

func NewDialogue(client llm.Client, cost CostModel, rounds int) *Dialogue {
	if rounds < 1 {
		rounds = DefaultRounds
	}
	return &Dialogue{client: client, cost: cost, rounds: rounds}
}

func (d *Dialogue) ID() contracts.EngineID     { return contracts.EngineDialogue }
func (d *Dialogue) Kind() contracts.EngineKind { return contracts.KindIterative }

// Estimate assumes the loop runs to its bound: one draft plus a critique and a
// revision per round.
func (d *Dialogue) Estimate(req contracts.ExecutionRequest) Estimate {
	return estimateCalls(d.cost, req, 1+2*d.rounds)
}

func (d *Dialogue) Run(ctx context.Context, req contracts.ExecutionRequest) (*Outcome, error) {
	s := newSession(d.ID(), d.client, d.cost, req)
	task := taskPrompt(req)

	convo := []llm.Message{
		{Role: llm.RoleSystem, Content: drafterPrompt},
		{Role: llm.RoleUser, Content: task},
	}
	answer, err := s.ask(ctx, convo...)
	if err != nil {
		return nil, err
	}

	for round := 0; round < d.rounds; round++ {
		critique, err := s.ask(ctx,
			llm.Message{Role: llm.RoleSystem, Content: criticPrompt},
			llm.Message{Role: llm.RoleUser, Content: "Task:\n" + task + "\n\nAnswer:\n" + answer},
		)
		if err != nil {
			return nil, err
		}
		if approved(critique) {
			break
		}
		convo = append(convo,
			llm.Message{Role: llm.RoleAssistant, Content: answer},
			llm.Message{Role: llm.RoleUser, Content: "Critique:\n" + critique + "\n\nRevise the answer."},
		)
		if answer, err = s.ask(ctx, convo...); err != nil {
			return nil, err
		}
	}
	return s.outcome(answer), nil
}
