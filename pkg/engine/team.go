package engine

import (
	"context"
	"strings"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/llm"
)

const (
	plannerPrompt  = "You are the planner. Break the task into a short numbered list of verifiable sub-steps. Do not solve it."
	workerPrompt   = "You are the worker. Execute every step of the plan and produce the complete deliverable."
	verifierPrompt = "You are the verifier. Check the deliverable against the task and plan. Reply APPROVED on the first line if it is complete and correct, otherwise REJECTED followed by the problems."
)

// Team decomposes a task: a planner drafts sub-steps, a worker executes them
// and a verifier checks the result. One revision is allowed after a rejection,
// and it must pass the verifier too.
type Team struct {
	client llm.Client
	cost   CostModel
}

func NewTeam(client llm.Client, cost CostModel) *Team {
	return &Team{client: client, cost: cost}
}

func (t *Team) ID() contracts.EngineID     { return contracts.EngineTeam }
func (t *Team) Kind() contracts.EngineKind { return contracts.KindDecomposition }

func (t *Team) Estimate(req contracts.ExecutionRequest) Estimate {
	return estimateCalls(t.cost, req, 3)
}

func (t *Team) Run(ctx context.Context, req contracts.ExecutionRequest) (*Outcome, error) {
	s := newSession(t.ID(), t.client, t.cost, req)
	task := taskPrompt(req)

	plan, err := s.ask(ctx,
		llm.Message{Role: llm.RoleSystem, Content: plannerPrompt},
		llm.Message{Role: llm.RoleUser, Content: task},
	)
	if err != nil {
		return nil, err
	}

	work := []llm.Message{
		{Role: llm.RoleSystem, Content: workerPrompt},
		{Role: llm.RoleUser, Content: task + "\n\nPlan:\n" + plan},
	}
	draft, err := s.ask(ctx, work...)
	if err != nil {
		return nil, err
	}

	verdict, err := t.verify(ctx, s, task, plan, draft)
	if err != nil {
		return nil, err
	}
	if approved(verdict) {
		return s.outcome(draft), nil
	}

	revised, err := s.ask(ctx, append(work,
		llm.Message{Role: llm.RoleAssistant, Content: draft},
		llm.Message{Role: llm.RoleUser, Content: "The verifier rejected this deliverable:\n" + verdict + "\n\nProduce a corrected, complete deliverable."},
	)...)
	if err != nil {
		return nil, err
	}
	if verdict, err = t.verify(ctx, s, task, plan, revised); err != nil {
		return nil, err
	}
	if !approved(verdict) {
		return nil, s.fail("verifier rejected the revised deliverable", false, nil)
	}
	return s.outcome(revised), nil
}

func (t *Team) verify(ctx context.Context, s *session, task, plan, deliverable string) (string, error) {
	return s.ask(ctx,
		llm.Message{Role: llm.RoleSystem, Content: verifierPrompt},
		llm.Message{Role: llm.RoleUser, Content: task + "\n\nPlan:\n" + plan + "\n\nDeliverable:\n" + deliverable},
	)
}

// approved reads a verifier or critic verdict from its first line.
func approved(verdict string) bool {
	first, _, _ := strings.Cut(strings.TrimSpace(verdict), "\n")
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(first)), "APPROVED")
}
