package evaluator

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/engine"
)

// Admission holds per-engine CEL rules compiled once at startup. Rules see
// three variables:
//
//	request: {description_length, priority, priority_rank, context, max_tokens, budget_usd}
//	score:   the complexity score (double)
//	engine:  {id, active, capacity}
type Admission struct {
	programs map[contracts.EngineID]cel.Program
}

// NewAdmission compiles the admission rule of every spec that has one.
func NewAdmission(specs []engine.Spec) (*Admission, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.DynType),
		cel.Variable("score", cel.DoubleType),
		cel.Variable("engine", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	a := &Admission{programs: make(map[contracts.EngineID]cel.Program)}
	for _, s := range specs {
		if s.Admission == "" {
			continue
		}
		ast, issues := env.Compile(s.Admission)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("engine %s admission: compile: %w", s.ID, issues.Err())
		}
		if out := ast.OutputType(); !reflect.DeepEqual(out, cel.BoolType) && !reflect.DeepEqual(out, cel.DynType) {
			return nil, fmt.Errorf("engine %s admission: rule must be boolean, got %s", s.ID, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("engine %s admission: program: %w", s.ID, err)
		}
		a.programs[s.ID] = prg
	}
	return a, nil
}

// Admit evaluates the engine's rule. Engines without a rule admit everything.
func (a *Admission) Admit(id contracts.EngineID, vars map[string]any) (bool, error) {
	if a == nil {
		return true, nil
	}
	prg, ok := a.programs[id]
	if !ok {
		return true, nil
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

func requestVars(req contracts.ExecutionRequest) map[string]any {
	maxTokens := int64(0)
	if req.MaxTokens != nil {
		maxTokens = int64(*req.MaxTokens)
	}
	budget, _ := req.BudgetHint()
	ctx := req.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	return map[string]any{
		"description_length": int64(contracts.DescriptionLength(req.TaskDescription)),
		"priority":           string(req.Priority),
		"priority_rank":      int64(req.Priority.Rank()),
		"context":            ctx,
		"max_tokens":         maxTokens,
		"budget_usd":         budget,
	}
}
