// Package orchestrator runs the per-request pipeline: authorize, validate,
// score, evaluate, decide, dispatch. Every decision point is audited.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/authz"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/engine"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/evaluator"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/executor"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/identity"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/observability"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/routing"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/scorer"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/store"
)

// List bounds for execution history.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Orchestrator wires the pipeline components for one service instance.
type Orchestrator struct {
	catalog    *engine.Catalog
	scorer     *scorer.Scorer
	evaluator  *evaluator.Evaluator
	policy     routing.Policy
	dispatcher *executor.Dispatcher
	history    store.ExecutionStore
	recorder   executor.Recorder
	telemetry  *observability.Provider
	clock      func() time.Time
	logger     *slog.Logger
}

// Deps are the components the orchestrator drives.
type Deps struct {
	Catalog    *engine.Catalog
	Scorer     *scorer.Scorer
	Evaluator  *evaluator.Evaluator
	Policy     routing.Policy
	Dispatcher *executor.Dispatcher
	History    store.ExecutionStore
	Recorder   executor.Recorder
	Telemetry  *observability.Provider
	Clock      func() time.Time
}

func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		catalog:    d.Catalog,
		scorer:     d.Scorer,
		evaluator:  d.Evaluator,
		policy:     d.Policy,
		dispatcher: d.Dispatcher,
		history:    d.History,
		recorder:   d.Recorder,
		telemetry:  d.Telemetry,
		clock:      d.Clock,
		logger:     slog.Default().With("component", "orchestrator"),
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.telemetry == nil {
		o.telemetry, _ = observability.New(context.Background(), &observability.Config{})
	}
	return o
}

// Execute authorizes and routes req, then dispatches it. With async set the
// pending result is returned immediately. Rejections before dispatch create
// no execution record.
func (o *Orchestrator) Execute(ctx context.Context, caller identity.Identity, req contracts.ExecutionRequest, async bool) (*contracts.ExecutionResult, error) {
	if err := o.Authorize(ctx, caller, identity.RoleUser, "execute"); err != nil {
		return nil, err
	}

	if err := o.phase(ctx, "validate", func(context.Context) error { return req.Validate() }); err != nil {
		o.rejectInvalid(ctx, caller, req, err)
		return nil, err
	}

	decision, err := o.Route(ctx, caller, req)
	if err != nil {
		return nil, err
	}

	if async {
		return o.dispatcher.Submit(ctx, decision, req, caller.ID), nil
	}
	return o.dispatcher.Dispatch(ctx, decision, req, caller.ID), nil
}

// Authorize checks caller against required and audits the outcome.
func (o *Orchestrator) Authorize(ctx context.Context, caller identity.Identity, required identity.Role, ref string) error {
	err := authz.Authorize(caller, required)
	entry := contracts.AuditEntry{
		ActorID:  caller.ID,
		Action:   contracts.ActionAuthorize,
		Ref:      ref,
		Outcome:  contracts.OutcomeAllowed,
		Metadata: map[string]string{"required": string(required), "role": string(caller.Role)},
	}
	if err != nil {
		entry.Outcome = contracts.OutcomeRejected
		entry.Reason = reasonOf(err)
	}
	o.record(ctx, entry)
	return err
}

// Route scores and evaluates req and returns a stamped, fingerprinted
// decision. It does not validate req.
func (o *Orchestrator) Route(ctx context.Context, caller identity.Identity, req contracts.ExecutionRequest) (contracts.RoutingDecision, error) {
	var score scorer.ComplexityScore
	_ = o.phase(ctx, "score", func(context.Context) error {
		score = o.scorer.Score(req)
		return nil
	})

	var assessments map[contracts.EngineID]contracts.Assessment
	_ = o.phase(ctx, "evaluate", func(pctx context.Context) error {
		assessments = o.evaluator.Evaluate(pctx, score, req, o.catalog.IDs())
		return nil
	})

	budget, _ := req.BudgetHint()
	var decision contracts.RoutingDecision
	err := o.phase(ctx, "route", func(context.Context) error {
		var err error
		decision, err = o.policy.Decide(routing.Input{
			Complexity:  score.Value,
			Priority:    req.Priority,
			BudgetHint:  budget,
			Assessments: assessments,
		})
		return err
	})
	requestRef, refErr := RequestRef(req)
	if refErr != nil {
		o.logger.ErrorContext(ctx, "request reference failed", "error", refErr)
		return contracts.RoutingDecision{}, errorir.New(errorir.KindInvalidRequest, "request could not be encoded")
	}
	if err != nil {
		o.record(ctx, contracts.AuditEntry{
			ActorID: caller.ID,
			Action:  contracts.ActionRoute,
			Ref:     requestRef,
			Outcome: contracts.OutcomeRejected,
			Reason:  reasonOf(err),
			Metadata: map[string]string{
				"complexity": formatFloat(score.Value),
				"priority":   string(req.Priority),
			},
		})
		return contracts.RoutingDecision{}, err
	}

	decision.DecisionID = uuid.NewString()
	decision.DecidedAt = o.clock().UTC()
	decision.RequestRef = requestRef
	decision.RequesterID = caller.ID

	o.telemetry.RecordDecision(ctx, string(decision.Engine), string(decision.Tier))
	o.record(ctx, contracts.AuditEntry{
		ActorID: caller.ID,
		Action:  contracts.ActionRoute,
		Ref:     decision.DecisionID,
		Outcome: contracts.OutcomeAllowed,
		Metadata: map[string]string{
			"engine":      string(decision.Engine),
			"tier":        string(decision.Tier),
			"complexity":  formatFloat(score.Value),
			"fingerprint": decision.Fingerprint,
			"request_ref": requestRef,
		},
	})
	return decision, nil
}

// Engines lists the configured engines with their current load. Any
// authenticated identity may read it.
func (o *Orchestrator) Engines(ctx context.Context) []evaluator.EngineStatus {
	return o.evaluator.Status(ctx)
}

// Get returns an execution visible to caller. Other owners' executions are
// reported as not found unless caller is an admin.
func (o *Orchestrator) Get(ctx context.Context, caller identity.Identity, id string) (*contracts.ExecutionResult, error) {
	r, err := o.dispatcher.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.OwnerID != caller.ID && caller.Role != identity.RoleAdmin {
		return nil, errorir.New(errorir.KindNotFound, "execution not found")
	}
	return r, nil
}

// List pages through the caller's executions, newest first. Admins see all.
func (o *Orchestrator) List(ctx context.Context, caller identity.Identity, limit, offset int) ([]contracts.ExecutionResult, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	filter := store.ExecutionFilter{Limit: limit, Offset: offset}
	if caller.Role != identity.RoleAdmin {
		filter.OwnerID = caller.ID
	}
	out, err := o.history.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

func (o *Orchestrator) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	pctx, done := o.telemetry.TrackOperation(ctx, "dispatch."+name, observability.PhaseOperation(name)...)
	err := fn(pctx)
	done(err)
	return err
}

// rejectInvalid logs and audits a request refused at the boundary.
func (o *Orchestrator) rejectInvalid(ctx context.Context, caller identity.Identity, req contracts.ExecutionRequest, err error) {
	kind := errorir.KindOf(err)
	o.logger.InfoContext(ctx, "request rejected", "actor_id", caller.ID, "kind", kind, "reason", reasonOf(err))
	ref, refErr := RequestRef(req)
	if refErr != nil {
		ref = "execute"
	}
	o.record(ctx, contracts.AuditEntry{
		ActorID:  caller.ID,
		Action:   contracts.ActionValidate,
		Ref:      ref,
		Outcome:  contracts.OutcomeRejected,
		Reason:   reasonOf(err),
		Metadata: map[string]string{"kind": string(kind), "priority": string(req.Priority)},
	})
}

func (o *Orchestrator) record(ctx context.Context, e contracts.AuditEntry) {
	if o.recorder == nil {
		return
	}
	_ = o.recorder.Record(ctx, e)
}

// RequestRef is the content hash of the canonical request JSON.
func RequestRef(req contracts.ExecutionRequest) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func reasonOf(err error) string {
	if e, ok := errorir.As(err); ok {
		return e.Reason
	}
	if errors.Is(err, context.Canceled) {
		return "request cancelled"
	}
	return "internal error"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
