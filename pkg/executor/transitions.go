package executor

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/budget"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/engine"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/metering"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/store"
)

// transition moves ex to `to`, persisting with compare-and-set on the prior
// status. Recording and publishing happen before it returns.
func (d *Dispatcher) transition(ctx context.Context, ex *execution, to contracts.Status, mutate func(*contracts.ExecutionResult)) error {
	ex.mu.Lock()
	from := ex.result.Status
	if !contracts.CanTransition(from, to) {
		ex.mu.Unlock()
		return &contracts.ErrIllegalTransition{ExecutionID: ex.result.ExecutionID, From: from, To: to}
	}
	next := ex.result
	next.Status = to
	next.UpdatedAt = d.clock().UTC()
	if mutate != nil {
		mutate(&next)
	}

	pctx, cancel := context.WithTimeout(ctx, sideEffectTimeout)
	err := d.store.Update(pctx, from, &next)
	cancel()
	switch {
	case errors.Is(err, store.ErrConflict):
		ex.mu.Unlock()
		return &contracts.ErrIllegalTransition{ExecutionID: next.ExecutionID, From: from, To: to}
	case err != nil:
		// The in-memory record stays authoritative; Get serves it until the
		// dispatcher settles.
		d.logger.ErrorContext(ctx, "persist transition failed",
			"execution_id", next.ExecutionID, "from", from, "to", to, "error", err)
	}
	ex.result = next
	ex.mu.Unlock()

	d.announce(ctx, &next, from)
	return nil
}

// finish applies the terminal transition exactly once. Usage accounting and
// archiving happen only for the transition that wins.
func (d *Dispatcher) finish(ctx context.Context, ex *execution, to contracts.Status, o *engine.Outcome, kind errorir.Kind, reason string) {
	err := d.transition(ctx, ex, to, func(r *contracts.ExecutionResult) {
		if !ex.started.IsZero() {
			r.DurationSeconds = r.UpdatedAt.Sub(ex.started).Seconds()
		}
		if o != nil {
			r.Result = o.Output
			r.TokensUsed = o.TokensUsed
			r.CostUSD = o.CostUSD
			ex.calls = o.Calls
		}
		if kind != "" {
			r.ErrorKind = string(kind)
			r.ErrorReason = reason
		}
		r.ResultRef = d.archiveResult(ctx, r)
	})
	if err != nil {
		var illegal *contracts.ErrIllegalTransition
		if errors.As(err, &illegal) {
			d.logger.WarnContext(ctx, "terminal transition skipped", "execution_id", illegal.ExecutionID,
				"from", illegal.From, "to", illegal.To)
		}
		return
	}
	d.account(ctx, ex.snapshot(), ex.calls)
}

func (d *Dispatcher) archiveResult(ctx context.Context, r *contracts.ExecutionResult) string {
	if d.archive == nil {
		return ""
	}
	actx, cancel := context.WithTimeout(ctx, sideEffectTimeout)
	defer cancel()
	ref, err := d.archive.ArchiveResult(actx, r)
	if err != nil {
		d.logger.ErrorContext(ctx, "archive result failed", "execution_id", r.ExecutionID, "error", err)
		return ""
	}
	return ref
}

// account charges the ledger and emits usage events for a terminal result.
func (d *Dispatcher) account(ctx context.Context, r *contracts.ExecutionResult, calls int) {
	actx, cancel := context.WithTimeout(ctx, sideEffectTimeout)
	defer cancel()

	if d.ledger != nil && (r.CostUSD > 0 || r.TokensUsed > 0) {
		if err := d.ledger.Charge(actx, budget.Entry{
			Engine:      r.Engine,
			SubjectID:   r.OwnerID,
			ExecutionID: r.ExecutionID,
			CostUSD:     r.CostUSD,
			Tokens:      r.TokensUsed,
			At:          r.UpdatedAt,
		}); err != nil {
			d.logger.ErrorContext(ctx, "ledger charge failed", "execution_id", r.ExecutionID, "error", err)
		}
	}
	if d.meter != nil {
		if err := d.meter.RecordBatch(actx, metering.ExecutionEvents(r, calls)); err != nil {
			d.logger.ErrorContext(ctx, "usage metering failed", "execution_id", r.ExecutionID, "error", err)
		}
	}
	d.telemetry.RecordExecution(ctx, string(r.Engine), string(r.Status), r.CostUSD)
}

// announce reports a new status to the audit recorder and stream subscribers.
func (d *Dispatcher) announce(ctx context.Context, r *contracts.ExecutionResult, from contracts.Status) {
	if d.recorder != nil {
		meta := map[string]string{
			"to":          string(r.Status),
			"engine":      string(r.Engine),
			"decision_id": r.Decision.DecisionID,
		}
		if from != "" {
			meta["from"] = string(from)
		}
		if r.ErrorKind != "" {
			meta["error_kind"] = r.ErrorKind
		}
		_ = d.recorder.Record(ctx, contracts.AuditEntry{
			ActorID:  r.OwnerID,
			Action:   contracts.ActionTransition,
			Ref:      r.ExecutionID,
			Outcome:  contracts.OutcomeRecorded,
			Reason:   r.ErrorReason,
			Metadata: meta,
		})
	}
	if d.publisher != nil {
		d.publisher.Publish(contracts.Transition{
			ExecutionID: r.ExecutionID,
			OwnerID:     r.OwnerID,
			From:        from,
			To:          r.Status,
			At:          r.UpdatedAt,
		})
	}
}
