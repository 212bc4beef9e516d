// Package executor supervises routed requests from pending to a terminal
// status.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/artifacts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/budget"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/engine"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/evaluator"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel/retry"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/metering"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/observability"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/store"
)

// Dispatcher runs executions on contexts detached from the submitting request.
type Dispatcher struct {
	catalog   *engine.Catalog
	load      evaluator.LoadState
	store     store.ExecutionStore
	ledger    budget.Ledger
	meter     metering.Meter
	archive   *artifacts.Archive
	recorder  Recorder
	publisher Publisher
	observer  Observer
	telemetry *observability.Provider

	timeout time.Duration
	backoff retry.BackoffPolicy
	clock   func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger

	mu       sync.RWMutex
	inflight map[string]*execution
	wg       sync.WaitGroup
}

// execution is the dispatcher-owned state of one request.
type execution struct {
	mu      sync.Mutex
	result  contracts.ExecutionResult
	req     contracts.ExecutionRequest
	started time.Time
	calls   int
	done    chan struct{}
}

func (ex *execution) snapshot() *contracts.ExecutionResult {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	r := ex.result
	return &r
}

// New creates a dispatcher. Without WithStore results live in memory only.
func New(catalog *engine.Catalog, load evaluator.LoadState, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		catalog:  catalog,
		load:     load,
		timeout:  DefaultTimeout,
		backoff:  retry.DefaultPolicy(DefaultMaxRetries + 1),
		clock:    time.Now,
		sleep:    sleepContext,
		logger:   slog.Default().With("component", "executor"),
		inflight: make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.store == nil {
		d.store = store.NewMemoryExecutionStore()
	}
	if d.telemetry == nil {
		d.telemetry, _ = observability.New(context.Background(), &observability.Config{})
	}
	return d
}

// Dispatch runs decision to completion and returns the final result. If ctx
// ends first, the current snapshot is returned and the execution continues.
// Failure is reported through the result status, never as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, decision contracts.RoutingDecision, req contracts.ExecutionRequest, ownerID string) *contracts.ExecutionResult {
	ex, _ := d.start(ctx, decision, req, ownerID)
	select {
	case <-ex.done:
	case <-ctx.Done():
	}
	return ex.snapshot()
}

// Submit starts decision in the background and returns the pending result.
func (d *Dispatcher) Submit(ctx context.Context, decision contracts.RoutingDecision, req contracts.ExecutionRequest, ownerID string) *contracts.ExecutionResult {
	_, pending := d.start(ctx, decision, req, ownerID)
	return pending
}

// Get returns an in-flight execution from memory, otherwise from the history store.
func (d *Dispatcher) Get(ctx context.Context, id string) (*contracts.ExecutionResult, error) {
	d.mu.RLock()
	ex, ok := d.inflight[id]
	d.mu.RUnlock()
	if ok {
		return ex.snapshot(), nil
	}
	r, err := d.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errorir.New(errorir.KindNotFound, "execution not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	return r, nil
}

// Drain waits for every running execution to settle.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight is the number of executions not yet settled.
func (d *Dispatcher) InFlight() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.inflight)
}

// start persists the pending record and launches the run. The returned
// snapshot is taken before the run goroutine exists.
func (d *Dispatcher) start(ctx context.Context, decision contracts.RoutingDecision, req contracts.ExecutionRequest, ownerID string) (*execution, *contracts.ExecutionResult) {
	now := d.clock().UTC()
	ex := &execution{
		req:  req,
		done: make(chan struct{}),
		result: contracts.ExecutionResult{
			ExecutionID: uuid.NewString(),
			OwnerID:     ownerID,
			Status:      contracts.StatusPending,
			Engine:      decision.Engine,
			Decision:    decision,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}

	d.mu.Lock()
	d.inflight[ex.result.ExecutionID] = ex
	d.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	if err := d.store.Create(runCtx, &ex.result); err != nil {
		d.logger.ErrorContext(ctx, "persist pending execution failed",
			"execution_id", ex.result.ExecutionID, "error", err)
	}
	d.announce(runCtx, &ex.result, "")
	pending := ex.result

	d.wg.Add(1)
	go d.run(runCtx, ex)
	return ex, &pending
}

// run owns ex until it reaches a terminal status.
func (d *Dispatcher) run(parent context.Context, ex *execution) {
	defer d.wg.Done()
	defer close(ex.done)

	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			d.logger.ErrorContext(ctx, "engine panicked", "execution_id", ex.result.ExecutionID, "panic", rec)
			d.finish(parent, ex, contracts.StatusFailed, nil, errorir.KindEngineFailure, "engine failed unexpectedly")
		}
		d.settle(ex)
	}()

	eng, ok := d.catalog.Get(ex.result.Engine)
	if !ok {
		d.finish(parent, ex, contracts.StatusFailed, nil, errorir.KindEngineFailure,
			fmt.Sprintf("engine %q is not configured", ex.result.Engine))
		return
	}

	if err := d.transition(parent, ex, contracts.StatusRunning, func(r *contracts.ExecutionResult) {
		ex.started = r.UpdatedAt
	}); err != nil {
		d.logger.ErrorContext(ctx, "execution could not start", "execution_id", ex.result.ExecutionID, "error", err)
		return
	}

	ctx, done := d.telemetry.TrackOperation(ctx, "dispatch.execute", observability.PhaseOperation("execute")...)
	est := eng.Estimate(ex.req)
	outcome, spent, err := d.attempts(ctx, ex, eng)
	done(err)

	// An expired deadline wins over a result that arrived with it.
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		d.finish(parent, ex, contracts.StatusTimedOut, usageOnly(spent), errorir.KindTimeout,
			fmt.Sprintf("execution exceeded the %s timeout", d.timeout))
	case err == nil:
		d.observe(eng.ID(), est, outcome)
		total := *outcome
		total.TokensUsed += spent.TokensUsed
		total.CostUSD += spent.CostUSD
		total.Calls += spent.Calls
		d.finish(parent, ex, contracts.StatusSucceeded, &total, "", "")
	default:
		d.finish(parent, ex, contracts.StatusFailed, usageOnly(spent), errorir.KindEngineFailure, failureReason(err))
	}
}

// usageOnly carries the spend of a run that produced no result.
func usageOnly(spent engine.Outcome) *engine.Outcome {
	if spent.Calls == 0 && spent.TokensUsed == 0 && spent.CostUSD == 0 {
		return nil
	}
	return &engine.Outcome{TokensUsed: spent.TokensUsed, CostUSD: spent.CostUSD, Calls: spent.Calls}
}

// attempts runs eng on the retry schedule. Only retryable engine errors are
// retried. spent sums the usage failed attempts reported.
func (d *Dispatcher) attempts(ctx context.Context, ex *execution, eng engine.Engine) (*engine.Outcome, engine.Outcome, error) {
	params := retry.BackoffParams{ExecutionID: ex.result.ExecutionID, Engine: string(eng.ID())}
	var (
		spent   engine.Outcome
		lastErr error
	)
	for _, a := range retry.Schedule(params, d.backoff) {
		if a.Delay > 0 {
			if err := d.sleep(ctx, a.Delay); err != nil {
				return nil, spent, err
			}
		}
		ex.mu.Lock()
		ex.result.Attempts = a.Index + 1
		ex.mu.Unlock()

		outcome, err := d.attempt(ctx, eng, ex.req, a.Index)
		if err == nil && outcome == nil {
			err = &engine.Error{Engine: eng.ID(), Reason: "engine returned no outcome"}
		}
		if err == nil {
			return outcome, spent, nil
		}
		partial := engine.SpentBy(err)
		spent.TokensUsed += partial.TokensUsed
		spent.CostUSD += partial.CostUSD
		spent.Calls += partial.Calls
		lastErr = err
		if ctx.Err() != nil || !engine.IsRetryable(err) {
			break
		}
		d.logger.WarnContext(ctx, "retryable engine failure",
			"execution_id", ex.result.ExecutionID, "engine", eng.ID(), "attempt", a.Index+1, "error", err)
	}
	return nil, spent, lastErr
}

// attempt wraps one engine call in the load counter. The decrement runs on
// every exit path, panics included.
func (d *Dispatcher) attempt(ctx context.Context, eng engine.Engine, req contracts.ExecutionRequest, index int) (*engine.Outcome, error) {
	id := eng.ID()
	if _, err := d.load.Increment(ctx, id); err != nil {
		d.logger.WarnContext(ctx, "load increment failed", "engine", id, "error", err)
	} else {
		defer func() {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
			defer cancel()
			if _, err := d.load.Decrement(dctx, id); err != nil {
				d.logger.ErrorContext(ctx, "load decrement failed", "engine", id, "error", err)
			}
		}()
	}
	observability.AddSpanEvent(ctx, "engine.attempt", observability.EngineOperation(string(id), index)...)
	return d.call(ctx, eng, req)
}

type runResult struct {
	outcome *engine.Outcome
	err     error
}

// call bounds eng.Run by ctx even when the engine ignores it. A run that
// outlives the deadline finishes into the buffered channel and is discarded.
func (d *Dispatcher) call(ctx context.Context, eng engine.Engine, req contracts.ExecutionRequest) (*engine.Outcome, error) {
	results := make(chan runResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.ErrorContext(ctx, "engine panicked", "engine", eng.ID(), "panic", rec)
				results <- runResult{err: &enginePanic{engine: eng.ID(), value: rec}}
			}
		}()
		o, err := eng.Run(ctx, req)
		results <- runResult{outcome: o, err: err}
	}()

	select {
	case r := <-results:
		return r.outcome, r.err
	case <-ctx.Done():
		// A cooperative engine may already have reported its partial spend.
		select {
		case r := <-results:
			if r.err != nil {
				return nil, r.err
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// enginePanic is a recovered panic from an engine goroutine.
type enginePanic struct {
	engine contracts.EngineID
	value  any
}

func (p *enginePanic) Error() string {
	return fmt.Sprintf("engine %s panicked: %v", p.engine, p.value)
}

func (d *Dispatcher) observe(id contracts.EngineID, est engine.Estimate, o *engine.Outcome) {
	if d.observer != nil && o != nil {
		d.observer.Observe(id, est, o.CostUSD, o.Elapsed)
	}
}

// failureReason keeps internal error text inside the process.
func failureReason(err error) string {
	var ee *engine.Error
	if errors.As(err, &ee) {
		return ee.Reason
	}
	var ep *enginePanic
	if errors.As(err, &ep) {
		return "engine failed unexpectedly"
	}
	if errors.Is(err, context.Canceled) {
		return "execution was cancelled"
	}
	return "engine failed"
}

func (d *Dispatcher) settle(ex *execution) {
	ex.mu.Lock()
	terminal := ex.result.Status.Terminal()
	id := ex.result.ExecutionID
	ex.mu.Unlock()
	if !terminal {
		return
	}
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}
