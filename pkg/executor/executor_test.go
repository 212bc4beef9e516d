package executor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/artifacts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/audit"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/budget"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/engine"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/evaluator"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel/retry"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/metering"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/store"
)

type fakeEngine struct {
	id    contracts.EngineID
	calls atomic.Int32
	run   func(ctx context.Context, call int) (*engine.Outcome, error)
}

func (f *fakeEngine) ID() contracts.EngineID { return f.id }

func (f *fakeEngine) Kind() contracts.EngineKind {
	k, _ := engine.KindOf(f.id)
	return k
}

func (f *fakeEngine) Estimate(contracts.ExecutionRequest) engine.Estimate {
	return engine.Estimate{CostUSD: 0.01, Latency: time.Second, Tokens: 100}
}

func (f *fakeEngine) Run(ctx context.Context, _ contracts.ExecutionRequest) (*engine.Outcome, error) {
	return f.run(ctx, int(f.calls.Add(1)))
}

func succeed(context.Context, int) (*engine.Outcome, error) {
	return &engine.Outcome{Output: "done", TokensUsed: 120, CostUSD: 0.02, Calls: 1, Elapsed: 2 * time.Second}, nil
}

func failHard(context.Context, int) (*engine.Outcome, error) {
	return nil, &engine.Error{Engine: contracts.EngineTeam, Reason: "backend output was truncated"}
}

func block(ctx context.Context, _ int) (*engine.Outcome, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type transitions struct {
	mu     sync.Mutex
	events []contracts.Transition
}

func (p *transitions) Publish(t contracts.Transition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, t)
}

func (p *transitions) forExecution(id string) []contracts.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []contracts.Status
	for _, e := range p.events {
		if e.ExecutionID == id {
			out = append(out, e.To)
		}
	}
	return out
}

type observations struct {
	mu    sync.Mutex
	costs []float64
}

func (o *observations) Observe(_ contracts.EngineID, _ engine.Estimate, cost float64, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.costs = append(o.costs, cost)
}

type harness struct {
	d        *Dispatcher
	load     *evaluator.MemoryLoadState
	store    *store.MemoryExecutionStore
	ledger   *budget.MemoryLedger
	meter    *metering.MemoryMeter
	auditLog *store.MemoryAuditLog
	archive  *artifacts.Archive
	pub      *transitions
	obs      *observations
	delays   []time.Duration
	delaysMu sync.Mutex
}

func newHarness(t *testing.T, engines []engine.Engine, opts ...Option) *harness {
	t.Helper()
	catalog := &engine.Catalog{}
	for _, e := range engines {
		catalog.Register(e, engine.Spec{Capacity: 1000})
	}
	h := &harness{
		load:     evaluator.NewMemoryLoadState(),
		store:    store.NewMemoryExecutionStore(),
		ledger:   budget.NewMemoryLedger(),
		meter:    metering.NewMemoryMeter(),
		auditLog: store.NewMemoryAuditLog(),
		archive:  artifacts.NewArchive(artifacts.NewMemoryStore()),
		pub:      &transitions{},
		obs:      &observations{},
	}
	base := []Option{
		WithStore(h.store),
		WithLedger(h.ledger),
		WithMeter(h.meter),
		WithArchive(h.archive),
		WithRecorder(audit.NewRecorder(h.auditLog, audit.WithMirror(io.Discard))),
		WithPublisher(h.pub),
		WithObserver(h.obs),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			h.delaysMu.Lock()
			h.delays = append(h.delays, d)
			h.delaysMu.Unlock()
			return ctx.Err()
		}),
	}
	h.d = New(catalog, h.load, append(base, opts...)...)
	return h
}

func decisionFor(id contracts.EngineID) contracts.RoutingDecision {
	return contracts.RoutingDecision{DecisionID: "d-" + string(id), Engine: id, Tier: contracts.TierFastPath, Fingerprint: "sha256:fp"}
}

var req = contracts.ExecutionRequest{TaskDescription: "Summarize the quarterly report", Priority: contracts.PriorityMedium}

func TestDispatch_Succeeds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []engine.Engine{&fakeEngine{id: contracts.EngineDirect, run: succeed}})

	r := h.d.Dispatch(ctx, decisionFor(contracts.EngineDirect), req, "u-1")
	require.Equal(t, contracts.StatusSucceeded, r.Status)
	assert.Equal(t, "done", r.Result)
	assert.Equal(t, int64(120), r.TokensUsed)
	assert.InDelta(t, 0.02, r.CostUSD, 1e-9)
	assert.Equal(t, 1, r.Attempts)
	assert.Equal(t, "d-direct", r.Decision.DecisionID)
	assert.Empty(t, r.ErrorKind)
	assert.Regexp(t, `^sha256:`, r.ResultRef)

	assert.Equal(t, []contracts.Status{contracts.StatusPending, contracts.StatusRunning, contracts.StatusSucceeded},
		h.pub.forExecution(r.ExecutionID))

	stored, err := h.store.Get(ctx, r.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSucceeded, stored.Status)
	assert.Equal(t, r.ResultRef, stored.ResultRef)

	doc, err := h.archive.Load(ctx, r.ResultRef)
	require.NoError(t, err)
	assert.Equal(t, "done", doc.Output)

	total, err := h.ledger.EngineTotal(ctx, contracts.EngineDirect)
	require.NoError(t, err)
	assert.InDelta(t, 0.02, total, 1e-9)

	usage, err := h.meter.GetUsage(ctx, "u-1", metering.DailyPeriod(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Totals[metering.EventExecution])
	assert.Equal(t, int64(120), usage.Totals[metering.EventLLMToken])

	assert.Equal(t, []float64{0.02}, h.obs.costs)

	entries, err := h.auditLog.Query(ctx, store.AuditFilter{Ref: r.ExecutionID})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, contracts.ActionTransition, entries[2].Action)
	assert.Equal(t, "succeeded", entries[2].Metadata["to"])

	active, _ := h.load.Active(ctx, contracts.EngineDirect)
	assert.Zero(t, active)
	assert.Zero(t, h.d.InFlight())
}

func TestDispatch_RetriesRetryableFailures(t *testing.T) {
	flaky := &fakeEngine{id: contracts.EngineDialogue, run: func(ctx context.Context, call int) (*engine.Outcome, error) {
		if call < 3 {
			return nil, &engine.Error{Engine: contracts.EngineDialogue, Reason: "backend call failed", Retryable: true,
				Spent: engine.Outcome{TokensUsed: 50, CostUSD: 0.01, Calls: 1}}
		}
		return succeed(ctx, call)
	}}
	h := newHarness(t, []engine.Engine{flaky}, WithMaxRetries(2))

	r := h.d.Dispatch(context.Background(), decisionFor(contracts.EngineDialogue), req, "u-1")
	require.Equal(t, contracts.StatusSucceeded, r.Status)
	assert.Equal(t, 3, r.Attempts)
	// Failed attempts are paid for; only the successful one feeds estimates.
	assert.Equal(t, int64(220), r.TokensUsed)
	assert.InDelta(t, 0.04, r.CostUSD, 1e-12)
	assert.Equal(t, []float64{0.02}, h.obs.costs)

	plan := retry.Schedule(retry.BackoffParams{ExecutionID: r.ExecutionID, Engine: "dialogue"}, retry.DefaultPolicy(3))
	assert.Equal(t, []time.Duration{plan[1].Delay, plan[2].Delay}, h.delays)
}

func TestDispatch_RetriesExhausted(t *testing.T) {
	down := &fakeEngine{id: contracts.EngineDirect, run: func(context.Context, int) (*engine.Outcome, error) {
		return nil, &engine.Error{Engine: contracts.EngineDirect, Reason: "backend call failed", Retryable: true}
	}}
	h := newHarness(t, []engine.Engine{down}, WithMaxRetries(1))

	r := h.d.Dispatch(context.Background(), decisionFor(contracts.EngineDirect), req, "u-1")
	assert.Equal(t, contracts.StatusFailed, r.Status)
	assert.Equal(t, 2, r.Attempts)
	assert.Equal(t, int32(2), down.calls.Load())
	assert.Equal(t, string(errorir.KindEngineFailure), r.ErrorKind)
}

func TestDispatch_NonRetryableFailsImmediately(t *testing.T) {
	team := &fakeEngine{id: contracts.EngineTeam, run: failHard}
	h := newHarness(t, []engine.Engine{team})

	r := h.d.Dispatch(context.Background(), decisionFor(contracts.EngineTeam), req, "u-1")
	assert.Equal(t, contracts.StatusFailed, r.Status)
	assert.Equal(t, 1, r.Attempts)
	assert.Equal(t, "backend output was truncated", r.ErrorReason)
	assert.Empty(t, r.Result, "partial output is never reported")
	assert.Empty(t, h.delays)
	assert.Empty(t, h.obs.costs)

	total, _ := h.ledger.EngineTotal(context.Background(), contracts.EngineTeam)
	assert.Zero(t, total)
}

func TestDispatch_Timeout(t *testing.T) {
	slow := &fakeEngine{id: contracts.EngineDialogue, run: block}
	h := newHarness(t, []engine.Engine{slow}, WithTimeout(30*time.Millisecond))

	r := h.d.Dispatch(context.Background(), decisionFor(contracts.EngineDialogue), req, "u-1")
	assert.Equal(t, contracts.StatusTimedOut, r.Status)
	assert.Equal(t, string(errorir.KindTimeout), r.ErrorKind)

	active, _ := h.load.Active(context.Background(), contracts.EngineDialogue)
	assert.Zero(t, active)
}

func TestDispatch_TimeoutBoundsUncooperativeEngine(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stubborn := &fakeEngine{id: contracts.EngineDirect, run: func(ctx context.Context, call int) (*engine.Outcome, error) {
		<-release
		return succeed(ctx, call)
	}}
	h := newHarness(t, []engine.Engine{stubborn}, WithTimeout(50*time.Millisecond))

	started := time.Now()
	r := h.d.Dispatch(context.Background(), decisionFor(contracts.EngineDirect), req, "u-1")
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, contracts.StatusTimedOut, r.Status)
	assert.Equal(t, string(errorir.KindTimeout), r.ErrorKind)
	assert.Empty(t, r.Result)
	assert.Empty(t, h.obs.costs)

	active, _ := h.load.Active(context.Background(), contracts.EngineDirect)
	assert.Zero(t, active, "load released at the deadline, not when the engine returns")
	assert.Zero(t, h.d.InFlight())
}

func TestDispatch_FailedRunChargesSpend(t *testing.T) {
	ctx := context.Background()
	team := &fakeEngine{id: contracts.EngineTeam, run: func(context.Context, int) (*engine.Outcome, error) {
		return nil, &engine.Error{Engine: contracts.EngineTeam, Reason: "verifier rejected the revised deliverable",
			Spent: engine.Outcome{TokensUsed: 300, CostUSD: 0.03, Calls: 5}}
	}}
	h := newHarness(t, []engine.Engine{team})

	r := h.d.Dispatch(ctx, decisionFor(contracts.EngineTeam), req, "u-1")
	require.Equal(t, contracts.StatusFailed, r.Status)
	assert.Empty(t, r.Result)
	assert.Equal(t, "verifier rejected the revised deliverable", r.ErrorReason)
	assert.Equal(t, int64(300), r.TokensUsed)
	assert.InDelta(t, 0.03, r.CostUSD, 1e-12)
	assert.Empty(t, h.obs.costs)

	total, err := h.ledger.EngineTotal(ctx, contracts.EngineTeam)
	require.NoError(t, err)
	assert.InDelta(t, 0.03, total, 1e-12)
}

func TestDispatch_PanicFailsAndReleasesLoad(t *testing.T) {
	bad := &fakeEngine{id: contracts.EngineDirect, run: func(context.Context, int) (*engine.Outcome, error) {
		panic("boom")
	}}
	h := newHarness(t, []engine.Engine{bad})

	r := h.d.Dispatch(context.Background(), decisionFor(contracts.EngineDirect), req, "u-1")
	assert.Equal(t, contracts.StatusFailed, r.Status)
	assert.NotContains(t, r.ErrorReason, "boom")

	active, _ := h.load.Active(context.Background(), contracts.EngineDirect)
	assert.Zero(t, active)
}

func TestDispatch_UnknownEngineFailsFromPending(t *testing.T) {
	h := newHarness(t, nil)

	r := h.d.Dispatch(context.Background(), decisionFor(contracts.EngineTeam), req, "u-1")
	assert.Equal(t, contracts.StatusFailed, r.Status)
	assert.Equal(t, 0, r.Attempts)
	assert.Equal(t, []contracts.Status{contracts.StatusPending, contracts.StatusFailed}, h.pub.forExecution(r.ExecutionID))
}

func TestDispatch_SurvivesCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	e := &fakeEngine{id: contracts.EngineDirect, run: func(ctx context.Context, call int) (*engine.Outcome, error) {
		<-release
		return succeed(ctx, call)
	}}
	h := newHarness(t, []engine.Engine{e})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := h.d.Dispatch(ctx, decisionFor(contracts.EngineDirect), req, "u-1")
	assert.False(t, r.Status.Terminal())

	close(release)
	require.NoError(t, h.d.Drain(context.Background()))

	got, err := h.d.Get(context.Background(), r.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSucceeded, got.Status)
}

func TestSubmit_ReturnsPending(t *testing.T) {
	release := make(chan struct{})
	e := &fakeEngine{id: contracts.EngineDirect, run: func(ctx context.Context, call int) (*engine.Outcome, error) {
		<-release
		return succeed(ctx, call)
	}}
	h := newHarness(t, []engine.Engine{e})

	r := h.d.Submit(context.Background(), decisionFor(contracts.EngineDirect), req, "u-1")
	assert.Equal(t, contracts.StatusPending, r.Status)

	// In flight results come from memory.
	got, err := h.d.Get(context.Background(), r.ExecutionID)
	require.NoError(t, err)
	assert.False(t, got.Status.Terminal())
	assert.Equal(t, 1, h.d.InFlight())

	close(release)
	require.NoError(t, h.d.Drain(context.Background()))
	got, err = h.d.Get(context.Background(), r.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSucceeded, got.Status)
}

func TestGet_NotFound(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.d.Get(context.Background(), "missing")
	assert.Equal(t, errorir.KindNotFound, errorir.KindOf(err))
}

func TestFinish_ExactlyOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	now := time.Now().UTC()
	ex := &execution{done: make(chan struct{}), started: now, result: contracts.ExecutionResult{
		ExecutionID: "e-race", OwnerID: "u-1", Status: contracts.StatusRunning, Engine: contracts.EngineDirect,
		CreatedAt: now, UpdatedAt: now,
	}}
	require.NoError(t, h.store.Create(ctx, &ex.result))

	outcome := &engine.Outcome{Output: "x", CostUSD: 0.01, TokensUsed: 10, Calls: 1}
	statuses := []contracts.Status{contracts.StatusSucceeded, contracts.StatusFailed, contracts.StatusTimedOut}
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(to contracts.Status) {
			defer wg.Done()
			h.d.finish(ctx, ex, to, outcome, errorir.KindEngineFailure, "x")
		}(statuses[i%len(statuses)])
	}
	wg.Wait()

	terminal := h.pub.forExecution("e-race")
	require.Len(t, terminal, 1)
	assert.True(t, terminal[0].Terminal())

	// Accounting follows the single winner.
	total, _ := h.ledger.EngineTotal(ctx, contracts.EngineDirect)
	assert.InDelta(t, 0.01, total, 1e-9)

	// A terminal record never moves again.
	h.d.finish(ctx, ex, contracts.StatusFailed, nil, errorir.KindEngineFailure, "late")
	assert.Len(t, h.pub.forExecution("e-race"), 1)
}

func TestDispatch_LoadSettlesUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	engines := []engine.Engine{
		&fakeEngine{id: contracts.EngineDirect, run: succeed},
		&fakeEngine{id: contracts.EngineTeam, run: failHard},
		&fakeEngine{id: contracts.EngineDialogue, run: block},
	}
	h := newHarness(t, engines, WithTimeout(40*time.Millisecond))

	ids := []contracts.EngineID{contracts.EngineDirect, contracts.EngineTeam, contracts.EngineDialogue}
	want := map[contracts.EngineID]contracts.Status{
		contracts.EngineDirect:   contracts.StatusSucceeded,
		contracts.EngineTeam:     contracts.StatusFailed,
		contracts.EngineDialogue: contracts.StatusTimedOut,
	}

	const n = 60
	results := make([]*contracts.ExecutionResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("u-%d", i%4)
			results[i] = h.d.Dispatch(ctx, decisionFor(ids[i%len(ids)]), req, owner)
		}(i)
	}
	wg.Wait()
	require.NoError(t, h.d.Drain(ctx))

	for i, r := range results {
		assert.Equal(t, want[ids[i%len(ids)]], r.Status, "execution %d", i)
		history := h.pub.forExecution(r.ExecutionID)
		terminal := 0
		for _, s := range history {
			if s.Terminal() {
				terminal++
			}
		}
		assert.Equal(t, 1, terminal, "exactly one terminal transition for %s", r.ExecutionID)
	}
	for _, id := range ids {
		active, err := h.load.Active(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, active, "load for %s back to baseline", id)
	}
	assert.Zero(t, h.d.InFlight())
}
