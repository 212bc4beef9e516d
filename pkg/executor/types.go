package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/artifacts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/budget"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/engine"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/metering"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/observability"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/store"
)

// Recorder receives one audit entry per transition. It must not block.
type Recorder interface {
	Record(ctx context.Context, entry contracts.AuditEntry) error
}

// Publisher fans transitions out to live subscribers.
type Publisher interface {
	Publish(t contracts.Transition)
}

// Observer is fed actual cost and latency after a successful run.
type Observer interface {
	Observe(id contracts.EngineID, est engine.Estimate, actualCostUSD float64, actualLatency time.Duration)
}

// Defaults applied when configuration leaves them unset.
const (
	DefaultTimeout    = 120 * time.Second
	DefaultMaxRetries = 2
	sideEffectTimeout = 5 * time.Second
)

type Option func(*Dispatcher)

func WithStore(s store.ExecutionStore) Option { return func(d *Dispatcher) { d.store = s } }
func WithLedger(l budget.Ledger) Option        { return func(d *Dispatcher) { d.ledger = l } }
func WithMeter(m metering.Meter) Option        { return func(d *Dispatcher) { d.meter = m } }
func WithArchive(a *artifacts.Archive) Option  { return func(d *Dispatcher) { d.archive = a } }
func WithRecorder(r Recorder) Option           { return func(d *Dispatcher) { d.recorder = r } }
func WithPublisher(p Publisher) Option         { return func(d *Dispatcher) { d.publisher = p } }
func WithObserver(o Observer) Option           { return func(d *Dispatcher) { d.observer = o } }

func WithTelemetry(p *observability.Provider) Option {
	return func(d *Dispatcher) { d.telemetry = p }
}

// WithTimeout bounds every execution, retries included.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithMaxRetries sets how many times a retryable engine failure is retried.
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.backoff.MaxAttempts = n + 1
		}
	}
}

func WithClock(clock func() time.Time) Option { return func(d *Dispatcher) { d.clock = clock } }

// WithSleep replaces the backoff wait; tests use it to skip real delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = sleep }
}

func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
