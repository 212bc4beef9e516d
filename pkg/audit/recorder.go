// Package audit appends every authorization decision and execution
// transition to the hash-chained audit log. Recording never blocks or aborts
// the request path: failures flip a degraded signal instead.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/store"
)

// DefaultTimeout bounds one append.
const DefaultTimeout = 2 * time.Second

// Recorder writes audit entries to a store.AuditLog and mirrors each one as
// an "AUDIT: {json}" line.
type Recorder struct {
	log     store.AuditLog
	timeout time.Duration
	clock   func() time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	mirror io.Writer

	degraded  atomic.Bool
	lastError atomic.Value // string

	appended metric.Int64Counter
	failures metric.Int64Counter
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithMirror sets the writer for AUDIT lines; nil disables mirroring.
func WithMirror(w io.Writer) Option {
	return func(r *Recorder) { r.mirror = w }
}

func WithTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock overrides clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(r *Recorder) { r.clock = clock }
}

func NewRecorder(log store.AuditLog, opts ...Option) *Recorder {
	r := &Recorder{
		log:     log,
		timeout: DefaultTimeout,
		clock:   time.Now,
		mirror:  os.Stdout,
		logger:  slog.Default().With("component", "audit"),
	}
	for _, opt := range opts {
		opt(r)
	}

	meter := otel.Meter("helm-dispatch/audit")
	r.appended, _ = meter.Int64Counter("audit.entries",
		metric.WithDescription("Audit entries appended"))
	r.failures, _ = meter.Int64Counter("audit.failures",
		metric.WithDescription("Audit appends that failed"))
	return r
}

// Record appends entry. The caller's cancellation does not abort the append;
// only the recorder's own timeout does. The returned error is informational.
func (r *Recorder) Record(ctx context.Context, entry contracts.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.clock().UTC()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	var err error
	if r.log == nil {
		err = errNoLog
	} else {
		err = r.log.Append(ctx, &entry)
	}
	attrs := metric.WithAttributes(attribute.String("action", entry.Action))
	if err != nil {
		r.failures.Add(ctx, 1, attrs)
		r.lastError.Store(err.Error())
		if !r.degraded.Swap(true) {
			r.logger.Error("audit log unavailable, entering degraded mode", "error", err)
		} else {
			r.logger.Warn("audit append failed", "action", entry.Action, "ref", entry.Ref, "error", err)
		}
	} else {
		r.appended.Add(ctx, 1, attrs)
		if r.degraded.Swap(false) {
			r.logger.Info("audit log recovered")
		}
	}

	r.writeMirror(entry)
	return err
}

func (r *Recorder) writeMirror(entry contracts.AuditEntry) {
	if r.mirror == nil {
		return
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = r.mirror.Write(append(append([]byte("AUDIT: "), b...), '\n'))
}

// Degraded reports whether the most recent append failed.
func (r *Recorder) Degraded() bool { return r.degraded.Load() }

// LastError is the message of the most recent failure, if any.
func (r *Recorder) LastError() string {
	s, _ := r.lastError.Load().(string)
	return s
}

// Ping checks the underlying log.
func (r *Recorder) Ping(ctx context.Context) error {
	if r.log == nil {
		return errNoLog
	}
	return r.log.Ping(ctx)
}

type auditError string

func (e auditError) Error() string { return string(e) }

const errNoLog = auditError("audit: log not configured")
