package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Dispatch semantic convention attributes.
var (
	AttrPhase       = attribute.Key("helm.dispatch.phase")
	AttrEngine      = attribute.Key("helm.dispatch.engine")
	AttrTier        = attribute.Key("helm.dispatch.tier")
	AttrStatus      = attribute.Key("helm.dispatch.status")
	AttrPriority    = attribute.Key("helm.dispatch.priority")
	AttrExecutionID = attribute.Key("helm.dispatch.execution_id")
	AttrAttempt     = attribute.Key("helm.dispatch.attempt")
)

// PhaseOperation labels one pipeline phase.
func PhaseOperation(phase string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrPhase.String(phase)}
}

// EngineOperation labels one engine attempt. The execution id goes on the
// span only through AddSpanEvent to keep metric cardinality bounded.
func EngineOperation(engine string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPhase.String("execute"),
		AttrEngine.String(engine),
		AttrAttempt.Int(attempt),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the current span failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
