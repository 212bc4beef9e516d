// Package observability wires OpenTelemetry tracing and metrics for the
// dispatch service.
//
// Initialise once at startup and shut down on exit:
//
//	p, err := observability.New(ctx, cfg)
//	defer p.Shutdown(ctx)
//
// Wrap each pipeline phase:
//
//	ctx, done := p.TrackOperation(ctx, "dispatch.route", observability.PhaseOperation("route")...)
//	defer func() { done(err) }()
//
// A disabled provider (Enabled: false) is safe to use everywhere; spans and
// instruments fall back to the global no-op implementations.
package observability
