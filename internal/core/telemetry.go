package core

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// telemetry bundles the tracer/meter instruments the core emits. Following
// the teacher's sparse-but-real otel usage (internal/hooks/hooks_otel.go),
// the default TracerProvider/MeterProvider are the SDK's no-op
// implementations, so embedding costs nothing until a host wires real
// exporters (see internal/core/telemetry_test.go for a stdout-exporter
// smoke test of the wiring).
type telemetry struct {
	tracer trace.Tracer

	commands  metric.Int64Counter
	evictions metric.Int64Counter
	sweeps    metric.Int64Counter
	wakeups   metric.Int64Counter
}

func newTelemetry() *telemetry {
	tracer := otel.Tracer("github.com/velakv/vela")
	meter := otel.Meter("github.com/velakv/vela")

	t := &telemetry{tracer: tracer}
	t.commands, _ = meter.Int64Counter("vela.commands",
		metric.WithDescription("typed-engine operations executed"))
	t.evictions, _ = meter.Int64Counter("vela.evictions",
		metric.WithDescription("keys removed by the eviction controller"))
	t.sweeps, _ = meter.Int64Counter("vela.autovacuum.sweeps",
		metric.WithDescription("autovacuum sweeps that actually ran (won the CAS)"))
	t.wakeups, _ = meter.Int64Counter("vela.waiters.wakeups",
		metric.WithDescription("blocking-waiter wakeups delivered"))
	return t
}

// sessionIDKey is the context key a Session's correlation ID travels under
// from engine.Engine.withHandle down to withHandleSpan, so spans can be
// grouped by session without threading an extra parameter through every
// typed-engine call site.
type sessionIDKey struct{}

// WithSessionID attaches a session correlation ID to ctx for span tagging.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

func sessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey{}).(string)
	return id, ok && id != ""
}

// withHandleSpan wraps fn in a span named for the operation, recording an
// error event if fn returns one. Used around every serialized-handle
// acquisition (spec §4.1).
func (t *telemetry) withHandleSpan(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := t.tracer.Start(ctx, "vela."+op)
	defer span.End()
	attrs := []attribute.KeyValue{attribute.String("op", op)}
	if sid, ok := sessionIDFromContext(ctx); ok {
		span.SetAttributes(attribute.String("session_id", sid))
		attrs = append(attrs, attribute.String("session_id", sid))
	}
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	}
	t.commands.Add(ctx, 1, metric.WithAttributes(attrs...))
	return err
}
