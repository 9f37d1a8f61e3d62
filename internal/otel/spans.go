package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for missiond spans.
var (
	AttrAccountID  = attribute.Key("missiond.account.id")
	AttrAgentID    = attribute.Key("missiond.agent.id")
	AttrTaskID     = attribute.Key("missiond.task.id")
	AttrSessionKey = attribute.Key("missiond.session.key")
	AttrGeneration = attribute.Key("missiond.session.generation")
	AttrWorkItemID = attribute.Key("missiond.work.id")
	AttrAttempt    = attribute.Key("missiond.work.attempt")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (agent delivery).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
