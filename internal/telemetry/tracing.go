package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/flitsinc/storyforge"

// Tracer returns the tracer from the global provider. Without an installed
// SDK provider spans are no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartInvocation starts a span for one agent invocation.
func StartInvocation(ctx context.Context, agent, runID string, depth int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "agent.invoke "+agent, trace.WithAttributes(
		attribute.String("agent.name", agent),
		attribute.String("agent.run_id", runID),
		attribute.Int("agent.depth", depth),
	))
}

// StartStage starts a span for one pipeline stage.
func StartStage(ctx context.Context, agent, stage string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "pipeline."+stage, trace.WithAttributes(
		attribute.String("agent.name", agent),
		attribute.String("pipeline.stage", stage),
	))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
