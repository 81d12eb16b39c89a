package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	storeTracerName  = "pokecode-store"
	runnerTracerName = "pokecode-runner"
)

func storeTracer() trace.Tracer  { return Tracer(storeTracerName) }
func runnerTracer() trace.Tracer { return Tracer(runnerTracerName) }

// TraceStoreTx creates a span around one database transaction.
func TraceStoreTx(ctx context.Context, op string) (context.Context, trace.Span) {
	ctx, span := storeTracer().Start(ctx, "store."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, span
}

// EndSpan records err (if any) on span and ends it. Shared by every Trace*
// helper in this package so Store, Execute, and Abort spans all report
// failures the same way.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// EndStoreTx records the outcome of a transaction started with TraceStoreTx.
func EndStoreTx(span trace.Span, err error) {
	EndSpan(span, err)
}

// TraceRunnerExecute creates a span for one Agent Runner Execute call.
func TraceRunnerExecute(ctx context.Context, sessionID string, provider string) (context.Context, trace.Span) {
	ctx, span := runnerTracer().Start(ctx, "runner.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("provider", provider),
	)
	return ctx, span
}

// EndRunnerExecute records the outcome of a span started with
// TraceRunnerExecute.
func EndRunnerExecute(span trace.Span, err error) {
	EndSpan(span, err)
}

// EndRunnerAbort records the outcome of a span started with
// TraceRunnerAbort.
func EndRunnerAbort(span trace.Span, err error) {
	EndSpan(span, err)
}

// TraceRunnerAbort creates a span for one Agent Runner Abort call.
func TraceRunnerAbort(ctx context.Context, provider string) (context.Context, trace.Span) {
	ctx, span := runnerTracer().Start(ctx, "runner.abort",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("provider", provider))
	return ctx, span
}
