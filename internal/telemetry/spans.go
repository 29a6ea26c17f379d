package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by coordinator spans.
var (
	AttrTaskID     = attribute.Key("taskhub.task.id")
	AttrSessionID  = attribute.Key("taskhub.session.id")
	AttrRunID      = attribute.Key("taskhub.run.id")
	AttrMode       = attribute.Key("taskhub.mode")
	AttrOutcome    = attribute.Key("taskhub.outcome")
	AttrApprovalID = attribute.Key("taskhub.approval.id")
	AttrResolution = attribute.Key("taskhub.approval.resolution")
	AttrWorkerPID  = attribute.Key("taskhub.worker.pid")
)

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound client request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer {
	return NoopProvider().Tracer
}
