package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TraceContext holds trace and span identifiers for log correlation.
type TraceContext struct {
	TraceID string
	SpanID  string
	Sampled bool
}

// GetTraceContext extracts OpenTelemetry trace context from the context.
// Returns empty strings if no valid trace context exists.
func GetTraceContext(ctx context.Context) TraceContext {
	if ctx == nil {
		return TraceContext{}
	}

	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceContext{}
	}

	return TraceContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Sampled: sc.IsSampled(),
	}
}

// StartSpan starts a span on the global tracer provider.
//
//	ctx, span := telemetry.StartSpan(ctx, "orchestrator.reflect",
//	    attribute.Int("attempt", n))
//	defer span.End()
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// AddSpanEvent adds a named event to the current span.
// Safe to call even when no span exists in the context.
//
//	telemetry.AddSpanEvent(ctx, "plan_fallback",
//	    attribute.String("reason", "unparseable_json"),
//	)
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordSpanError records err on the current span and marks it failed.
func RecordSpanError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err, trace.WithStackTrace(true))
	span.SetStatus(codes.Error, err.Error())
}
