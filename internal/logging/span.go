package logging

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/steveyegge/triage"

// SpanContext wraps an OTel span for managed lifecycle.
//
//	sc := logging.StartSpan(ctx, "pipeline.security")
//	defer sc.End()
//	ctx = sc.Context()
type SpanContext struct {
	ctx  context.Context
	span trace.Span
}

// StartSpan creates a child span of the current trace context
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) *SpanContext {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, opts...)
	return &SpanContext{ctx: ctx, span: span}
}

// Context returns the context with the span attached
func (sc *SpanContext) Context() context.Context {
	return sc.ctx
}

// SetAttributes annotates the span
func (sc *SpanContext) SetAttributes(kv ...attribute.KeyValue) {
	if sc.span != nil {
		sc.span.SetAttributes(kv...)
	}
}

// RecordError records err on the span and marks it failed
func (sc *SpanContext) RecordError(err error) {
	if sc.span != nil && err != nil {
		sc.span.RecordError(err)
		sc.span.SetStatus(codes.Error, err.Error())
	}
}

// End completes the span. Later calls are no-ops.
func (sc *SpanContext) End() {
	if sc.span != nil {
		sc.span.End()
	}
}
