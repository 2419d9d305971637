package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer uses the global OTel tracer provider.
var tracer = otel.Tracer("eventpipe")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartFlushSpan starts a span around one sink flush.
	StartFlushSpan(ctx context.Context, sinkName string, events int) (context.Context, trace.Span)

	// StartQueuePassSpan starts a span around one durable queue pass.
	StartQueuePassSpan(ctx context.Context, queueName string, entries int) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)
}

type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// Configure the provider before calling this function:
//
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

func (m *otelSpanManager) StartFlushSpan(ctx context.Context, sinkName string, events int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventpipe.flush",
		trace.WithAttributes(
			attribute.String("sink.name", sinkName),
			attribute.Int("batch.size", events),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func (m *otelSpanManager) StartQueuePassSpan(ctx context.Context, queueName string, entries int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventpipe.queue.pass",
		trace.WithAttributes(
			attribute.String("queue.name", queueName),
			attribute.Int("queue.entries", entries),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
