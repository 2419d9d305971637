package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordTracked(context.Context, string)                              {}
func (NoopMetrics) RecordSuppressed(context.Context, string)                           {}
func (NoopMetrics) RecordValidation(context.Context, int, int)                         {}
func (NoopMetrics) RecordDelivery(context.Context, string, int, time.Duration, error) {}
func (NoopMetrics) RecordDropped(context.Context, string, int, string)                 {}
func (NoopMetrics) RecordQueueDepth(context.Context, string, int)                      {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartFlushSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartFlushSpan(ctx context.Context, _ string, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartQueuePassSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartQueuePassSpan(ctx context.Context, _ string, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}
