package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records pipeline metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordTracked records an event accepted by the dispatcher.
	RecordTracked(ctx context.Context, kind string)

	// RecordSuppressed records a tracking call that was not forwarded
	// (consent, disabled, empty name).
	RecordSuppressed(ctx context.Context, reason string)

	// RecordValidation records validation findings for one event.
	RecordValidation(ctx context.Context, errors, warnings int)

	// RecordDelivery records one network send of a batch.
	RecordDelivery(ctx context.Context, sink string, events int, duration time.Duration, err error)

	// RecordDropped records events permanently discarded.
	RecordDropped(ctx context.Context, owner string, events int, reason string)

	// RecordQueueDepth records the pending size of a queue or buffer.
	RecordQueueDepth(ctx context.Context, owner string, depth int)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	tracked          metric.Int64Counter
	suppressed       metric.Int64Counter
	validationIssues metric.Int64Counter
	delivered        metric.Int64Counter
	failed           metric.Int64Counter
	dropped          metric.Int64Counter
	flushLatency     metric.Float64Histogram
	queueDepth       metric.Int64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.Meter("eventpipe"))
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	m := &otelMetrics{}
	var err error

	if m.tracked, err = meter.Int64Counter("eventpipe.events.tracked",
		metric.WithDescription("Events accepted by the dispatcher"),
	); err != nil {
		return nil, err
	}
	if m.suppressed, err = meter.Int64Counter("eventpipe.events.suppressed",
		metric.WithDescription("Tracking calls not forwarded to any sink"),
	); err != nil {
		return nil, err
	}
	if m.validationIssues, err = meter.Int64Counter("eventpipe.events.validation_issues",
		metric.WithDescription("Validation errors and warnings"),
	); err != nil {
		return nil, err
	}
	if m.delivered, err = meter.Int64Counter("eventpipe.events.delivered",
		metric.WithDescription("Events acknowledged by a collector"),
	); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("eventpipe.events.failed",
		metric.WithDescription("Events in failed delivery attempts"),
	); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("eventpipe.events.dropped",
		metric.WithDescription("Events permanently discarded"),
	); err != nil {
		return nil, err
	}
	if m.flushLatency, err = meter.Float64Histogram("eventpipe.flush.latency_ms",
		metric.WithDescription("Network send latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.queueDepth, err = meter.Int64Histogram("eventpipe.queue.depth",
		metric.WithDescription("Pending events observed in a queue or buffer"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// NewMetricsRecorderWithMeter returns a recorder bound to the given meter
// rather than the global provider.
func NewMetricsRecorderWithMeter(meter metric.Meter) (MetricsRecorder, error) {
	m, err := newOtelMetrics(meter)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *otelMetrics) RecordTracked(ctx context.Context, kind string) {
	m.tracked.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *otelMetrics) RecordSuppressed(ctx context.Context, reason string) {
	m.suppressed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *otelMetrics) RecordValidation(ctx context.Context, errors, warnings int) {
	if errors > 0 {
		m.validationIssues.Add(ctx, int64(errors), metric.WithAttributes(attribute.String("severity", "error")))
	}
	if warnings > 0 {
		m.validationIssues.Add(ctx, int64(warnings), metric.WithAttributes(attribute.String("severity", "warning")))
	}
}

func (m *otelMetrics) RecordDelivery(ctx context.Context, sink string, events int, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("sink", sink))
	m.flushLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.failed.Add(ctx, int64(events), attrs)
		return
	}
	m.delivered.Add(ctx, int64(events), attrs)
}

func (m *otelMetrics) RecordDropped(ctx context.Context, owner string, events int, reason string) {
	m.dropped.Add(ctx, int64(events), metric.WithAttributes(
		attribute.String("owner", owner),
		attribute.String("reason", reason),
	))
}

func (m *otelMetrics) RecordQueueDepth(ctx context.Context, owner string, depth int) {
	m.queueDepth.Record(ctx, int64(depth), metric.WithAttributes(attribute.String("owner", owner)))
}
