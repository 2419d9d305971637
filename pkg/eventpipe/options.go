package eventpipe

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/connectivity"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/observability"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/sink"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/storage"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/validate"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStore sets the durable key-value store.
// Default: an in-memory store, which does not survive restarts.
//
// Example:
//
//	store, err := storage.NewSQLiteStore("analytics.db")
//	d := eventpipe.New(eventpipe.WithStore(store))
func WithStore(s storage.Store) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.store = s
		}
	}
}

// WithLogger sets the structured logger.
// Default: slog.Default()
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics enables OpenTelemetry metrics.
// Default: disabled
//
// Example:
//
//	d := eventpipe.New(eventpipe.WithMetrics(true))
func WithMetrics(enabled bool) Option {
	return func(d *Dispatcher) {
		if enabled {
			d.metrics = observability.NewMetricsRecorder()
		} else {
			d.metrics = observability.NoopMetrics{}
		}
	}
}

// WithMetricsRecorder sets a specific metrics recorder.
func WithMetricsRecorder(m observability.MetricsRecorder) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithTracing enables OpenTelemetry spans around flushes and queue passes.
// Default: disabled
func WithTracing(enabled bool) Option {
	return func(d *Dispatcher) {
		if enabled {
			d.spans = observability.NewSpanManager()
		} else {
			d.spans = observability.NoopSpanManager{}
		}
	}
}

// WithObserver sets the connectivity observer.
// Default: always online
func WithObserver(o connectivity.Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

// WithTransport sets the transport used by HTTP sinks.
// Default: sink.NewHTTPTransport(nil)
func WithTransport(t sink.Transport) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.transport = t
		}
	}
}

// WithRegistry sets the sink registry providers are resolved against.
// Default: sink.DefaultRegistry()
func WithRegistry(r *sink.Registry) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.registry = r
		}
	}
}

// WithValidator sets the event validator.
// Default: validate.New()
func WithValidator(v *validate.Validator) Option {
	return func(d *Dispatcher) {
		if v != nil {
			d.validator = v
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithSink adds a pre-built sink, such as an adapter around a third-party
// SDK. It is used as given, without an offline queue.
func WithSink(s sink.Sink) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.extra = append(d.extra, s)
		}
	}
}
