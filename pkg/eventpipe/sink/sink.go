// Package sink defines delivery targets for tracked events.
//
// A Sink is one collector: a custom HTTP endpoint, a NATS subject tree, or
// a third-party SDK. Sinks are built by name from a Registry so the set of
// targets is chosen by configuration.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/config"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/connectivity"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/observability"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/storage"
)

// Sentinel errors for sink operations.
var (
	// ErrUnknownProvider indicates no factory is registered for a provider type.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrClosed indicates the sink has been closed.
	ErrClosed = errors.New("sink closed")

	// ErrNotConnected indicates the sink has no live connection.
	ErrNotConnected = errors.New("sink not connected")
)

// Sink is one delivery target.
//
// Track and the other tracking calls must not block on the network for
// longer than a single bounded send. Implementations must be safe for
// concurrent use.
type Sink interface {
	// Name identifies the sink instance.
	Name() string

	// Initialize prepares the sink, restoring persisted state.
	Initialize(ctx context.Context) error

	// Track accepts one event.
	Track(ctx context.Context, e event.Event) error

	// TrackScreen accepts a screen_view event.
	TrackScreen(ctx context.Context, e event.Event) error

	// SetUserID updates the identity used by the sink.
	SetUserID(ctx context.Context, userID string) error

	// SetUserProperties updates user attributes used by the sink.
	SetUserProperties(ctx context.Context, props event.Properties) error

	// TrackPurchase calls the sink's dedicated purchase API. The generic
	// purchase event arrives separately through Track.
	TrackPurchase(ctx context.Context, p event.Purchase, e event.Event) error

	// TrackError accepts an error event. It is called regardless of consent.
	TrackError(ctx context.Context, e event.Event) error

	// Flush sends anything buffered.
	Flush(ctx context.Context) error

	// Close flushes and releases resources.
	Close(ctx context.Context) error
}

// Purger is implemented by sinks that persist analytics data and must
// delete it when consent is revoked.
type Purger interface {
	Purge(ctx context.Context) error
}

// BatchContext describes the session a batch was produced in.
type BatchContext struct {
	SessionID  string         `json:"session_id"`
	UserID     string         `json:"user_id,omitempty"`
	Platform   event.Platform `json:"platform"`
	AppVersion string         `json:"app_version"`
}

// Deps carries the collaborators a Factory may use.
type Deps struct {
	Store     storage.Store
	Transport Transport
	Observer  connectivity.Observer
	Logger    *slog.Logger
	Metrics   observability.MetricsRecorder
	Spans     observability.SpanManager
	Settings  config.Settings

	// Context returns the current session context for batch envelopes.
	Context func() BatchContext

	// Now returns the current time.
	Now func() time.Time
}

// WithDefaults fills nil collaborators with in-memory or no-op versions.
func (d Deps) WithDefaults() Deps {
	if d.Store == nil {
		d.Store = storage.NewMemoryStore()
	}
	if d.Transport == nil {
		d.Transport = NewHTTPTransport(nil)
	}
	if d.Observer == nil {
		d.Observer = connectivity.AlwaysOnline()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = observability.NoopMetrics{}
	}
	if d.Spans == nil {
		d.Spans = observability.NoopSpanManager{}
	}
	if d.Context == nil {
		d.Context = func() BatchContext { return BatchContext{} }
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	d.Settings = d.Settings.WithDefaults()
	return d
}

// SinkError wraps a failure with the sink and operation it came from.
type SinkError struct {
	Sink string
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %s: %v", e.Sink, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *SinkError) Unwrap() error {
	return e.Err
}

func wrapErr(sinkName, op string, err error) error {
	if err == nil {
		return nil
	}
	return &SinkError{Sink: sinkName, Op: op, Err: err}
}
