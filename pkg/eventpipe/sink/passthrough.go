package sink

import (
	"context"
	"log/slog"
	"sync"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/config"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
)

// PassthroughSink stands in for a third-party SDK that is not configured
// in this build. Every call succeeds and is logged at debug level.
type PassthroughSink struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	calls  map[string]int
	userID string
}

// NewPassthroughSink creates a passthrough sink.
func NewPassthroughSink(name string, logger *slog.Logger) *PassthroughSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &PassthroughSink{
		name:   name,
		logger: logger,
		calls:  make(map[string]int),
	}
}

// NewPassthroughSinkFromProvider is the registry Factory for "passthrough".
func NewPassthroughSinkFromProvider(deps Deps, p config.Provider) (Sink, error) {
	return NewPassthroughSink(p.Name, deps.Logger), nil
}

// Name implements Sink.
func (s *PassthroughSink) Name() string { return s.name }

// Calls returns how many times op was invoked.
func (s *PassthroughSink) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// UserID returns the last identity set.
func (s *PassthroughSink) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *PassthroughSink) record(op string, attrs ...any) {
	s.mu.Lock()
	s.calls[op]++
	s.mu.Unlock()
	s.logger.Debug("passthrough "+op, append([]any{slog.String("sink", s.name)}, attrs...)...)
}

// Initialize implements Sink.
func (s *PassthroughSink) Initialize(context.Context) error {
	s.record("initialize")
	return nil
}

// Track implements Sink.
func (s *PassthroughSink) Track(_ context.Context, e event.Event) error {
	s.record("track", slog.String("event", e.Name))
	return nil
}

// TrackScreen implements Sink.
func (s *PassthroughSink) TrackScreen(_ context.Context, e event.Event) error {
	s.record("track_screen", slog.String("event", e.Name))
	return nil
}

// SetUserID implements Sink.
func (s *PassthroughSink) SetUserID(_ context.Context, userID string) error {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
	s.record("set_user_id")
	return nil
}

// SetUserProperties implements Sink.
func (s *PassthroughSink) SetUserProperties(_ context.Context, props event.Properties) error {
	s.record("set_user_properties", slog.Int("properties", len(props)))
	return nil
}

// TrackPurchase implements Sink.
func (s *PassthroughSink) TrackPurchase(_ context.Context, p event.Purchase, _ event.Event) error {
	s.record("track_purchase", slog.String("transaction_id", p.TransactionID))
	return nil
}

// TrackError implements Sink.
func (s *PassthroughSink) TrackError(_ context.Context, e event.Event) error {
	s.record("track_error", slog.String("event", e.Name))
	return nil
}

// Flush implements Sink.
func (s *PassthroughSink) Flush(context.Context) error {
	s.record("flush")
	return nil
}

// Close implements Sink.
func (s *PassthroughSink) Close(context.Context) error {
	s.record("close")
	return nil
}
