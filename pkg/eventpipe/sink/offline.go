package sink

import (
	"context"
	"errors"
	"log/slog"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/config"
	eperrors "github.com/randalmurphal/eventpipe/pkg/eventpipe/errors"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/queue"
)

// QueueConfig derives the offline queue configuration for a sink.
func QueueConfig(name string, s config.Settings) queue.Config {
	s = s.WithDefaults()
	return queue.Config{
		Name:            name,
		MaxSize:         s.MaxQueueSize,
		MaxRetries:      s.MaxRetries,
		RetryDelay:      s.RetryDelay(),
		ProcessInterval: s.ProcessInterval(),
	}
}

// NewOfflineQueue builds a DurableQueue whose deliveries re-invoke
// inner.Track with the original event.
func NewOfflineQueue(inner Sink, deps Deps) *queue.DurableQueue {
	deps = deps.WithDefaults()
	deliver := queue.DeliverFunc(func(ctx context.Context, qe event.QueuedEvent) error {
		return inner.Track(ctx, qe.Event)
	})
	return queue.New(QueueConfig(inner.Name(), deps.Settings), deps.Store, deliver,
		queue.WithObserver(deps.Observer),
		queue.WithLogger(deps.Logger),
		queue.WithMetrics(deps.Metrics),
		queue.WithSpans(deps.Spans),
		queue.WithClock(deps.Now),
	)
}

// OfflineSink decorates a Sink with a DurableQueue. Tracking calls that
// fail with a retryable error are enqueued instead of returned.
type OfflineSink struct {
	Sink
	queue  *queue.DurableQueue
	logger *slog.Logger
}

// WithOfflineQueue wraps inner so its synchronous failures go to q.
func WithOfflineQueue(inner Sink, q *queue.DurableQueue, logger *slog.Logger) *OfflineSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &OfflineSink{Sink: inner, queue: q, logger: logger}
}

// Unwrap returns the decorated sink.
func (s *OfflineSink) Unwrap() Sink { return s.Sink }

// Queue returns the offline queue.
func (s *OfflineSink) Queue() *queue.DurableQueue { return s.queue }

// Initialize initializes the inner sink and starts the queue. The queue is
// started even when the inner sink fails, so events are kept until it
// recovers.
func (s *OfflineSink) Initialize(ctx context.Context) error {
	innerErr := s.Sink.Initialize(ctx)
	if err := s.queue.Start(ctx); err != nil {
		return errors.Join(innerErr, err)
	}
	return innerErr
}

func (s *OfflineSink) fallback(ctx context.Context, e event.Event, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrClosed) || !eperrors.IsRetryable(err) {
		return err
	}
	qerr := s.queue.Enqueue(ctx, e)
	switch {
	case errors.Is(qerr, queue.ErrStopped), errors.Is(qerr, context.Canceled), errors.Is(qerr, context.DeadlineExceeded):
		return err
	case qerr != nil:
		// The entry is held in memory; only persisting it failed.
		s.logger.Warn("offline queue persist failed",
			slog.String("sink", s.Name()),
			slog.String("event", e.Name),
			slog.Any("error", qerr),
		)
		return nil
	}
	s.logger.Debug("event queued for retry",
		slog.String("sink", s.Name()),
		slog.String("event", e.Name),
		slog.Any("cause", err),
	)
	return nil
}

// Track implements Sink.
func (s *OfflineSink) Track(ctx context.Context, e event.Event) error {
	return s.fallback(ctx, e, s.Sink.Track(ctx, e))
}

// TrackScreen implements Sink.
func (s *OfflineSink) TrackScreen(ctx context.Context, e event.Event) error {
	return s.fallback(ctx, e, s.Sink.TrackScreen(ctx, e))
}

// TrackError implements Sink.
func (s *OfflineSink) TrackError(ctx context.Context, e event.Event) error {
	return s.fallback(ctx, e, s.Sink.TrackError(ctx, e))
}

// Flush flushes the inner sink and then runs one queue pass.
func (s *OfflineSink) Flush(ctx context.Context) error {
	err := s.Sink.Flush(ctx)
	if qerr := s.queue.Process(ctx); qerr != nil &&
		!errors.Is(qerr, queue.ErrOffline) && !errors.Is(qerr, queue.ErrStopped) {
		err = errors.Join(err, qerr)
	}
	return err
}

// Purge discards queued events and anything the inner sink persisted.
func (s *OfflineSink) Purge(ctx context.Context) error {
	err := s.queue.Purge(ctx)
	if p, ok := s.Sink.(Purger); ok {
		err = errors.Join(err, p.Purge(ctx))
	}
	return err
}

// Close stops the queue, leaving undelivered entries persisted, and closes
// the inner sink.
func (s *OfflineSink) Close(ctx context.Context) error {
	s.queue.Stop()
	return s.Sink.Close(ctx)
}
