// Package queue implements the durable offline queue that holds events a
// sink could not deliver synchronously.
//
// Each DurableQueue runs one worker goroutine that owns the queue state.
// Enqueue, process requests, timer ticks, connectivity changes and pass
// results all arrive as messages, so no state is shared with the goroutine
// that performs network sends and Enqueue never waits on the network.
//
// Ordering: entries are attempted in queue order within a pass. An entry
// that fails goes behind everything enqueued while its pass was running,
// so retried events can be overtaken by newer ones. Delivery is
// at-least-once; collectors de-duplicate on the event id.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/connectivity"
	eperrors "github.com/randalmurphal/eventpipe/pkg/eventpipe/errors"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/observability"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/storage"
)

// Deliverer sends one queued event.
type Deliverer interface {
	Deliver(ctx context.Context, qe event.QueuedEvent) error
}

// DeliverFunc adapts a function to Deliverer.
type DeliverFunc func(ctx context.Context, qe event.QueuedEvent) error

// Deliver implements Deliverer.
func (f DeliverFunc) Deliver(ctx context.Context, qe event.QueuedEvent) error {
	return f(ctx, qe)
}

// DurableQueue is a persisted FIFO of events awaiting delivery.
type DurableQueue struct {
	cfg      Config
	store    storage.Store
	deliver  Deliverer
	observer connectivity.Observer
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	now      func() time.Time

	enqueueCh chan enqueueReq
	processCh chan chan error
	connCh    chan bool
	resultCh  chan passResult
	ctrlCh    chan func(*state)

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	done        chan struct{}
	cancelSends context.CancelFunc
	unsubscribe func()
	passWG      sync.WaitGroup
}

// Option configures a DurableQueue.
type Option func(*DurableQueue)

// WithObserver sets the connectivity observer. Defaults to always online.
func WithObserver(o connectivity.Observer) Option {
	return func(q *DurableQueue) {
		if o != nil {
			q.observer = o
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *DurableQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(q *DurableQueue) {
		if m != nil {
			q.metrics = m
		}
	}
}

// WithSpans sets the span manager.
func WithSpans(s observability.SpanManager) Option {
	return func(q *DurableQueue) {
		if s != nil {
			q.spans = s
		}
	}
}

// WithClock sets the time source used for QueuedAtMs.
func WithClock(now func() time.Time) Option {
	return func(q *DurableQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// New creates a queue. Call Start before use.
func New(cfg Config, store storage.Store, deliver Deliverer, opts ...Option) *DurableQueue {
	q := &DurableQueue{
		cfg:       cfg.withDefaults(),
		store:     store,
		deliver:   deliver,
		observer:  connectivity.AlwaysOnline(),
		logger:    slog.Default(),
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
		now:       time.Now,
		enqueueCh: make(chan enqueueReq),
		processCh: make(chan chan error, 8),
		connCh:    make(chan bool, 8),
		resultCh:  make(chan passResult),
		ctrlCh:    make(chan func(*state)),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the queue name.
func (q *DurableQueue) Name() string { return q.cfg.Name }

// Key returns the storage key the queue persists under.
func (q *DurableQueue) Key() string { return storage.QueueKey(q.cfg.Name) }

type enqueueReq struct {
	qe    event.QueuedEvent
	reply chan error
}

type outcome struct {
	attempted bool
	err       error
}

type passResult struct {
	outcomes map[string]outcome
}

// state is owned by the worker goroutine.
type state struct {
	// inflight is the snapshot of the running pass, oldest first.
	inflight []event.QueuedEvent
	// pending holds entries not part of the running pass.
	pending    []event.QueuedEvent
	passing    bool
	waiters    []chan error
	retryTimer *time.Timer
}

func (s *state) len() int { return len(s.inflight) + len(s.pending) }

func (s *state) snapshot() []event.QueuedEvent {
	out := make([]event.QueuedEvent, 0, s.len())
	out = append(out, s.inflight...)
	return append(out, s.pending...)
}

// Start loads the persisted entries and starts the worker. If entries were
// loaded and the device is online, a first pass runs immediately.
func (q *DurableQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return nil
	}

	entries, err := q.load(ctx)
	if err != nil {
		observability.LogStorageError(q.logger, q.Key(), "load", err)
	}

	sendCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancelSends = cancel
	q.stopCh = make(chan struct{})
	q.done = make(chan struct{})
	q.running = true

	stopCh := q.stopCh
	q.unsubscribe = q.observer.OnChange(func(online bool) {
		select {
		case q.connCh <- online:
		case <-stopCh:
		default:
			// Buffer full; a tick or retry will pick up the change.
		}
	})

	st := &state{pending: entries}
	go q.run(sendCtx, st, q.stopCh, q.done)
	if len(entries) > 0 {
		q.trigger()
	}
	return nil
}

// Stop halts the worker and waits for an in-flight pass to return.
// Entries of an interrupted pass stay persisted and are retried after the
// next Start.
func (q *DurableQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.unsubscribe()
	q.cancelSends()
	close(q.stopCh)
	done := q.done
	q.mu.Unlock()

	<-done
	q.passWG.Wait()
}

// Enqueue wraps e with a zero retry count, appends it and persists the
// queue, evicting the oldest entries beyond MaxSize. A persistence error
// is returned but the entry stays queued in memory.
func (q *DurableQueue) Enqueue(ctx context.Context, e event.Event) error {
	stopCh, ok := q.stopChan()
	if !ok {
		return ErrStopped
	}
	req := enqueueReq{
		qe:    event.NewQueuedEvent(e, q.now().UnixMilli()),
		reply: make(chan error, 1),
	}
	select {
	case q.enqueueCh <- req:
	case <-stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process runs a pass and waits for it to finish. If a pass is already
// running, Process waits for that one. Returns ErrOffline when the pass
// was skipped.
func (q *DurableQueue) Process(ctx context.Context) error {
	stopCh, ok := q.stopChan()
	if !ok {
		return ErrStopped
	}
	done := make(chan error, 1)
	select {
	case q.processCh <- done:
	case <-stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued entries, including those in flight.
func (q *DurableQueue) Len() int {
	var n int
	if err := q.control(context.Background(), func(s *state) { n = s.len() }); err != nil {
		return 0
	}
	return n
}

// Snapshot returns the queued entries in persisted order.
func (q *DurableQueue) Snapshot(ctx context.Context) ([]event.QueuedEvent, error) {
	var out []event.QueuedEvent
	err := q.control(ctx, func(s *state) { out = s.snapshot() })
	return out, err
}

// Purge discards every entry and deletes the persisted copy. Sends already
// in flight complete but their results are ignored. Purge works on a
// stopped queue by deleting the persisted key only.
func (q *DurableQueue) Purge(ctx context.Context) error {
	var purgeErr error
	err := q.control(ctx, func(s *state) {
		n := s.len()
		s.inflight, s.pending = nil, nil
		if s.retryTimer != nil {
			s.retryTimer.Stop()
			s.retryTimer = nil
		}
		purgeErr = q.store.Delete(ctx, q.Key())
		q.metrics.RecordQueueDepth(ctx, q.cfg.Name, 0)
		if n > 0 {
			q.logger.Info("queue purged", slog.String("queue", q.cfg.Name), slog.Int("events", n))
		}
	})
	if errors.Is(err, ErrStopped) {
		return q.store.Delete(ctx, q.Key())
	}
	if err != nil {
		return err
	}
	return purgeErr
}

func (q *DurableQueue) stopChan() (chan struct{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopCh, q.running
}

// control runs fn on the worker goroutine.
func (q *DurableQueue) control(ctx context.Context, fn func(*state)) error {
	stopCh, ok := q.stopChan()
	if !ok {
		return ErrStopped
	}
	done := make(chan struct{})
	wrapped := func(s *state) {
		fn(s)
		close(done)
	}
	select {
	case q.ctrlCh <- wrapped:
	case <-stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-stopCh:
		return ErrStopped
	}
}

// trigger requests a pass without waiting for it.
func (q *DurableQueue) trigger() {
	select {
	case q.processCh <- nil:
	default:
	}
}

func (q *DurableQueue) run(sendCtx context.Context, st *state, stopCh, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(q.cfg.ProcessInterval)
	defer ticker.Stop()
	defer func() {
		if st.retryTimer != nil {
			st.retryTimer.Stop()
		}
		for _, w := range st.waiters {
			w <- ErrStopped
		}
	}()

	for {
		select {
		case <-stopCh:
			return

		case req := <-q.enqueueCh:
			req.reply <- q.handleEnqueue(sendCtx, st, req.qe)

		case waiter := <-q.processCh:
			q.startPass(sendCtx, stopCh, st, waiter)

		case <-ticker.C:
			q.startPass(sendCtx, stopCh, st, nil)

		case online := <-q.connCh:
			if online {
				q.logger.Debug("connectivity restored", slog.String("queue", q.cfg.Name))
				q.startPass(sendCtx, stopCh, st, nil)
			}

		case res := <-q.resultCh:
			q.finishPass(sendCtx, st, res)

		case fn := <-q.ctrlCh:
			fn(st)
		}
	}
}

func (q *DurableQueue) handleEnqueue(ctx context.Context, st *state, qe event.QueuedEvent) error {
	st.pending = append(st.pending, qe)

	if over := st.len() - q.cfg.MaxSize; over > 0 {
		// Oldest entries sit at the front of inflight, then pending.
		fromInflight := min(over, len(st.inflight))
		st.inflight = st.inflight[fromInflight:]
		st.pending = st.pending[over-fromInflight:]
		q.recordDrop(ctx, over, "queue full")
	}
	return q.persist(ctx, st)
}

func (q *DurableQueue) startPass(ctx context.Context, stopCh chan struct{}, st *state, waiter chan error) {
	if st.passing {
		if waiter != nil {
			st.waiters = append(st.waiters, waiter)
		}
		return
	}
	if !q.observer.Online() {
		if waiter != nil {
			waiter <- ErrOffline
		}
		return
	}
	if len(st.pending) == 0 {
		if waiter != nil {
			waiter <- nil
		}
		return
	}
	if st.retryTimer != nil {
		st.retryTimer.Stop()
		st.retryTimer = nil
	}

	st.passing = true
	st.inflight, st.pending = st.pending, nil
	if waiter != nil {
		st.waiters = append(st.waiters, waiter)
	}

	batch := make([]event.QueuedEvent, len(st.inflight))
	copy(batch, st.inflight)
	q.passWG.Add(1)
	go q.send(ctx, stopCh, batch)
}

// send runs outside the worker and reports back on resultCh.
func (q *DurableQueue) send(ctx context.Context, stopCh chan struct{}, batch []event.QueuedEvent) {
	defer q.passWG.Done()

	ctx, span := q.spans.StartQueuePassSpan(ctx, q.cfg.Name, len(batch))
	outcomes := make(map[string]outcome, len(batch))
	failures := 0
	for _, qe := range batch {
		// Stop attempting once offline; unattempted entries keep their count.
		if ctx.Err() != nil || !q.observer.Online() {
			break
		}
		sendCtx, cancel := context.WithTimeout(ctx, q.cfg.SendTimeout)
		elapsed := observability.TimedOperation()
		err := q.deliver.Deliver(sendCtx, qe)
		cancel()

		ms := elapsed()
		q.metrics.RecordDelivery(ctx, q.cfg.Name, 1, time.Duration(ms*float64(time.Millisecond)), err)
		outcomes[qe.ID] = outcome{attempted: true, err: err}
		if err != nil {
			failures++
			q.logger.Debug("queued delivery failed",
				slog.String("queue", q.cfg.Name),
				slog.String("event_id", qe.ID),
				slog.Int("retry_count", qe.RetryCount),
				slog.String("error", err.Error()),
			)
		}
	}

	var passErr error
	if failures > 0 {
		passErr = fmt.Errorf("%d of %d deliveries failed", failures, len(batch))
	}
	q.spans.EndSpanWithError(span, passErr)

	select {
	case q.resultCh <- passResult{outcomes: outcomes}:
	case <-stopCh:
	}
}

func (q *DurableQueue) finishPass(ctx context.Context, st *state, res passResult) {
	retained := make([]event.QueuedEvent, 0, len(st.inflight))
	dropped := 0
	for _, qe := range st.inflight {
		out := res.outcomes[qe.ID]
		switch {
		case !out.attempted:
			retained = append(retained, qe)
		case out.err == nil:
		case eperrors.IsPermanent(out.err):
			dropped++
			q.logger.Warn("queued event rejected",
				slog.String("queue", q.cfg.Name),
				slog.String("event_id", qe.ID),
				slog.String("error", out.err.Error()),
			)
		default:
			qe.RetryCount++
			if qe.RetryCount >= q.cfg.MaxRetries {
				dropped++
				continue
			}
			retained = append(retained, qe)
		}
	}
	if dropped > 0 {
		q.recordDrop(ctx, dropped, "delivery failed")
	}

	st.inflight = nil
	st.pending = append(st.pending, retained...)
	st.passing = false
	if err := q.persist(ctx, st); err != nil {
		observability.LogStorageError(q.logger, q.Key(), "persist", err)
	}

	for _, w := range st.waiters {
		w <- nil
	}
	st.waiters = nil

	if len(st.pending) > 0 && q.observer.Online() && st.retryTimer == nil {
		st.retryTimer = time.AfterFunc(q.cfg.RetryDelay, q.trigger)
	}
}

func (q *DurableQueue) recordDrop(ctx context.Context, n int, reason string) {
	observability.LogDrop(q.logger, "queue:"+q.cfg.Name, n, reason)
	q.metrics.RecordDropped(ctx, "queue:"+q.cfg.Name, n, reason)
}

func (q *DurableQueue) persist(ctx context.Context, st *state) error {
	entries := st.snapshot()
	q.metrics.RecordQueueDepth(ctx, q.cfg.Name, len(entries))
	if len(entries) == 0 {
		if err := q.store.Delete(ctx, q.Key()); err != nil {
			return fmt.Errorf("persist queue %s: %w", q.cfg.Name, err)
		}
		return nil
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode queue %s: %w", q.cfg.Name, err)
	}
	if err := q.store.Set(ctx, q.Key(), data); err != nil {
		return fmt.Errorf("persist queue %s: %w", q.cfg.Name, err)
	}
	return nil
}

func (q *DurableQueue) load(ctx context.Context) ([]event.QueuedEvent, error) {
	data, err := q.store.Get(ctx, q.Key())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []event.QueuedEvent
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode queue %s: %w", q.cfg.Name, err)
	}
	if over := len(entries) - q.cfg.MaxSize; over > 0 {
		entries = entries[over:]
	}
	return entries, nil
}
