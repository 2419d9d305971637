package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/config"
	eperrors "github.com/randalmurphal/eventpipe/pkg/eventpipe/errors"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/observability"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/storage"
)

// HTTPConfig configures a BufferedHTTPSink.
type HTTPConfig struct {
	// Endpoint is the collector URL. Required.
	Endpoint string

	// BatchSize triggers an immediate flush when reached.
	// Default: 20
	BatchSize int

	// FlushInterval is the timer flush period.
	// Default: 30 seconds
	FlushInterval time.Duration

	// MaxQueueSize caps the buffer; the oldest events are dropped first.
	// Default: 1000
	MaxQueueSize int

	// SendTimeout bounds one network send.
	// Default: 10 seconds
	SendTimeout time.Duration

	// Encoder controls serialization, compression, auth and headers.
	Encoder Encoder
}

// DefaultHTTPConfig provides reasonable defaults.
var DefaultHTTPConfig = HTTPConfig{
	BatchSize:     20,
	FlushInterval: 30 * time.Second,
	MaxQueueSize:  1000,
	SendTimeout:   10 * time.Second,
	Encoder:       Encoder{Encoding: EncodingJSON},
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	d := DefaultHTTPConfig
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.Encoder.Encoding == "" {
		c.Encoder.Encoding = EncodingJSON
	}
	return c
}

// HTTPConfigFromProvider reads an HTTPConfig from provider options,
// falling back to the pipeline settings for batching limits.
//
// Recognised keys: endpoint, batchSize, flushIntervalMs, maxQueueSize,
// timeoutMs, encoding, gzip, headers, jwtSecret, jwtIssuer, jwtTTLMs.
func HTTPConfigFromProvider(p config.Provider, s config.Settings) HTTPConfig {
	opts := p.Options()
	cfg := HTTPConfig{
		Endpoint:      opts.String("endpoint", ""),
		BatchSize:     opts.Int("batchSize", s.BatchSize),
		FlushInterval: opts.Duration("flushIntervalMs", s.FlushInterval()),
		MaxQueueSize:  opts.Int("maxQueueSize", s.MaxQueueSize),
		SendTimeout:   opts.Duration("timeoutMs", DefaultHTTPConfig.SendTimeout),
		Encoder: Encoder{
			Encoding: Encoding(opts.String("encoding", string(EncodingJSON))),
			Gzip:     opts.Bool("gzip", false),
			Headers:  opts.StringMap("headers"),
		},
	}
	if secret := opts.String("jwtSecret", ""); secret != "" {
		cfg.Encoder.Signer = NewTokenSigner(secret, opts.String("jwtIssuer", "eventpipe"), opts.Duration("jwtTTLMs", 0))
	}
	return cfg
}

// NewHTTPSinkFromProvider is the registry Factory for "http".
func NewHTTPSinkFromProvider(deps Deps, p config.Provider) (Sink, error) {
	return NewBufferedHTTPSink(p.Name, HTTPConfigFromProvider(p, deps.Settings), deps)
}

// BufferedHTTPSink batches events in memory and posts them to a collector.
//
// A failed send puts the batch back in front of the buffer and persists
// the buffer under analytics:buffer:<name>, so events survive both outages
// and process restarts. A permanent HTTP error drops the batch.
type BufferedHTTPSink struct {
	name string
	cfg  HTTPConfig
	deps Deps

	mu      sync.Mutex
	buffer  []event.Event
	started bool
	closed  bool
	// epoch is bumped by Purge. A flush whose batch predates the current
	// epoch must not put it back.
	epoch uint64

	// persistMu orders buffer writes to the store against Purge.
	persistMu sync.Mutex

	flushing atomic.Bool

	stop        chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()
}

// NewBufferedHTTPSink creates the sink. Call Initialize before tracking.
func NewBufferedHTTPSink(name string, cfg HTTPConfig, deps Deps) (*BufferedHTTPSink, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("http sink %s: endpoint is required", name)
	}
	if cfg.Encoder.Encoding != "" && cfg.Encoder.Encoding != EncodingJSON && cfg.Encoder.Encoding != EncodingCBOR {
		return nil, fmt.Errorf("http sink %s: unsupported encoding %q", name, cfg.Encoder.Encoding)
	}
	deps = deps.WithDefaults()
	return &BufferedHTTPSink{
		name: name,
		cfg:  cfg.withDefaults(),
		deps: deps,
		stop: make(chan struct{}),
	}, nil
}

// Name implements Sink.
func (s *BufferedHTTPSink) Name() string { return s.name }

func (s *BufferedHTTPSink) key() string { return storage.BufferKey(s.name) }

func (s *BufferedHTTPSink) owner() string { return "buffer:" + s.name }

// Initialize loads the persisted buffer and starts the flush timer.
func (s *BufferedHTTPSink) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	loaded, err := s.load(ctx)
	if err != nil {
		observability.LogStorageError(s.deps.Logger, s.key(), "load", err)
	}
	if len(loaded) > 0 {
		s.mu.Lock()
		s.buffer = append(loaded, s.buffer...)
		s.trimLocked(ctx)
		s.mu.Unlock()
		s.deps.Logger.Debug("restored persisted batch",
			slog.String("sink", s.name),
			slog.Int("events", len(loaded)),
		)
	}

	unsubscribe := s.deps.Observer.OnChange(func(online bool) {
		if online {
			s.flushAsync()
		}
	})
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.wg.Add(1)
	s.mu.Unlock()

	go s.timerLoop()
	return nil
}

// Track implements Sink. It only appends to memory; reaching the batch
// size starts a flush in the background.
func (s *BufferedHTTPSink) Track(ctx context.Context, e event.Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wrapErr(s.name, "track", ErrClosed)
	}
	s.buffer = append(s.buffer, e)
	s.trimLocked(ctx)
	full := len(s.buffer) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		s.flushAsync()
	}
	return nil
}

// TrackScreen implements Sink.
func (s *BufferedHTTPSink) TrackScreen(ctx context.Context, e event.Event) error {
	return s.Track(ctx, e)
}

// TrackError implements Sink.
func (s *BufferedHTTPSink) TrackError(ctx context.Context, e event.Event) error {
	return s.Track(ctx, e)
}

// SetUserID implements Sink. Identity travels in the batch context.
func (s *BufferedHTTPSink) SetUserID(context.Context, string) error { return nil }

// SetUserProperties implements Sink. Properties travel in the batch context.
func (s *BufferedHTTPSink) SetUserProperties(context.Context, event.Properties) error { return nil }

// TrackPurchase implements Sink. The collector has no dedicated purchase
// API; it receives the generic purchase event.
func (s *BufferedHTTPSink) TrackPurchase(context.Context, event.Purchase, event.Event) error {
	return nil
}

// Len returns the number of buffered events.
func (s *BufferedHTTPSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Flush sends the buffered events as one batch. It returns nil without
// sending when another flush is running or the device is offline.
func (s *BufferedHTTPSink) Flush(ctx context.Context) error {
	if !s.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer s.flushing.Store(false)

	if !s.deps.Observer.Online() {
		s.deps.Logger.Debug("flush skipped: offline", slog.String("sink", s.name))
		return nil
	}

	s.mu.Lock()
	batch := s.buffer
	epoch := s.epoch
	s.buffer = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	err := s.send(ctx, batch)
	switch {
	case err == nil:
	case eperrors.IsPermanent(err):
		observability.LogDrop(s.deps.Logger, s.owner(), len(batch), err.Error())
		s.deps.Metrics.RecordDropped(ctx, s.owner(), len(batch), "rejected")
	default:
		s.mu.Lock()
		purged := s.epoch != epoch
		if !purged {
			s.buffer = append(batch, s.buffer...)
			s.trimLocked(ctx)
		}
		s.mu.Unlock()
		if purged {
			s.deps.Logger.Debug("failed batch discarded: buffer purged during send",
				slog.String("sink", s.name),
				slog.Int("events", len(batch)),
			)
		}
	}

	if perr := s.syncPersisted(ctx); perr != nil {
		observability.LogStorageError(s.deps.Logger, s.key(), "persist", perr)
	}
	s.mu.Lock()
	depth := len(s.buffer)
	s.mu.Unlock()
	s.deps.Metrics.RecordQueueDepth(ctx, s.owner(), depth)

	return wrapErr(s.name, "flush", err)
}

// Purge discards the buffer and its persisted copy. A batch being sent
// while Purge runs is not put back if the send fails.
func (s *BufferedHTTPSink) Purge(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	s.buffer = nil
	s.epoch++
	s.mu.Unlock()
	return s.deps.Store.Delete(ctx, s.key())
}

// Close stops the timer, flushes once and persists whatever remains.
func (s *BufferedHTTPSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	if started {
		close(s.stop)
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	s.wg.Wait()

	flushErr := s.Flush(ctx)
	if err := s.syncPersisted(ctx); err != nil {
		return errors.Join(flushErr, wrapErr(s.name, "persist", err))
	}
	return flushErr
}

func (s *BufferedHTTPSink) send(ctx context.Context, batch []event.Event) error {
	ctx, span := s.deps.Spans.StartFlushSpan(ctx, s.name, len(batch))
	elapsed := observability.TimedOperation()

	err := s.post(ctx, batch)

	ms := elapsed()
	s.deps.Spans.EndSpanWithError(span, err)
	s.deps.Metrics.RecordDelivery(ctx, s.name, len(batch), time.Duration(ms*float64(time.Millisecond)), err)
	observability.LogDelivery(s.deps.Logger, s.name, len(batch), ms, err)
	return err
}

func (s *BufferedHTTPSink) post(ctx context.Context, batch []event.Event) error {
	batchID, err := NewBatchID()
	if err != nil {
		return err
	}
	now := s.deps.Now()
	payload := Payload{
		BatchID:  batchID,
		SentAtMs: now.UnixMilli(),
		Context:  s.deps.Context(),
		Events:   batch,
	}
	if payload.Context.SessionID == "" {
		last := batch[len(batch)-1]
		payload.Context = BatchContext{
			SessionID:  last.SessionID,
			UserID:     last.UserID,
			Platform:   last.Platform,
			AppVersion: last.AppVersion,
		}
	}

	body, headers, err := s.cfg.Encoder.Encode(payload, now)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	return s.deps.Transport.Send(sendCtx, s.cfg.Endpoint, body, headers)
}

// trimLocked drops the oldest events beyond MaxQueueSize. Callers hold mu.
func (s *BufferedHTTPSink) trimLocked(ctx context.Context) {
	over := len(s.buffer) - s.cfg.MaxQueueSize
	if over <= 0 {
		return
	}
	s.buffer = append([]event.Event(nil), s.buffer[over:]...)
	observability.LogDrop(s.deps.Logger, s.owner(), over, "buffer full")
	s.deps.Metrics.RecordDropped(ctx, s.owner(), over, "buffer full")
}

// syncPersisted writes the current buffer, or deletes the key when empty.
func (s *BufferedHTTPSink) syncPersisted(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	snapshot := append([]event.Event(nil), s.buffer...)
	s.mu.Unlock()

	if len(snapshot) == 0 {
		return s.deps.Store.Delete(ctx, s.key())
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return s.deps.Store.Set(ctx, s.key(), data)
}

func (s *BufferedHTTPSink) load(ctx context.Context) ([]event.Event, error) {
	data, err := s.deps.Store.Get(ctx, s.key())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var events []event.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("decode buffer: %w", err)
	}
	return events, nil
}

func (s *BufferedHTTPSink) flushAsync() {
	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.wg.Add(1)
	}
	s.mu.Unlock()
	if closed {
		return
	}

	go func() {
		defer s.wg.Done()
		if err := s.Flush(context.Background()); err != nil {
			observability.LogSinkError(s.deps.Logger, s.name, "flush", err)
		}
	}()
}

func (s *BufferedHTTPSink) timerLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.Len() == 0 || !s.deps.Observer.Online() {
				continue
			}
			if err := s.Flush(context.Background()); err != nil {
				observability.LogSinkError(s.deps.Logger, s.name, "flush", err)
			}
		}
	}
}
