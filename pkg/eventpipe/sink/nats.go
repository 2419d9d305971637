package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/config"
	eperrors "github.com/randalmurphal/eventpipe/pkg/eventpipe/errors"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
)

const natsFlushTimeout = 10 * time.Second

// NATSConfig configures a NATSSink.
type NATSConfig struct {
	// URL of the NATS server.
	// Default: nats.DefaultURL
	URL string

	// SubjectPrefix is prepended to every subject.
	// Default: "eventpipe"
	SubjectPrefix string

	// ReconnectWait is the pause between reconnect attempts.
	// Default: 1 second
	ReconnectWait time.Duration

	// Connect controls retries of the initial dial.
	Connect eperrors.RetryConfig
}

// DefaultNATSConfig provides reasonable defaults.
var DefaultNATSConfig = NATSConfig{
	URL:           nats.DefaultURL,
	SubjectPrefix: "eventpipe",
	ReconnectWait: time.Second,
	Connect:       eperrors.DefaultRetry,
}

func (c NATSConfig) withDefaults() NATSConfig {
	d := DefaultNATSConfig
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = d.SubjectPrefix
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = d.ReconnectWait
	}
	if c.Connect.MaxAttempts <= 0 {
		c.Connect = d.Connect
	}
	return c
}

// NewNATSSinkFromProvider is the registry Factory for "nats".
//
// Recognised keys: url, subjectPrefix, reconnectWaitMs, connectAttempts.
func NewNATSSinkFromProvider(deps Deps, p config.Provider) (Sink, error) {
	opts := p.Options()
	cfg := NATSConfig{
		URL:           opts.String("url", ""),
		SubjectPrefix: opts.String("subjectPrefix", ""),
		ReconnectWait: opts.Duration("reconnectWaitMs", 0),
	}
	if n := opts.Int("connectAttempts", 0); n > 0 {
		cfg.Connect = eperrors.DefaultRetry
		cfg.Connect.MaxAttempts = n
	}
	return NewNATSSink(p.Name, cfg, deps), nil
}

// NATSSink publishes each event as JSON to <prefix>.<event name>.
//
// Purchases additionally go to <prefix>.transactions and identity updates
// to <prefix>.identify. Publishes fail fast while the connection is down,
// so an offline queue wrapped around this sink picks them up.
type NATSSink struct {
	name string
	cfg  NATSConfig
	deps Deps

	mu   sync.RWMutex
	conn *nats.Conn
}

// NewNATSSink creates the sink. The connection is opened by Initialize.
func NewNATSSink(name string, cfg NATSConfig, deps Deps) *NATSSink {
	return &NATSSink{
		name: name,
		cfg:  cfg.withDefaults(),
		deps: deps.WithDefaults(),
	}
}

// Name implements Sink.
func (s *NATSSink) Name() string { return s.name }

// Subject returns the subject an event name is published to.
func (s *NATSSink) Subject(name string) string {
	return s.cfg.SubjectPrefix + "." + subjectToken(name)
}

// subjectToken replaces characters NATS treats as separators or wildcards.
func subjectToken(name string) string {
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, name)
}

// Initialize dials the server with backoff. An unreachable server does not
// fail Initialize: the connection keeps retrying in the background and
// publishes report ErrNotConnected until it is up.
func (s *NATSSink) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	logger := s.deps.Logger.With(slog.String("sink", s.name))
	opts := []nats.Option{
		nats.Name("eventpipe-" + s.name),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(s.cfg.ReconnectWait),
		nats.ReconnectBufSize(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}

	var conn *nats.Conn
	err := eperrors.Do(ctx, s.cfg.Connect, "nats connect", func(context.Context) error {
		nc, err := nats.Connect(s.cfg.URL, opts...)
		if err != nil {
			return err
		}
		conn = nc
		return nil
	})
	if err != nil {
		return wrapErr(s.name, "connect", fmt.Errorf("connecting to NATS at %s: %w", s.cfg.URL, err))
	}
	s.conn = conn
	return nil
}

func (s *NATSSink) publish(op, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return wrapErr(s.name, op, &eperrors.EncodingError{Format: "json", Message: "marshal message", Err: err})
	}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return wrapErr(s.name, op, ErrNotConnected)
	}
	if err := conn.Publish(subject, data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return wrapErr(s.name, op, ErrClosed)
		}
		return wrapErr(s.name, op, err)
	}
	return nil
}

// Track implements Sink.
func (s *NATSSink) Track(_ context.Context, e event.Event) error {
	return s.publish("track", s.Subject(e.Name), e)
}

// TrackScreen implements Sink.
func (s *NATSSink) TrackScreen(ctx context.Context, e event.Event) error {
	return s.Track(ctx, e)
}

// TrackError implements Sink.
func (s *NATSSink) TrackError(ctx context.Context, e event.Event) error {
	return s.Track(ctx, e)
}

type identifyMessage struct {
	UserID     string           `json:"user_id,omitempty"`
	Properties event.Properties `json:"properties,omitempty"`
}

// SetUserID implements Sink.
func (s *NATSSink) SetUserID(_ context.Context, userID string) error {
	return s.publish("set_user_id", s.cfg.SubjectPrefix+".identify", identifyMessage{UserID: userID})
}

// SetUserProperties implements Sink.
func (s *NATSSink) SetUserProperties(_ context.Context, props event.Properties) error {
	return s.publish("set_user_properties", s.cfg.SubjectPrefix+".identify", identifyMessage{Properties: props})
}

// TrackPurchase implements Sink.
func (s *NATSSink) TrackPurchase(_ context.Context, p event.Purchase, _ event.Event) error {
	return s.publish("track_purchase", s.cfg.SubjectPrefix+".transactions", p)
}

// Flush waits for the server to acknowledge everything published so far.
func (s *NATSSink) Flush(ctx context.Context) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return nil
	}
	return wrapErr(s.name, "flush", flushConn(ctx, conn))
}

// flushConn bounds the flush by natsFlushTimeout when ctx has no deadline,
// which FlushWithContext requires.
func flushConn(ctx context.Context, conn *nats.Conn) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, natsFlushTimeout)
		defer cancel()
	}
	return conn.FlushWithContext(ctx)
}

// Close drains pending publishes and closes the connection.
func (s *NATSSink) Close(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	if conn.IsConnected() {
		if err := flushConn(ctx, conn); err != nil {
			s.deps.Logger.Warn("nats flush on close failed",
				slog.String("sink", s.name),
				slog.Any("error", err),
			)
		}
	}
	conn.Close()
	return nil
}
