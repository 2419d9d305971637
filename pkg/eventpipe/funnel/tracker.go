// Package funnel counts progress through a fixed purchase funnel.
//
// Every stage call does two independent things: it increments a lifetime
// and a session counter, both persisted under analytics:funnel, and it
// emits a funnel_<stage> event through the dispatcher. Counters only ever
// grow until Reset.
package funnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/consent"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/observability"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/storage"
)

// Pipeline is the part of the dispatcher the tracker depends on.
type Pipeline interface {
	TrackEvent(ctx context.Context, name string, props event.Properties)
	Enabled() bool
	OnConsentRevoked(fn consent.RevokeFunc)
}

// State is a snapshot of the funnel with derived rates.
type State struct {
	Lifetime              Counts    `json:"lifetime"`
	Session               Counts    `json:"session"`
	ConversionRate        float64   `json:"conversion_rate"`
	SessionConversionRate float64   `json:"session_conversion_rate"`
	DropOffs              []DropOff `json:"drop_offs"`
	SessionDropOffs       []DropOff `json:"session_drop_offs"`
}

// persisted is the stored form. Session counters are discarded when the
// stored session id differs from the current one.
type persisted struct {
	SessionID string `json:"session_id"`
	Lifetime  Counts `json:"lifetime"`
	Session   Counts `json:"session"`
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// Tracker maintains the funnel counters.
type Tracker struct {
	pipeline  Pipeline
	store     storage.Store
	sessionID string
	logger    *slog.Logger

	mu       sync.Mutex
	loaded   bool
	lifetime Counts
	session  Counts
}

// New creates a tracker and registers a consent revoke hook that resets
// it.
func New(p Pipeline, store storage.Store, sessionID string, opts ...Option) *Tracker {
	t := &Tracker{
		pipeline:  p,
		store:     store,
		sessionID: sessionID,
		logger:    slog.Default(),
		lifetime:  Counts{}.Clone(),
		session:   Counts{}.Clone(),
	}
	for _, opt := range opts {
		opt(t)
	}
	p.OnConsentRevoked(t.Reset)
	return t
}

// ForDispatcher creates a tracker bound to d's store and session.
func ForDispatcher(d *eventpipe.Dispatcher, opts ...Option) *Tracker {
	return New(d, d.Store(), d.Session().ID, opts...)
}

// loadLocked reads the persisted counters once. Callers hold mu.
func (t *Tracker) loadLocked(ctx context.Context) error {
	if t.loaded {
		return nil
	}
	data, err := t.store.Get(ctx, storage.KeyFunnel)
	if errors.Is(err, storage.ErrNotFound) {
		t.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("load funnel: %w", err)
	}

	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		t.loaded = true
		return fmt.Errorf("decode funnel: %w", err)
	}
	t.lifetime = p.Lifetime.Clone()
	if p.SessionID == t.sessionID {
		t.session = p.Session.Clone()
	}
	t.loaded = true
	return nil
}

func (t *Tracker) persistLocked(ctx context.Context) error {
	data, err := json.Marshal(persisted{
		SessionID: t.sessionID,
		Lifetime:  t.lifetime,
		Session:   t.session,
	})
	if err != nil {
		return err
	}
	return t.store.Set(ctx, storage.KeyFunnel, data)
}

// TrackStage records one occurrence of stage. It is a no-op while the
// dispatcher is disabled.
func (t *Tracker) TrackStage(ctx context.Context, stage Stage, props event.Properties) {
	ordinal := stage.Ordinal()
	if ordinal == 0 {
		t.logger.Warn("funnel stage ignored", slog.String("stage", string(stage)))
		return
	}
	if !t.pipeline.Enabled() {
		observability.LogSuppressed(t.logger, stage.EventName(), "disabled")
		return
	}

	t.mu.Lock()
	if err := t.loadLocked(ctx); err != nil {
		observability.LogStorageError(t.logger, storage.KeyFunnel, "load", err)
	}
	t.lifetime[stage]++
	t.session[stage]++
	if err := t.persistLocked(ctx); err != nil {
		observability.LogStorageError(t.logger, storage.KeyFunnel, "persist", err)
	}
	t.mu.Unlock()

	props = props.Clone()
	props["funnel_stage"] = event.Int(int64(ordinal))
	t.pipeline.TrackEvent(ctx, stage.EventName(), props)
}

// TrackDiscovery records the discovery stage.
func (t *Tracker) TrackDiscovery(ctx context.Context, props event.Properties) {
	t.TrackStage(ctx, StageDiscovery, props)
}

// TrackView records the view stage.
func (t *Tracker) TrackView(ctx context.Context, props event.Properties) {
	t.TrackStage(ctx, StageView, props)
}

// TrackAddToCart records the add_to_cart stage.
func (t *Tracker) TrackAddToCart(ctx context.Context, props event.Properties) {
	t.TrackStage(ctx, StageAddToCart, props)
}

// TrackCheckout records the checkout stage.
func (t *Tracker) TrackCheckout(ctx context.Context, props event.Properties) {
	t.TrackStage(ctx, StageCheckout, props)
}

// TrackPayment records the payment stage.
func (t *Tracker) TrackPayment(ctx context.Context, props event.Properties) {
	t.TrackStage(ctx, StagePayment, props)
}

// TrackPurchase records the purchase stage.
func (t *Tracker) TrackPurchase(ctx context.Context, props event.Properties) {
	t.TrackStage(ctx, StagePurchase, props)
}

// State returns the counters and derived rates.
func (t *Tracker) State(ctx context.Context) (State, error) {
	t.mu.Lock()
	err := t.loadLocked(ctx)
	lifetime, session := t.lifetime.Clone(), t.session.Clone()
	t.mu.Unlock()

	st := State{Lifetime: lifetime, Session: session}
	st.ConversionRate, st.DropOffs = Rates(lifetime)
	st.SessionConversionRate, st.SessionDropOffs = Rates(session)
	return st, err
}

// Reset clears lifetime and session counters and the persisted copy.
func (t *Tracker) Reset(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lifetime = Counts{}.Clone()
	t.session = Counts{}.Clone()
	t.loaded = true
	return t.store.Delete(ctx, storage.KeyFunnel)
}

// ReadState returns the persisted funnel without a live tracker, with the
// session counters as last stored.
func ReadState(ctx context.Context, store storage.Store) (State, error) {
	var p persisted
	data, err := store.Get(ctx, storage.KeyFunnel)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return State{}, fmt.Errorf("load funnel: %w", err)
	default:
		if err := json.Unmarshal(data, &p); err != nil {
			return State{}, fmt.Errorf("decode funnel: %w", err)
		}
	}

	st := State{Lifetime: p.Lifetime.Clone(), Session: p.Session.Clone()}
	st.ConversionRate, st.DropOffs = Rates(st.Lifetime)
	st.SessionConversionRate, st.SessionDropOffs = Rates(st.Session)
	return st, nil
}
