package eventpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/config"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/connectivity"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/consent"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/observability"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/sink"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/storage"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/validate"
)

// Suppression reasons reported to metrics and logs.
const (
	reasonUninitialized = "uninitialized"
	reasonDisabled      = "disabled"
	reasonEmptyName     = "empty name"
	reasonShutdown      = "shutdown"
)

// Dispatcher is the single entry point for tracking calls.
//
// Create one per process with New, call Initialize once at startup and
// Shutdown at teardown. Tracking methods never return errors and never
// block on the network.
type Dispatcher struct {
	store     storage.Store
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager
	observer  connectivity.Observer
	transport sink.Transport
	registry  *sink.Registry
	validator *validate.Validator
	now       func() time.Time
	extra     []sink.Sink

	// buildMu serializes sink construction.
	buildMu sync.Mutex

	mu             sync.RWMutex
	settings       config.Settings
	state          State
	globallyOff    bool
	closed         bool
	consent        *consent.Store
	sinks          []sink.Sink
	sinksBuilt     bool
	session        Session
	sessionStarted bool
	screen         *screenVisit
	revokeHooks    []consent.RevokeFunc
}

// New creates a Dispatcher in the uninitialized state.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    storage.NewMemoryStore(),
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
		observer: connectivity.AlwaysOnline(),
		now:      time.Now,
		settings: config.DefaultSettings,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.transport == nil {
		d.transport = sink.NewHTTPTransport(nil)
	}
	if d.registry == nil {
		d.registry = sink.DefaultRegistry()
	}
	if d.validator == nil {
		d.validator = validate.New()
	}
	d.session = newSession(d.now().UnixMilli())
	return d
}

// Initialize applies settings and loads the persisted consent decision.
// If analytics consent is granted, the configured sinks are built and a
// session_started event is emitted; otherwise that happens when consent
// is granted later.
//
// Start from config.DefaultSettings or config.LoadSettings; a zero
// Settings has Enabled false and disables the pipeline.
func (d *Dispatcher) Initialize(ctx context.Context, settings config.Settings) error {
	settings = settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrShutdown
	}
	if d.consent != nil {
		d.mu.Unlock()
		return ErrAlreadyInitialized
	}
	cs := consent.NewStore(d.store,
		consent.WithVersion(settings.ConsentVersion),
		consent.WithLogger(d.logger),
		consent.WithClock(d.now),
	)
	d.settings = settings
	d.consent = cs
	d.state = StateDisabled
	d.globallyOff = !settings.Enabled
	d.mu.Unlock()

	if !settings.Enabled {
		d.logger.Info("analytics disabled by settings")
		return nil
	}

	cs.OnChange(d.applyConsent)
	cs.OnRevoke(d.purge)

	if _, err := cs.Load(ctx); err != nil {
		d.logger.Warn("consent not loaded, using opt-out default", slog.String("error", err.Error()))
	}
	d.logger.Debug("dispatcher initialized",
		slog.String("session_id", d.session.ID),
		slog.String("state", d.State().String()),
		slog.Int("providers", len(settings.Providers)),
	)
	return nil
}

// applyConsent runs for every applied consent record.
func (d *Dispatcher) applyConsent(ctx context.Context, r consent.Record) {
	if !r.Categories.Analytics {
		d.mu.Lock()
		d.state = StateDisabled
		d.screen = nil
		d.mu.Unlock()
		return
	}

	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return
	}

	if err := d.ensureSinks(ctx); err != nil {
		d.logger.Warn("some sinks could not be built", slog.String("error", err.Error()))
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.state = StateEnabled
	start := !d.sessionStarted
	d.sessionStarted = true
	d.mu.Unlock()

	if start {
		d.TrackEvent(ctx, "session_started", event.Properties{
			"consent_version": event.String(r.Version),
		})
	}
}

// purge is the consent revoke hook: sinks drop what they persisted, then
// registered hooks run.
func (d *Dispatcher) purge(ctx context.Context) error {
	d.mu.RLock()
	sinks := d.sinks
	hooks := append([]consent.RevokeFunc(nil), d.revokeHooks...)
	d.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		p, ok := s.(sink.Purger)
		if !ok {
			continue
		}
		if err := d.call(s, "purge", func() error { return p.Purge(ctx) }); err != nil {
			errs = append(errs, err)
		}
	}
	for _, fn := range hooks {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	d.validator.Reset()
	return errors.Join(errs...)
}

// ensureSinks builds the configured sinks once.
func (d *Dispatcher) ensureSinks(ctx context.Context) error {
	d.buildMu.Lock()
	defer d.buildMu.Unlock()

	d.mu.RLock()
	built := d.sinksBuilt
	closed := d.closed
	settings := d.settings
	sessionID := d.session.ID
	d.mu.RUnlock()
	if built {
		return nil
	}
	if closed {
		return ErrShutdown
	}

	var (
		sinks []sink.Sink
		errs  []error
	)
	for _, p := range settings.Providers {
		if !p.IsEnabled() {
			continue
		}
		deps := sink.Deps{
			Store:     d.store,
			Transport: d.transport,
			Observer:  d.observer,
			Logger:    observability.EnrichLogger(d.logger, p.Name, sessionID),
			Metrics:   d.metrics,
			Spans:     d.spans,
			Settings:  settings,
			Context:   d.batchContext,
			Now:       d.now,
		}
		s, err := d.registry.Build(deps, p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if settings.OfflineQueueEnabled {
			s = sink.WithOfflineQueue(s, sink.NewOfflineQueue(s, deps), deps.Logger)
		}
		sinks = append(sinks, s)
	}
	sinks = append(sinks, d.extra...)

	for _, s := range sinks {
		if err := d.call(s, "initialize", func() error { return s.Initialize(ctx) }); err != nil {
			errs = append(errs, err)
		}
	}

	d.mu.Lock()
	if d.closed {
		// Shutdown ran while the sinks were being built.
		d.mu.Unlock()
		closeErr := d.each(sinks, "close", func(s sink.Sink) error { return s.Close(ctx) })
		return errors.Join(append(errs, ErrShutdown, closeErr)...)
	}
	d.sinks = sinks
	d.sinksBuilt = true
	d.mu.Unlock()
	return errors.Join(errs...)
}

// batchContext describes the current session for HTTP batch envelopes.
func (d *Dispatcher) batchContext() sink.BatchContext {
	d.mu.RLock()
	defer d.mu.RUnlock()
	bc := sink.BatchContext{
		SessionID:  d.session.ID,
		Platform:   event.Platform(d.settings.Platform),
		AppVersion: d.settings.AppVersion,
	}
	if !d.settings.PrivacyMode {
		bc.UserID = d.session.UserID
	}
	return bc
}

// gate returns the sinks to forward to, or false when the call must be
// suppressed. bypassConsent admits calls while disabled.
func (d *Dispatcher) gate(ctx context.Context, name string, bypassConsent bool) ([]sink.Sink, bool) {
	d.mu.RLock()
	state, closed, off, sinks := d.state, d.closed, d.globallyOff, d.sinks
	d.mu.RUnlock()

	reason := ""
	switch {
	case closed:
		reason = reasonShutdown
	case state == StateUninitialized:
		reason = reasonUninitialized
	case off:
		reason = reasonDisabled
	case state != StateEnabled && !bypassConsent:
		reason = reasonDisabled
	case name == "":
		reason = reasonEmptyName
	}
	if reason != "" {
		d.metrics.RecordSuppressed(ctx, reason)
		observability.LogSuppressed(d.logger, name, reason)
		return nil, false
	}
	return sinks, true
}

// build validates and enriches one event.
func (d *Dispatcher) build(ctx context.Context, kind, name string, props event.Properties) event.Event {
	d.mu.RLock()
	settings := d.settings
	session := d.session
	d.mu.RUnlock()

	res := d.validator.ValidateEvent(name, props)
	observability.LogValidation(d.logger, settings.Debug, name, res.Errors, res.Warnings)
	if len(res.Errors) > 0 || len(res.Warnings) > 0 {
		d.metrics.RecordValidation(ctx, len(res.Errors), len(res.Warnings))
	}

	e := event.Event{
		ID:          event.NewID(),
		Name:        name,
		Properties:  props.Serializable(),
		TimestampMs: d.now().UnixMilli(),
		SessionID:   session.ID,
		Platform:    event.Platform(settings.Platform),
		AppVersion:  settings.AppVersion,
	}
	if !settings.PrivacyMode {
		e.UserID = session.UserID
	}

	d.metrics.RecordTracked(ctx, kind)
	observability.LogEventTracked(d.logger, settings.Debug, name, e.ID, len(props))
	return e
}

// call runs one sink operation, converting a panic into a *PanicError.
// Failures are logged and returned; fan-out continues either way.
func (d *Dispatcher) call(s sink.Sink, op string, fn func() error) (err error) {
	name := s.Name()
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Sink: name, Op: op, Value: r, Stack: string(debug.Stack())}
		}
		if err != nil {
			observability.LogSinkError(d.logger, name, op, err)
		}
	}()
	return fn()
}

// fanOut invokes fn on every sink in order, isolating failures.
func (d *Dispatcher) fanOut(sinks []sink.Sink, op string, fn func(sink.Sink) error) {
	for _, s := range sinks {
		_ = d.call(s, op, func() error { return fn(s) })
	}
}

// TrackEvent forwards a named event to every sink. It is a no-op while
// disabled or before Initialize, and for an empty name. Validation
// findings are logged but do not block delivery.
func (d *Dispatcher) TrackEvent(ctx context.Context, name string, props event.Properties) {
	sinks, ok := d.gate(ctx, name, false)
	if !ok {
		return
	}
	e := d.build(ctx, "event", name, props)
	d.fanOut(sinks, "track", func(s sink.Sink) error { return s.Track(ctx, e.Clone()) })
}

// TrackPurchase calls every sink's purchase API and also emits a generic
// purchase event, so sinks without purchase semantics still see it. An
// invalid purchase skips the purchase APIs but is still tracked as an
// event.
func (d *Dispatcher) TrackPurchase(ctx context.Context, p event.Purchase) {
	sinks, ok := d.gate(ctx, "purchase", false)
	if !ok {
		return
	}
	e := d.build(ctx, "purchase", "purchase", p.EventProperties())

	if err := p.Validate(); err != nil {
		d.logger.Warn("purchase not sent to purchase APIs", slog.String("error", err.Error()))
	} else {
		d.fanOut(sinks, "track_purchase", func(s sink.Sink) error { return s.TrackPurchase(ctx, p, e.Clone()) })
	}
	d.fanOut(sinks, "track", func(s sink.Sink) error { return s.Track(ctx, e.Clone()) })
}

// TrackError reports err as an "error" event. It bypasses consent: error
// reporting is treated as necessary, so sinks are built on demand if
// consent was never granted. where names the code path that failed.
func (d *Dispatcher) TrackError(ctx context.Context, err error, where string) {
	if err == nil {
		return
	}
	if _, ok := d.gate(ctx, "error", true); !ok {
		return
	}
	if buildErr := d.ensureSinks(ctx); buildErr != nil {
		d.logger.Warn("some sinks could not be built", slog.String("error", buildErr.Error()))
	}
	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()

	props := event.Properties{
		"error_message": event.String(err.Error()),
		"error_type":    event.String(fmt.Sprintf("%T", err)),
	}
	if where != "" {
		props["context"] = event.String(where)
	}
	e := d.build(ctx, "error", "error", props)
	d.fanOut(sinks, "track_error", func(s sink.Sink) error { return s.TrackError(ctx, e.Clone()) })
}

// SetUserID updates the session identity and forwards it to every sink.
// In privacy mode the id is kept locally and not forwarded.
func (d *Dispatcher) SetUserID(ctx context.Context, userID string) {
	d.mu.Lock()
	d.session.UserID = userID
	privacy := d.settings.PrivacyMode
	d.mu.Unlock()

	d.logger.Debug("user identified", slog.Bool("anonymous", userID == ""), slog.Bool("privacy_mode", privacy))
	if privacy {
		return
	}
	sinks, ok := d.gate(ctx, "set_user_id", false)
	if !ok {
		return
	}
	d.fanOut(sinks, "set_user_id", func(s sink.Sink) error { return s.SetUserID(ctx, userID) })
}

// SetUserProperties merges props into the session and forwards them to
// every sink. In privacy mode they are kept locally and not forwarded.
func (d *Dispatcher) SetUserProperties(ctx context.Context, props event.Properties) {
	d.mu.Lock()
	d.session.UserProperties = d.session.UserProperties.Merge(props)
	privacy := d.settings.PrivacyMode
	d.mu.Unlock()

	d.logger.Debug("user properties updated", slog.Int("properties", len(props)), slog.Bool("privacy_mode", privacy))
	if privacy {
		return
	}
	sinks, ok := d.gate(ctx, "set_user_properties", false)
	if !ok {
		return
	}
	d.fanOut(sinks, "set_user_properties", func(s sink.Sink) error {
		return s.SetUserProperties(ctx, props.Clone())
	})
}

// Flush flushes every sink concurrently. Failures are logged; the joined
// error is returned for operators and tests, not for business code.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()
	return d.each(sinks, "flush", func(s sink.Sink) error { return s.Flush(ctx) })
}

// each runs fn on every sink concurrently and joins the failures.
func (d *Dispatcher) each(sinks []sink.Sink, op string, fn func(sink.Sink) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range sinks {
		wg.Add(1)
		go func(s sink.Sink) {
			defer wg.Done()
			if err := d.call(s, op, func() error { return fn(s) }); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// SetConsent grants or revokes every consent category. Revoking is
// destructive: queued and buffered events and funnel counters are deleted.
func (d *Dispatcher) SetConsent(ctx context.Context, granted bool) error {
	cs := d.ConsentStore()
	if cs == nil {
		return ErrNotInitialized
	}
	var err error
	if granted {
		_, err = cs.GrantAll(ctx)
	} else {
		_, err = cs.RevokeAll(ctx)
	}
	return err
}

// ConsentStore returns the consent store, or nil before Initialize. Use it
// for per-category decisions.
func (d *Dispatcher) ConsentStore() *consent.Store {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.consent
}

// Consent returns the current consent record.
func (d *Dispatcher) Consent() consent.Record {
	if cs := d.ConsentStore(); cs != nil {
		return cs.Consent()
	}
	return consent.DefaultRecord()
}

// OnConsentRevoked registers fn to run whenever analytics consent is
// turned off, after sinks have purged their data.
func (d *Dispatcher) OnConsentRevoked(fn consent.RevokeFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revokeHooks = append(d.revokeHooks, fn)
}

// State returns the enabled flag.
func (d *Dispatcher) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Enabled reports whether events are currently forwarded.
func (d *Dispatcher) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state == StateEnabled && !d.closed
}

// Session returns a copy of the session context.
func (d *Dispatcher) Session() Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.session.clone()
}

// Settings returns the applied settings.
func (d *Dispatcher) Settings() config.Settings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings
}

// Store returns the durable store shared by the pipeline's components.
func (d *Dispatcher) Store() storage.Store { return d.store }

// Sinks returns the names of the active sinks.
func (d *Dispatcher) Sinks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// Shutdown emits screen_exited for the current screen, then closes every
// sink, which flushes and persists what could not be sent. The dispatcher
// cannot be used afterwards.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.exitScreen(ctx, d.now().UnixMilli())

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sinks := d.sinks
	d.mu.Unlock()

	err := d.each(sinks, "close", func(s sink.Sink) error { return s.Close(ctx) })
	d.logger.Debug("dispatcher shut down", slog.Int("sinks", len(sinks)))
	return err
}
