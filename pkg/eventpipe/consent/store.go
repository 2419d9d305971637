// Package consent holds the user's privacy decision and gates the
// pipeline on it.
//
// The default is opt-out. Any change that leaves analytics consent off runs
// every revoke hook and deletes persisted analytics data, so revocation is
// destructive rather than merely suppressive.
package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/storage"
)

// ChangeFunc observes every applied record.
type ChangeFunc func(ctx context.Context, r Record)

// RevokeFunc purges data owned by one component when analytics consent is
// off. Errors are logged; the remaining hooks still run.
type RevokeFunc func(ctx context.Context) error

// Store owns the consent record and its persisted copy.
type Store struct {
	store   storage.Store
	version string
	logger  *slog.Logger
	now     func() time.Time

	// opMu serializes changes so hooks observe them in order.
	opMu sync.Mutex

	mu       sync.RWMutex
	record   Record
	onChange []ChangeFunc
	onRevoke []RevokeFunc
}

// Option configures a Store.
type Option func(*Store)

// WithVersion sets the policy version the running code expects.
func WithVersion(v string) Option {
	return func(s *Store) { s.version = v }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a consent store in the opt-out state.
func NewStore(store storage.Store, opts ...Option) *Store {
	s := &Store{
		store:   store,
		version: "1",
		logger:  slog.Default(),
		now:     time.Now,
		record:  DefaultRecord(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Version returns the expected policy version.
func (s *Store) Version() string { return s.version }

// OnChange registers fn to run after every applied change, including Load.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// OnRevoke registers fn to run whenever a change leaves analytics consent
// off.
func (s *Store) OnRevoke(fn RevokeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRevoke = append(s.onRevoke, fn)
}

// Load reads the persisted record and applies it. A missing or unreadable
// record leaves the opt-out default in place.
func (s *Store) Load(ctx context.Context) (Record, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	rec := DefaultRecord()
	var loadErr error
	data, err := s.store.Get(ctx, storage.KeyConsent)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		loadErr = fmt.Errorf("load consent: %w", err)
	default:
		var stored Record
		if err := json.Unmarshal(data, &stored); err != nil {
			loadErr = fmt.Errorf("decode consent: %w", err)
		} else {
			rec = stored.normalize()
		}
	}

	s.mu.Lock()
	s.record = rec
	hooks := append([]ChangeFunc(nil), s.onChange...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(ctx, rec)
	}
	return rec, loadErr
}

// RequestConsent records a decision for the given categories. Necessary is
// forced on. The record is applied even if persisting fails.
func (s *Store) RequestConsent(ctx context.Context, c Categories) (Record, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.commit(ctx, c)
}

// GrantAll grants every category.
func (s *Store) GrantAll(ctx context.Context) (Record, error) {
	return s.RequestConsent(ctx, Categories{Analytics: true, Marketing: true, Personalization: true})
}

// RevokeAll revokes every optional category.
func (s *Store) RevokeAll(ctx context.Context) (Record, error) {
	return s.RequestConsent(ctx, Categories{})
}

// UpdateCategory changes one category. Disabling Necessary is ignored
// with a warning.
func (s *Store) UpdateCategory(ctx context.Context, cat Category, granted bool) (Record, error) {
	if _, err := ParseCategory(string(cat)); err != nil {
		return s.Consent(), err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if cat == Necessary {
		if !granted {
			s.logger.Warn("necessary consent cannot be disabled")
		}
		return s.Consent(), nil
	}

	c := s.Consent().Categories
	c.set(cat, granted)
	return s.commit(ctx, c)
}

// Consent returns the current record.
func (s *Store) Consent() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record
}

// HasConsent reports whether any optional category is granted.
func (s *Store) HasConsent() bool {
	return s.Consent().Granted
}

// HasCategoryConsent reports whether cat is granted.
func (s *Store) HasCategoryConsent(cat Category) bool {
	return s.Consent().Categories.Get(cat)
}

// IsConsentRequired reports whether the user must be asked: nothing has
// been persisted yet, or the persisted version differs from Version.
func (s *Store) IsConsentRequired(ctx context.Context) bool {
	data, err := s.store.Get(ctx, storage.KeyConsent)
	if err != nil {
		return true
	}
	var stored Record
	if err := json.Unmarshal(data, &stored); err != nil {
		return true
	}
	return stored.Version != s.version
}

// commit persists and applies a new record. Callers hold opMu.
func (s *Store) commit(ctx context.Context, c Categories) (Record, error) {
	rec := Record{
		TimestampMs: s.now().UnixMilli(),
		Version:     s.version,
		Categories:  c,
	}.normalize()

	var persistErr error
	if data, err := json.Marshal(rec); err != nil {
		persistErr = fmt.Errorf("encode consent: %w", err)
	} else if err := s.store.Set(ctx, storage.KeyConsent, data); err != nil {
		persistErr = fmt.Errorf("persist consent: %w", err)
	}
	if persistErr != nil {
		s.logger.Error("consent not persisted", slog.String("error", persistErr.Error()))
	}

	s.mu.Lock()
	s.record = rec
	changeHooks := append([]ChangeFunc(nil), s.onChange...)
	revokeHooks := append([]RevokeFunc(nil), s.onRevoke...)
	s.mu.Unlock()

	for _, fn := range changeHooks {
		fn(ctx, rec)
	}
	if !rec.Categories.Analytics {
		s.purge(ctx, revokeHooks)
	}
	return rec, persistErr
}

// purge runs revoke hooks, then deletes whatever analytics keys remain.
func (s *Store) purge(ctx context.Context, hooks []RevokeFunc) {
	for _, fn := range hooks {
		if err := fn(ctx); err != nil {
			s.logger.Warn("revoke hook failed", slog.String("error", err.Error()))
		}
	}
	for _, prefix := range storage.AnalyticsPrefixes {
		if err := s.store.DeleteByPrefix(ctx, prefix); err != nil {
			s.logger.Warn("analytics data not deleted",
				slog.String("prefix", prefix),
				slog.String("error", err.Error()),
			)
		}
	}
}
