// Package event defines the immutable records that flow through the
// pipeline: Event, its Properties, and the QueuedEvent wrapper owned by a
// durable queue.
package event

import (
	"errors"
	"fmt"
	"maps"
	"sort"

	"github.com/google/uuid"
)

// Platform is the client platform stamped on every event.
type Platform string

// Supported platforms.
const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// ParsePlatform validates a platform name.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(s); p {
	case PlatformIOS, PlatformAndroid, PlatformWeb:
		return p, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Properties maps property keys to values.
type Properties map[string]Value

// FromMap converts a loose map. Entries that cannot be represented are
// left out and reported together in the returned error; the rest of the
// map is still returned.
func FromMap(m map[string]any) (Properties, error) {
	if len(m) == 0 {
		return Properties{}, nil
	}
	props := make(Properties, len(m))
	var errs []error
	for _, k := range sortedKeys(m) {
		v, err := FromAny(m[k])
		if err != nil {
			errs = append(errs, fmt.Errorf("property %q: %w", k, err))
			continue
		}
		props[k] = v
	}
	return props, errors.Join(errs...)
}

// Clone returns a shallow copy. Values are immutable so a shallow copy is
// independent of the original.
func (p Properties) Clone() Properties {
	if p == nil {
		return Properties{}
	}
	return maps.Clone(p)
}

// Serializable returns a copy of p without the invalid values, which have
// no wire form.
func (p Properties) Serializable() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		if v.IsValid() {
			out[k] = v
		}
	}
	return out
}

// Merge returns a copy of p with every entry of other set over it.
func (p Properties) Merge(other Properties) Properties {
	out := p.Clone()
	maps.Copy(out, other)
	return out
}

// Keys returns the property keys in sorted order.
func (p Properties) Keys() []string {
	return sortedKeys(p)
}

// ToMap returns the properties as plain Go values.
func (p Properties) ToMap() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Interface()
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Event is one enriched tracking call. Events are created by the dispatcher
// and never mutated afterwards; sinks receive copies.
type Event struct {
	// ID is a UUIDv7 so collectors can de-duplicate redeliveries.
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Properties  Properties `json:"properties"`
	TimestampMs int64      `json:"timestamp_ms"`
	SessionID   string     `json:"session_id"`
	UserID      string     `json:"user_id,omitempty"`
	Platform    Platform   `json:"platform"`
	AppVersion  string     `json:"app_version"`
}

// Clone returns a copy that shares no mutable state with e.
func (e Event) Clone() Event {
	e.Properties = e.Properties.Clone()
	return e
}

// NewID returns a time-ordered event id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// QueuedEvent is an event awaiting delivery in a durable queue. ID equals
// the event id.
type QueuedEvent struct {
	ID         string `json:"id"`
	Event      Event  `json:"event"`
	RetryCount int    `json:"retry_count"`
	QueuedAtMs int64  `json:"queued_at_ms"`
}

// NewQueuedEvent wraps e with a zero retry count.
func NewQueuedEvent(e Event, nowMs int64) QueuedEvent {
	return QueuedEvent{ID: e.ID, Event: e, QueuedAtMs: nowMs}
}
