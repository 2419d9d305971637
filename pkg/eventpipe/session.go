package eventpipe

import (
	"github.com/google/uuid"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
)

// Session is the context stamped on every event. The id is fixed for the
// lifetime of a Dispatcher; the identity fields may change any number of
// times.
type Session struct {
	ID             string           `json:"session_id"`
	StartedAtMs    int64            `json:"started_at_ms"`
	UserID         string           `json:"user_id,omitempty"`
	UserProperties event.Properties `json:"user_properties,omitempty"`
}

func newSession(nowMs int64) Session {
	return Session{
		ID:             uuid.NewString(),
		StartedAtMs:    nowMs,
		UserProperties: event.Properties{},
	}
}

func (s Session) clone() Session {
	s.UserProperties = s.UserProperties.Clone()
	return s
}

// State is the dispatcher's enabled flag.
type State int

const (
	// StateUninitialized means Initialize has not run.
	StateUninitialized State = iota
	// StateEnabled means events are forwarded to sinks.
	StateEnabled
	// StateDisabled means tracking calls are no-ops, except TrackError.
	StateDisabled
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	default:
		return "uninitialized"
	}
}

// screenVisit is the screen currently shown.
type screenVisit struct {
	name      string
	startedAt int64
}
