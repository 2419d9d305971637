// Package validate checks event names and properties.
//
// Validation is advisory: the dispatcher logs the Result and forwards the
// event anyway. Only an empty name stops an event.
package validate

import (
	"fmt"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/patrickmn/go-cache"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
)

// Limits applied by the validator.
const (
	MaxNameLength        = 40
	MaxStringValueLength = 1000
	DefaultLoopThreshold = 100
	DefaultLoopWindow    = time.Minute
)

// Result holds the findings for one event.
type Result struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

func (r *Result) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Valid = false
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validator checks events against naming rules, a schema table and a
// per-name call rate. Create one per dispatcher; the call counter is
// scoped to the instance.
type Validator struct {
	schemas       *schemaTable
	loopThreshold int
	loopWindow    time.Duration
	counts        *cache.Cache
}

// Option configures a Validator.
type Option func(*Validator)

// WithSchemas replaces the default schema table.
func WithSchemas(schemas ...Schema) Option {
	return func(v *Validator) {
		v.schemas = newSchemaTable(schemas)
	}
}

// WithLoopThreshold sets how many calls of one name within the loop
// window are tolerated before warning.
func WithLoopThreshold(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.loopThreshold = n
		}
	}
}

// WithLoopWindow sets the counting window.
func WithLoopWindow(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.loopWindow = d
		}
	}
}

// New creates a Validator with DefaultSchemas.
func New(opts ...Option) *Validator {
	v := &Validator{
		schemas:       newSchemaTable(DefaultSchemas()),
		loopThreshold: DefaultLoopThreshold,
		loopWindow:    DefaultLoopWindow,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.counts = cache.New(v.loopWindow, 2*v.loopWindow)
	return v
}

// RegisterSchema adds or replaces the schema for s.Name.
func (v *Validator) RegisterSchema(s Schema) {
	v.schemas.set(s)
}

// Reset clears the per-name call counters.
func (v *Validator) Reset() {
	v.counts.Flush()
}

// ValidateEventName applies the naming rules only.
func (v *Validator) ValidateEventName(name string) Result {
	r := Result{Valid: true}
	checkName(&r, name)
	return r
}

// ValidateEvent applies naming, schema and value rules, and counts the
// call towards the loop detector.
func (v *Validator) ValidateEvent(name string, props event.Properties) Result {
	r := Result{Valid: true}
	if !checkName(&r, name) {
		return r
	}

	if schema, ok := v.schemas.get(name); ok {
		for _, key := range schema.Required {
			if _, present := props[key]; !present {
				r.errorf("missing required property %q", key)
			}
		}
		for _, key := range props.Keys() {
			if !schema.allows(key) {
				r.warnf("unknown property %q for event %q", key, name)
			}
		}
	}

	for _, key := range props.Keys() {
		checkValue(&r, key, props[key])
	}

	if n := v.count(name); n > v.loopThreshold {
		r.warnf("possible tracking loop: %q seen %d times within %s", name, n, v.loopWindow)
	}
	return r
}

// count increments the calls of name inside the current window. The window
// opens on the first call and the counter expires with it.
func (v *Validator) count(name string) int {
	if err := v.counts.Add(name, 1, v.loopWindow); err == nil {
		return 1
	}
	n, err := v.counts.IncrementInt(name, 1)
	if err != nil {
		// Expired between Add and IncrementInt.
		v.counts.Set(name, 1, v.loopWindow)
		return 1
	}
	return n
}

// checkName records naming findings and reports whether further checks
// make sense.
func checkName(r *Result, name string) bool {
	if name == "" {
		r.errorf("event name is empty")
		return false
	}
	if n := utf8.RuneCountInString(name); n > MaxNameLength {
		r.warnf("event name is %d characters, longer than %d", n, MaxNameLength)
	}

	var space, invalid, upper bool
	for _, c := range name {
		switch {
		case unicode.IsSpace(c):
			space = true
		case c >= 'A' && c <= 'Z':
			upper = true
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
		default:
			invalid = true
		}
	}
	if space {
		r.errorf("event name %q contains whitespace", name)
	}
	if invalid {
		r.errorf("event name %q contains characters outside [A-Za-z0-9_]", name)
	}
	if upper {
		r.warnf("event name %q should be lower-case", name)
	}
	return true
}

func checkValue(r *Result, key string, v event.Value) {
	switch {
	case !v.IsValid():
		r.errorf("property %q is not serializable", key)
	case v.Kind() == event.KindString && utf8.RuneCountInString(v.Str()) > MaxStringValueLength:
		r.warnf("property %q is longer than %d characters", key, MaxStringValueLength)
	case v.IsObject():
		r.warnf("property %q is a nested object, which not every sink supports", key)
	}
}
