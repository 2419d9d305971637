package consent

import (
	"errors"
	"fmt"
)

// ErrUnknownCategory is returned for a category name outside the four
// known categories.
var ErrUnknownCategory = errors.New("unknown consent category")

// Category is a consent category.
type Category string

// Consent categories. Necessary is always granted.
const (
	Necessary       Category = "necessary"
	Analytics       Category = "analytics"
	Marketing       Category = "marketing"
	Personalization Category = "personalization"
)

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case Necessary, Analytics, Marketing, Personalization:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// Categories holds the per-category decisions.
type Categories struct {
	Necessary       bool `json:"necessary"`
	Analytics       bool `json:"analytics"`
	Marketing       bool `json:"marketing"`
	Personalization bool `json:"personalization"`
}

// Get returns the decision for c. Unknown categories are never granted.
func (c Categories) Get(cat Category) bool {
	switch cat {
	case Necessary:
		return true
	case Analytics:
		return c.Analytics
	case Marketing:
		return c.Marketing
	case Personalization:
		return c.Personalization
	}
	return false
}

func (c *Categories) set(cat Category, granted bool) {
	switch cat {
	case Analytics:
		c.Analytics = granted
	case Marketing:
		c.Marketing = granted
	case Personalization:
		c.Personalization = granted
	}
}

// Record is the persisted consent decision.
type Record struct {
	Granted     bool       `json:"granted"`
	TimestampMs int64      `json:"timestamp_ms"`
	Version     string     `json:"version"`
	Categories  Categories `json:"categories"`
}

// normalize forces necessary on and derives Granted.
func (r Record) normalize() Record {
	r.Categories.Necessary = true
	r.Granted = r.Categories.Analytics || r.Categories.Marketing || r.Categories.Personalization
	return r
}

// DefaultRecord is the opt-out state used before any decision.
func DefaultRecord() Record {
	return Record{Categories: Categories{Necessary: true}}
}
