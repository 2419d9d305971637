// Package errors provides error categorization and retry helpers for the
// delivery path.
//
// The pipeline distinguishes two outcomes for a failed delivery:
//   - Transient: the collector may accept the same payload later
//     (timeouts, rate limits, 5xx, connection failures).
//   - Permanent: resending the same payload will not help
//     (authentication failures, malformed payloads).
//
// Sinks and queues consult Categorize to decide between re-queueing and
// dropping.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Category represents how a delivery error should be handled.
type Category int

const (
	// CategoryTransient indicates a retry will likely help.
	CategoryTransient Category = iota

	// CategoryPermanent indicates a retry won't help.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent creates a permanent error.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Categorize determines how a delivery error should be handled.
//
// Unlike a general-purpose classifier, unknown errors are treated as
// transient: a telemetry pipeline that cannot tell why a send failed keeps
// the events and lets the retry budget decide.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 408, 425, 429:
			return CategoryTransient
		default:
			if httpErr.StatusCode >= 500 {
				return CategoryTransient
			}
			if httpErr.StatusCode >= 400 {
				return CategoryPermanent
			}
			return CategoryTransient
		}
	}

	var encErr *EncodingError
	if errors.As(err, &encErr) {
		return CategoryPermanent
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}
	if errors.Is(err, context.Canceled) {
		return CategoryTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryTransient
	}

	return CategoryTransient
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsPermanent reports whether resending cannot succeed.
func IsPermanent(err error) bool {
	return err != nil && Categorize(err) == CategoryPermanent
}
