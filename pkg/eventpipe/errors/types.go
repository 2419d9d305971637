package errors

import "fmt"

// HTTPError represents a collector response with a non-success status code.
type HTTPError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// EncodingError indicates a payload could not be serialized.
type EncodingError struct {
	Format  string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *EncodingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s encoding error: %s: %v", e.Format, e.Message, e.Err)
	}
	return fmt.Sprintf("%s encoding error: %s", e.Format, e.Message)
}

// Unwrap returns the underlying error.
func (e *EncodingError) Unwrap() error {
	return e.Err
}

// TimeoutError indicates an operation timed out.
type TimeoutError struct {
	Operation string
	Duration  string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}
