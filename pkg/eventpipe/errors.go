package eventpipe

import (
	"errors"
	"fmt"
)

// Sentinel errors for the dispatcher lifecycle.
var (
	// ErrNotInitialized indicates Initialize has not been called.
	ErrNotInitialized = errors.New("dispatcher not initialized")

	// ErrAlreadyInitialized indicates Initialize was called twice.
	ErrAlreadyInitialized = errors.New("dispatcher already initialized")

	// ErrShutdown indicates the dispatcher has been shut down.
	ErrShutdown = errors.New("dispatcher shut down")
)

// PanicError captures a panic raised by a sink during fan-out.
// It includes the stack trace for debugging.
type PanicError struct {
	// Sink is the name of the sink that panicked.
	Sink string
	// Op is the sink call that panicked ("track", "flush", ...).
	Op string
	// Value is the value passed to panic().
	Value any
	// Stack is the full stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("sink %s panicked in %s: %v", e.Sink, e.Op, e.Value)
}
