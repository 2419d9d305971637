// Package storage provides the durable key-value store the pipeline
// persists consent, queues, buffers and funnel counters into.
package storage

import (
	"context"
	"errors"
)

// Store is a durable key-value store.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored under key.
	// Returns ErrNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key.
	// Returns nil if the key doesn't exist.
	Delete(ctx context.Context, key string) error

	// DeleteByPrefix removes every key starting with prefix.
	DeleteByPrefix(ctx context.Context, prefix string) error

	// Keys lists keys starting with prefix in lexical order.
	// Returns an empty slice (not error) if nothing matches.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for storage operations.
var (
	// ErrNotFound indicates a key doesn't exist.
	ErrNotFound = errors.New("key not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store closed")
)
