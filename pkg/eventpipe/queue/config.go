package queue

import (
	"errors"
	"time"
)

// Sentinel errors for queue operations.
var (
	// ErrStopped indicates the queue is not running.
	ErrStopped = errors.New("queue stopped")

	// ErrOffline indicates a pass was skipped because the device is offline.
	ErrOffline = errors.New("queue pass skipped: offline")
)

// Config configures a DurableQueue.
type Config struct {
	// Name identifies the owning sink and the persisted key.
	Name string

	// MaxSize caps the queue; the oldest entries are evicted first.
	// Default: 1000
	MaxSize int

	// MaxRetries is the number of failed attempts after which an entry is
	// dropped.
	// Default: 3
	MaxRetries int

	// RetryDelay separates a pass that left entries behind from the next.
	// Default: 5 seconds
	RetryDelay time.Duration

	// ProcessInterval triggers passes even without a connectivity signal.
	// Default: 1 minute
	ProcessInterval time.Duration

	// SendTimeout bounds each delivery.
	// Default: 10 seconds
	SendTimeout time.Duration
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Name:            "default",
	MaxSize:         1000,
	MaxRetries:      3,
	RetryDelay:      5 * time.Second,
	ProcessInterval: time.Minute,
	SendTimeout:     10 * time.Second,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.MaxSize <= 0 {
		c.MaxSize = d.MaxSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.ProcessInterval <= 0 {
		c.ProcessInterval = d.ProcessInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	return c
}
