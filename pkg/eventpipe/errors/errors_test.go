package errors

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryString(t *testing.T) {
	tests := []struct {
		category Category
		expected string
	}{
		{CategoryTransient, "transient"},
		{CategoryPermanent, "permanent"},
		{Category(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.category.String())
		})
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Category
	}{
		{"nil error", nil, CategoryPermanent},
		{"HTTP 429", &HTTPError{StatusCode: 429}, CategoryTransient},
		{"HTTP 408", &HTTPError{StatusCode: 408}, CategoryTransient},
		{"HTTP 500", &HTTPError{StatusCode: 500}, CategoryTransient},
		{"HTTP 503", &HTTPError{StatusCode: 503}, CategoryTransient},
		{"HTTP 400", &HTTPError{StatusCode: 400}, CategoryPermanent},
		{"HTTP 401", &HTTPError{StatusCode: 401}, CategoryPermanent},
		{"HTTP 413", &HTTPError{StatusCode: 413}, CategoryPermanent},
		{"encoding", &EncodingError{Format: "json", Message: "bad"}, CategoryPermanent},
		{"timeout", &TimeoutError{Operation: "send", Duration: "10s"}, CategoryTransient},
		{"deadline", context.DeadlineExceeded, CategoryTransient},
		{"wrapped http", fmt.Errorf("send: %w", &HTTPError{StatusCode: 401}), CategoryPermanent},
		{"explicit permanent", Permanent(errors.New("x"), "op"), CategoryPermanent},
		{"unknown", errors.New("connection reset"), CategoryTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Categorize(tt.err))
		})
	}
}

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(nil))
	assert.True(t, IsPermanent(&HTTPError{StatusCode: 403}))
	assert.False(t, IsPermanent(&HTTPError{StatusCode: 502}))
	assert.True(t, IsRetryable(&HTTPError{StatusCode: 502}))
}

func TestCategorizedErrorMessage(t *testing.T) {
	err := &CategorizedError{Err: errors.New("boom"), Category: CategoryTransient, Retries: 2, Context: "connect"}
	assert.Equal(t, "connect: boom (category: transient, attempts: 2)", err.Error())
	assert.ErrorIs(t, err, err.Err)

	bare := &CategorizedError{Err: errors.New("boom"), Category: CategoryPermanent, Retries: 1}
	assert.Equal(t, "boom (category: permanent, attempts: 1)", bare.Error())
}

func TestBackoff(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, BackoffFactor: 2}

	assert.Equal(t, time.Duration(0), Backoff(cfg, 0))
	assert.Equal(t, 100*time.Millisecond, Backoff(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, Backoff(cfg, 2))
	assert.Equal(t, 300*time.Millisecond, Backoff(cfg, 3))
	assert.Equal(t, 300*time.Millisecond, Backoff(cfg, 10))
}

func TestDo(t *testing.T) {
	fast := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls atomic.Int32
		err := Do(context.Background(), fast, "dial", func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("refused")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		var calls atomic.Int32
		err := Do(context.Background(), fast, "dial", func(context.Context) error {
			calls.Add(1)
			return &HTTPError{StatusCode: 401}
		})
		require.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())

		var catErr *CategorizedError
		require.ErrorAs(t, err, &catErr)
		assert.Equal(t, CategoryPermanent, catErr.Category)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		var calls atomic.Int32
		err := Do(context.Background(), fast, "dial", func(context.Context) error {
			calls.Add(1)
			return errors.New("refused")
		})
		require.Error(t, err)
		assert.Equal(t, int32(3), calls.Load())
		assert.Contains(t, err.Error(), "max retries exceeded")
	})

	t.Run("respects cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Do(ctx, fast, "dial", func(context.Context) error {
			t.Fatal("should not be called")
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
