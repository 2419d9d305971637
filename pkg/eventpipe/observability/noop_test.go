package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoopMetrics_DoesNotPanic(t *testing.T) {
	m := NoopMetrics{}
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordTracked(ctx, "event")
		m.RecordSuppressed(ctx, "consent")
		m.RecordValidation(ctx, 1, 1)
		m.RecordDelivery(ctx, "http", 1, time.Millisecond, errors.New("x"))
		m.RecordDropped(ctx, "queue", 1, "reason")
		m.RecordQueueDepth(ctx, "queue", 0)
	})
}

func TestNoopSpanManager(t *testing.T) {
	s := NoopSpanManager{}
	ctx := context.Background()

	got, span := s.StartFlushSpan(ctx, "http", 1)
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())

	got, span = s.StartQueuePassSpan(ctx, "http", 1)
	assert.Equal(t, ctx, got)
	assert.NotPanics(t, func() { s.EndSpanWithError(span, errors.New("x")) })
}
