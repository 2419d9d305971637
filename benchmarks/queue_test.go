package benchmarks

import (
	"context"
	"testing"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/connectivity"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/queue"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/storage"
)

func startQueue(b *testing.B, store storage.Store, maxSize int) *queue.DurableQueue {
	b.Helper()
	deliver := queue.DeliverFunc(func(context.Context, event.QueuedEvent) error { return nil })
	q := queue.New(queue.Config{Name: "bench", MaxSize: maxSize}, store, deliver,
		queue.WithObserver(connectivity.NewManual(false)),
		queue.WithLogger(quiet),
	)
	if err := q.Start(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(q.Stop)
	return q
}

// BenchmarkQueue_Enqueue_Memory measures enqueue plus persist while offline.
func BenchmarkQueue_Enqueue_Memory(b *testing.B) {
	q := startQueue(b, storage.NewMemoryStore(), 100)
	ctx := context.Background()
	e := sampleEvent(0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = q.Enqueue(ctx, e)
	}
}

// BenchmarkQueue_Enqueue_SQLite measures enqueue with a SQLite store.
func BenchmarkQueue_Enqueue_SQLite(b *testing.B) {
	q := startQueue(b, createSQLiteStore(b), 100)
	ctx := context.Background()
	e := sampleEvent(0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = q.Enqueue(ctx, e)
	}
}
