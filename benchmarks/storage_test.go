package benchmarks

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/storage"
)

// batchPayload returns a persisted buffer of n events.
func batchPayload(b *testing.B, n int) []byte {
	b.Helper()
	events := make([]event.Event, n)
	for i := range events {
		events[i] = sampleEvent(i)
	}
	data, err := json.Marshal(events)
	if err != nil {
		b.Fatal(err)
	}
	return data
}

func sampleEvent(i int) event.Event {
	return event.Event{
		ID:   event.NewID(),
		Name: "article_read",
		Properties: event.Properties{
			"article_id": event.String(fmt.Sprintf("a-%d", i)),
			"position":   event.Int(int64(i)),
			"premium":    event.Bool(i%2 == 0),
		},
		TimestampMs: 1_700_000_000_000 + int64(i),
		SessionID:   "session-1",
		Platform:    event.PlatformWeb,
		AppVersion:  "1.0.0",
	}
}

func createSQLiteStore(b *testing.B) *storage.SQLiteStore {
	b.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { store.Close() })
	return store
}

// BenchmarkMemoryStore_Set measures persisting a 20-event buffer in memory.
func BenchmarkMemoryStore_Set(b *testing.B) {
	store := storage.NewMemoryStore()
	data := batchPayload(b, 20)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.Set(ctx, storage.BufferKey("http"), data)
	}
}

// BenchmarkSQLiteStore_Set measures persisting a 20-event buffer to SQLite.
func BenchmarkSQLiteStore_Set(b *testing.B) {
	store := createSQLiteStore(b)
	data := batchPayload(b, 20)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.Set(ctx, storage.BufferKey(fmt.Sprintf("sink-%d", i%10)), data)
	}
}

// BenchmarkSQLiteStore_Get measures loading a 1000-entry queue from SQLite.
func BenchmarkSQLiteStore_Get(b *testing.B) {
	store := createSQLiteStore(b)
	ctx := context.Background()
	if err := store.Set(ctx, storage.QueueKey("http"), batchPayload(b, 1000)); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Get(ctx, storage.QueueKey("http"))
	}
}

// BenchmarkSQLiteStore_DeleteByPrefix measures a consent revocation sweep.
func BenchmarkSQLiteStore_DeleteByPrefix(b *testing.B) {
	store := createSQLiteStore(b)
	ctx := context.Background()
	data := batchPayload(b, 20)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		for j := 0; j < 5; j++ {
			_ = store.Set(ctx, storage.QueueKey(fmt.Sprintf("sink-%d", j)), data)
		}
		b.StartTimer()
		for _, prefix := range storage.AnalyticsPrefixes {
			_ = store.DeleteByPrefix(ctx, prefix)
		}
	}
}
