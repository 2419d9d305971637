package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/connectivity"
	eperrors "github.com/randalmurphal/eventpipe/pkg/eventpipe/errors"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records attempts per event and fails according to fail.
type fakeTransport struct {
	mu        sync.Mutex
	attempts  map[string]int
	successes map[string]int
	fail      func(id string, attempt int) error
}

func newFakeTransport(fail func(id string, attempt int) error) *fakeTransport {
	return &fakeTransport{
		attempts:  make(map[string]int),
		successes: make(map[string]int),
		fail:      fail,
	}
}

func (f *fakeTransport) Deliver(_ context.Context, qe event.QueuedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[qe.ID]++
	if err := f.fail(qe.ID, f.attempts[qe.ID]); err != nil {
		return err
	}
	f.successes[qe.ID]++
	return nil
}

func (f *fakeTransport) counts(id string) (attempts, successes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[id], f.successes[id]
}

var errUnavailable = &eperrors.HTTPError{StatusCode: 503, Message: "unavailable"}

func testConfig() Config {
	return Config{
		Name:            "test",
		MaxSize:         100,
		MaxRetries:      3,
		RetryDelay:      time.Hour,
		ProcessInterval: time.Hour,
	}
}

func newEvent(name string) event.Event {
	return event.Event{ID: event.NewID(), Name: name, Properties: event.Properties{}}
}

func startQueue(t *testing.T, cfg Config, store storage.Store, d Deliverer, opts ...Option) *DurableQueue {
	t.Helper()
	q := New(cfg, store, d, opts...)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(q.Stop)
	return q
}

func TestDurableQueue_RetryBound(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport(func(string, int) error { return errUnavailable })
	q := startQueue(t, testConfig(), storage.NewMemoryStore(), transport)

	e := newEvent("signup")
	require.NoError(t, q.Enqueue(ctx, e))

	for i := 1; i <= 2; i++ {
		require.NoError(t, q.Process(ctx))
		snap, err := q.Snapshot(ctx)
		require.NoError(t, err)
		require.Len(t, snap, 1)
		assert.Equal(t, i, snap[0].RetryCount, "retry count grows by one per failed attempt")
	}

	require.NoError(t, q.Process(ctx))
	assert.Equal(t, 0, q.Len(), "dropped after MaxRetries failures")

	require.NoError(t, q.Process(ctx))
	attempts, _ := transport.counts(e.ID)
	assert.Equal(t, 3, attempts, "never attempted again")
}

func TestDurableQueue_SucceedsOnLastAttempt(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport(func(_ string, attempt int) error {
		if attempt < 3 {
			return errUnavailable
		}
		return nil
	})
	q := startQueue(t, testConfig(), storage.NewMemoryStore(), transport)

	e := newEvent("signup")
	require.NoError(t, q.Enqueue(ctx, e))
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Process(ctx))
	}

	attempts, successes := transport.counts(e.ID)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 1, successes)
	assert.Equal(t, 0, q.Len())
}

func TestDurableQueue_PermanentErrorDrops(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport(func(string, int) error {
		return &eperrors.HTTPError{StatusCode: 400, Message: "bad request"}
	})
	q := startQueue(t, testConfig(), storage.NewMemoryStore(), transport)

	require.NoError(t, q.Enqueue(ctx, newEvent("signup")))
	require.NoError(t, q.Process(ctx))
	assert.Equal(t, 0, q.Len())
}

func TestDurableQueue_FIFOEviction(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxSize = 5
	q := startQueue(t, cfg, storage.NewMemoryStore(), newFakeTransport(func(string, int) error { return nil }),
		WithObserver(connectivity.NewManual(false)))

	var ids []string
	for i := 0; i < 8; i++ {
		e := newEvent(fmt.Sprintf("e%d", i))
		ids = append(ids, e.ID)
		require.NoError(t, q.Enqueue(ctx, e))
	}

	snap, err := q.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 5)
	for i, qe := range snap {
		assert.Equal(t, ids[3+i], qe.ID)
	}
}

func TestDurableQueue_PersistRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	transport := newFakeTransport(func(string, int) error { return errUnavailable })

	q := New(testConfig(), store, transport)
	require.NoError(t, q.Start(ctx))
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Enqueue(ctx, newEvent(fmt.Sprintf("e%d", i))))
	}
	require.NoError(t, q.Process(ctx))
	require.NoError(t, q.Enqueue(ctx, newEvent("late")))
	before, err := q.Snapshot(ctx)
	require.NoError(t, err)
	q.Stop()

	reloaded := startQueue(t, testConfig(), store, transport, WithObserver(connectivity.NewManual(false)))
	after, err := reloaded.Snapshot(ctx)
	require.NoError(t, err)

	require.Len(t, after, 5)
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].RetryCount, after[i].RetryCount)
		assert.Equal(t, before[i].QueuedAtMs, after[i].QueuedAtMs)
	}
	assert.Equal(t, 1, after[0].RetryCount)
	assert.Equal(t, 0, after[4].RetryCount)
}

func TestDurableQueue_ReconnectDrainsOnce(t *testing.T) {
	ctx := context.Background()
	observer := connectivity.NewManual(false)
	transport := newFakeTransport(func(_ string, attempt int) error {
		if attempt == 1 {
			return errUnavailable
		}
		return nil
	})
	cfg := testConfig()
	cfg.RetryDelay = 10 * time.Millisecond
	q := startQueue(t, cfg, storage.NewMemoryStore(), transport, WithObserver(observer))

	var ids []string
	for i := 0; i < 3; i++ {
		e := newEvent(fmt.Sprintf("offline_%d", i))
		ids = append(ids, e.ID)
		require.NoError(t, q.Enqueue(ctx, e))
	}
	assert.ErrorIs(t, q.Process(ctx), ErrOffline)

	observer.Set(true)

	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	for _, id := range ids {
		attempts, successes := transport.counts(id)
		assert.Equal(t, 2, attempts)
		assert.Equal(t, 1, successes)
	}
}

func TestDurableQueue_EnqueueDoesNotWaitOnNetwork(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	d := DeliverFunc(func(ctx context.Context, _ event.QueuedEvent) error {
		started <- struct{}{}
		<-release
		return nil
	})
	q := startQueue(t, testConfig(), storage.NewMemoryStore(), d)

	require.NoError(t, q.Enqueue(ctx, newEvent("first")))
	passDone := make(chan error, 1)
	go func() { passDone <- q.Process(ctx) }()
	<-started

	enqueueCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, q.Enqueue(enqueueCtx, newEvent("second")))
	assert.Equal(t, 2, q.Len(), "in-flight entries still count")

	close(release)
	require.NoError(t, <-passDone)
	assert.Equal(t, 1, q.Len())
}

func TestDurableQueue_Purge(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	q := startQueue(t, testConfig(), store, newFakeTransport(func(string, int) error { return nil }),
		WithObserver(connectivity.NewManual(false)))

	require.NoError(t, q.Enqueue(ctx, newEvent("a")))
	_, err := store.Get(ctx, q.Key())
	require.NoError(t, err)

	require.NoError(t, q.Purge(ctx))
	assert.Equal(t, 0, q.Len())
	_, err = store.Get(ctx, q.Key())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDurableQueue_Stopped(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(ctx, storage.QueueKey("test"), []byte("[]")))
	q := New(testConfig(), store, DeliverFunc(func(context.Context, event.QueuedEvent) error { return nil }))

	assert.ErrorIs(t, q.Enqueue(ctx, newEvent("a")), ErrStopped)
	assert.ErrorIs(t, q.Process(ctx), ErrStopped)
	assert.Equal(t, 0, q.Len())

	require.NoError(t, q.Purge(ctx))
	_, err := store.Get(ctx, storage.QueueKey("test"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	q.Stop()
}

func TestDurableQueue_StartDrainsPersisted(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	offline := New(testConfig(), store, DeliverFunc(func(context.Context, event.QueuedEvent) error {
		return errors.New("unreachable")
	}), WithObserver(connectivity.NewManual(false)))
	require.NoError(t, offline.Start(ctx))
	require.NoError(t, offline.Enqueue(ctx, newEvent("a")))
	offline.Stop()

	transport := newFakeTransport(func(string, int) error { return nil })
	q := startQueue(t, testConfig(), store, transport)
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
}
