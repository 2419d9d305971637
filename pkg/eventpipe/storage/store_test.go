package storage_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory creates a store instance for testing.
type storeFactory func(t *testing.T) storage.Store

// storeContractTest runs contract tests against any Store implementation.
func storeContractTest(t *testing.T, name string, factory storeFactory) {
	ctx := context.Background()

	t.Run(name+"/Set_and_Get", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		data := []byte(`{"granted":true}`)
		require.NoError(t, store.Set(ctx, storage.KeyConsent, data))

		loaded, err := store.Get(ctx, storage.KeyConsent)
		require.NoError(t, err)
		assert.Equal(t, data, loaded)
	})

	t.Run(name+"/Get_NotFound", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run(name+"/Set_Overwrite", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Set(ctx, "k", []byte("first")))
		require.NoError(t, store.Set(ctx, "k", []byte("second")))

		loaded, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), loaded)
	})

	t.Run(name+"/Set_CopiesInput", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		data := []byte("abc")
		require.NoError(t, store.Set(ctx, "k", data))
		data[0] = 'x'

		loaded, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), loaded)
	})

	t.Run(name+"/Delete", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Set(ctx, "k", []byte("v")))
		require.NoError(t, store.Delete(ctx, "k"))
		_, err := store.Get(ctx, "k")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		assert.NoError(t, store.Delete(ctx, "never-existed"))
	})

	t.Run(name+"/DeleteByPrefix", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Set(ctx, storage.QueueKey("http"), []byte("1")))
		require.NoError(t, store.Set(ctx, storage.QueueKey("nats"), []byte("2")))
		require.NoError(t, store.Set(ctx, storage.BufferKey("http"), []byte("3")))
		require.NoError(t, store.Set(ctx, storage.KeyConsent, []byte("4")))

		require.NoError(t, store.DeleteByPrefix(ctx, storage.PrefixQueue))

		keys, err := store.Keys(ctx, "analytics:")
		require.NoError(t, err)
		assert.Equal(t, []string{storage.BufferKey("http"), storage.KeyConsent}, keys)
	})

	t.Run(name+"/Keys_Empty", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		keys, err := store.Keys(ctx, "nothing:")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run(name+"/Keys_Ordered", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		for _, k := range []string{"b", "c", "a"} {
			require.NoError(t, store.Set(ctx, "p:"+k, []byte(k)))
		}
		keys, err := store.Keys(ctx, "p:")
		require.NoError(t, err)
		assert.Equal(t, []string{"p:a", "p:b", "p:c"}, keys)
	})

	t.Run(name+"/Closed", func(t *testing.T) {
		store := factory(t)
		require.NoError(t, store.Close())

		_, err := store.Get(ctx, "k")
		assert.ErrorIs(t, err, storage.ErrStoreClosed)
		assert.ErrorIs(t, store.Set(ctx, "k", nil), storage.ErrStoreClosed)
		assert.ErrorIs(t, store.Delete(ctx, "k"), storage.ErrStoreClosed)
		assert.ErrorIs(t, store.DeleteByPrefix(ctx, "k"), storage.ErrStoreClosed)
		_, err = store.Keys(ctx, "")
		assert.ErrorIs(t, err, storage.ErrStoreClosed)
	})

	t.Run(name+"/Concurrent", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("c:%02d", i)
				assert.NoError(t, store.Set(ctx, key, []byte(key)))
				_, err := store.Get(ctx, key)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		keys, err := store.Keys(ctx, "c:")
		require.NoError(t, err)
		assert.Len(t, keys, 20)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContractTest(t, "MemoryStore", func(t *testing.T) storage.Store {
		return storage.NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	storeContractTest(t, "SQLiteStore", func(t *testing.T) storage.Store {
		store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "eventpipe.db"))
		require.NoError(t, err)
		return store
	})
}
