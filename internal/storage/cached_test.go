package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	Store
	reads int
}

func (c *countingStore) Read(ctx context.Context, key string) (Record, error) {
	c.reads++
	return c.Store.Read(ctx, key)
}

// gatedStore holds every Read after it has loaded the record until release
// is closed.
type gatedStore struct {
	Store
	loaded  chan struct{}
	release chan struct{}
}

func (g *gatedStore) Read(ctx context.Context, key string) (Record, error) {
	rec, err := g.Store.Read(ctx, key)
	g.loaded <- struct{}{}
	<-g.release
	return rec, err
}

func TestCachedStore(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Store: NewMemoryStore()}
	cached, err := NewCachedStore(inner, 8, func(key string) bool {
		return strings.Contains(key, ":edge:")
	})
	require.NoError(t, err)

	_, err = inner.Update(ctx, "TT:edge:E1", Record{"stage": "dev"}, nil)
	require.NoError(t, err)
	_, err = inner.Update(ctx, "TT:node:abcd", Record{"stage": "dev"}, nil)
	require.NoError(t, err)

	t.Run("edge reads are served from cache", func(t *testing.T) {
		inner.reads = 0
		for i := 0; i < 3; i++ {
			rec, err := cached.Read(ctx, "TT:edge:E1")
			require.NoError(t, err)
			assert.Equal(t, "dev", rec["stage"])
		}
		assert.Equal(t, 1, inner.reads)
	})

	t.Run("other keys bypass the cache", func(t *testing.T) {
		inner.reads = 0
		for i := 0; i < 2; i++ {
			_, err := cached.Read(ctx, "TT:node:abcd")
			require.NoError(t, err)
		}
		assert.Equal(t, 2, inner.reads)
	})

	t.Run("writes refresh the cached copy", func(t *testing.T) {
		_, err := cached.Update(ctx, "TT:edge:E1", Record{"stage": "prod"}, nil)
		require.NoError(t, err)

		inner.reads = 0
		rec, err := cached.Read(ctx, "TT:edge:E1")
		require.NoError(t, err)
		assert.Equal(t, "prod", rec["stage"])
		assert.Equal(t, 0, inner.reads)
	})

	t.Run("cached records are not shared", func(t *testing.T) {
		rec, err := cached.Read(ctx, "TT:edge:E1")
		require.NoError(t, err)
		rec["stage"] = "mutated"

		again, err := cached.Read(ctx, "TT:edge:E1")
		require.NoError(t, err)
		assert.Equal(t, "prod", again["stage"])
	})

	t.Run("missing keys are not cached", func(t *testing.T) {
		_, err := cached.Read(ctx, "TT:edge:E2")
		assert.ErrorIs(t, err, ErrKeyNotFound)
		cached.Invalidate("TT:edge:E1")
		assert.Equal(t, 0, cached.Len())
	})
}

func TestCachedStoreReadRacingUpdate(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	_, err := mem.Update(ctx, "TT:edge:E1", Record{"stage": "old"}, nil)
	require.NoError(t, err)

	inner := &gatedStore{Store: mem, loaded: make(chan struct{}, 1), release: make(chan struct{})}
	cached, err := NewCachedStore(inner, 8, nil)
	require.NoError(t, err)

	type result struct {
		rec Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := cached.Read(ctx, "TT:edge:E1")
		done <- result{rec, err}
	}()
	<-inner.loaded

	_, err = cached.Update(ctx, "TT:edge:E1", Record{"stage": "new"}, nil)
	require.NoError(t, err)

	close(inner.release)
	slow := <-done
	require.NoError(t, slow.err)
	assert.Equal(t, "old", slow.rec["stage"])

	// the slow read must not replace the newer cached copy
	rec, err := cached.Read(ctx, "TT:edge:E1")
	require.NoError(t, err)
	assert.Equal(t, "new", rec["stage"])
}

func TestCachedStoreInvalidateDuringRead(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	_, err := mem.Update(ctx, "TT:edge:E1", Record{"stage": "old"}, nil)
	require.NoError(t, err)

	inner := &gatedStore{Store: mem, loaded: make(chan struct{}, 2), release: make(chan struct{})}
	cached, err := NewCachedStore(inner, 8, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := cached.Read(ctx, "TT:edge:E1")
		done <- err
	}()
	<-inner.loaded
	cached.Invalidate("TT:edge:E1")
	close(inner.release)
	require.NoError(t, <-done)

	assert.Equal(t, 0, cached.Len())
}
