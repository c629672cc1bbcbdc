package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// storeFactories lets every behavioural test run against each backend.
func storeFactories(t *testing.T, clk clock.Clock) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store {
			return NewMemoryStore(WithClock(clk))
		},
		"sqlite": func() Store {
			path := filepath.Join(t.TempDir(), "clusters.db")
			s, err := OpenSQLite(path, 2, zaptest.NewLogger(t), WithClock(clk))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func newMockClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1700000000000))
	return clk
}

func TestStoreReadMissing(t *testing.T) {
	for name, factory := range storeFactories(t, newMockClock()) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			_, err := store.Read(context.Background(), "TT:edge:E1")
			assert.ErrorIs(t, err, ErrKeyNotFound)
		})
	}
}

func TestStoreUpdate(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t, newMockClock()) {
		t.Run(name, func(t *testing.T) {
			store := factory()

			// Update creates the record when missing
			rec, err := store.Update(ctx, "TT:node:abcd", Record{"id": "abcd", "stereo": "bot"}, Incr("connected", 1))
			require.NoError(t, err)
			assert.Equal(t, "abcd", rec["id"])
			assert.Equal(t, float64(1), rec["connected"])
			assert.Equal(t, float64(1700000000000), rec["createdAt"])
			assert.Equal(t, float64(1700000000000), rec["updatedAt"])

			// Increments are additive and fields are merged
			rec, err = store.Update(ctx, "TT:node:abcd", Record{"stage": "dev"}, Incr("connected", -1))
			require.NoError(t, err)
			assert.Equal(t, float64(0), rec["connected"])
			assert.Equal(t, "bot", rec["stereo"])
			assert.Equal(t, "dev", rec["stage"])

			got, err := store.Read(ctx, "TT:node:abcd")
			require.NoError(t, err)
			assert.Equal(t, rec, got)
		})
	}
}

func TestStoreArrayIncrements(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t, newMockClock()) {
		t.Run(name, func(t *testing.T) {
			store := factory()

			_, err := store.ReadOrCreate(ctx, "TT:cluster:open.bot", Record{"nodes": []int64{}})
			require.NoError(t, err)

			rec, err := store.Update(ctx, "TT:cluster:open.bot", nil, &Increment{
				Append: map[string][]any{"nodes": {1000001, 1000002, 1000003}},
			})
			require.NoError(t, err)
			assert.Equal(t, []any{float64(1000001), float64(1000002), float64(1000003)}, rec["nodes"])

			// Removals are applied before appends
			rec, err = store.Update(ctx, "TT:cluster:open.bot", nil, &Increment{
				RemoveIndex: map[string][]int{"nodes": {0, 2}},
				Append:      map[string][]any{"nodes": {1000004}},
			})
			require.NoError(t, err)
			assert.Equal(t, []any{float64(1000002), float64(1000004)}, rec["nodes"])
		})
	}
}

func TestStoreReadOrCreate(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t, newMockClock()) {
		t.Run(name, func(t *testing.T) {
			store := factory()

			first, err := store.ReadOrCreate(ctx, "TT:cluster:open", Record{"stereo": "master"})
			require.NoError(t, err)
			assert.Equal(t, "master", first["stereo"])

			// Defaults are ignored once the record exists
			second, err := store.ReadOrCreate(ctx, "TT:cluster:open", Record{"stereo": "other"})
			require.NoError(t, err)
			assert.Equal(t, first, second)
		})
	}
}

func TestStoreSequence(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t, newMockClock()) {
		t.Run(name, func(t *testing.T) {
			store := factory()

			first, err := store.NextSequence(ctx, "edge")
			require.NoError(t, err)
			assert.Equal(t, int64(1000001), first)

			second, err := store.NextSequence(ctx, "edge")
			require.NoError(t, err)
			assert.Equal(t, int64(1000002), second)

			other, err := store.NextSequence(ctx, "other")
			require.NoError(t, err)
			assert.Equal(t, int64(1000001), other)
		})
	}
}

func TestStoreConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t, clock.New()) {
		t.Run(name, func(t *testing.T) {
			store := factory()

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := store.Update(ctx, "TT:edge:E1000001", nil, Incr("connected", 1))
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			rec, err := store.Read(ctx, "TT:edge:E1000001")
			require.NoError(t, err)
			assert.Equal(t, float64(20), rec["connected"])
		})
	}
}

func TestStoreChanges(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t, newMockClock()) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			watchable, ok := store.(Watchable)
			require.True(t, ok)

			var changes []Change
			watchable.Subscribe(func(ch Change) { changes = append(changes, ch) })

			_, err := store.Update(ctx, "k", Record{"a": 1}, nil)
			require.NoError(t, err)
			_, err = store.Update(ctx, "k", Record{"a": 2}, nil)
			require.NoError(t, err)
			_, err = store.ReadOrCreate(ctx, "k", Record{"a": 3})
			require.NoError(t, err)

			// Reading an existing record emits nothing
			require.Len(t, changes, 2)
			assert.Equal(t, DefaultTable, changes[0].Table)
			assert.Nil(t, changes[0].Before)
			assert.Equal(t, float64(1), changes[0].After["a"])
			assert.Equal(t, float64(1), changes[1].Before["a"])
			assert.Equal(t, float64(2), changes[1].After["a"])
			assert.Equal(t, "k", changes[1].Keys["_id"])
		})
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Update(ctx, "k", Record{"list": []any{"a"}}, nil)
	require.NoError(t, err)

	rec, err := store.Read(ctx, "k")
	require.NoError(t, err)
	rec["list"].([]any)[0] = "changed"

	again, err := store.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, again["list"])
}

func TestStoreStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < 3; i++ {
		_, err := store.Update(ctx, fmt.Sprintf("k%d", i), Record{"v": i}, nil)
		require.NoError(t, err)
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Keys)
	assert.Greater(t, stats.Bytes, 0)
	assert.ElementsMatch(t, []string{"k0", "k1", "k2"}, store.Keys())
}
