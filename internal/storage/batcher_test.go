package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBatcher(t *testing.T) {
	t.Run("flushes on interval", func(t *testing.T) {
		clk := clock.NewMock()
		var mu sync.Mutex
		var batches [][]Change
		b := NewBatcher(clk, time.Second, 100, zaptest.NewLogger(t), func(_ context.Context, batch []Change) {
			mu.Lock()
			batches = append(batches, batch)
			mu.Unlock()
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			b.Run(ctx)
			close(done)
		}()

		b.Add(Change{Table: "a"})
		b.Add(Change{Table: "b"})
		require.Eventually(t, func() bool {
			clk.Add(time.Second)
			mu.Lock()
			defer mu.Unlock()
			return len(batches) == 1
		}, time.Second, 10*time.Millisecond)

		cancel()
		<-done

		mu.Lock()
		defer mu.Unlock()
		assert.Len(t, batches[0], 2)
		assert.Equal(t, "a", batches[0][0].Table)
	})

	t.Run("flushes when full", func(t *testing.T) {
		got := make(chan int, 1)
		b := NewBatcher(clock.NewMock(), time.Hour, 3, zaptest.NewLogger(t), func(_ context.Context, batch []Change) {
			got <- len(batch)
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go b.Run(ctx)

		for i := 0; i < 3; i++ {
			b.Add(Change{})
		}
		select {
		case n := <-got:
			assert.Equal(t, 3, n)
		case <-time.After(time.Second):
			t.Fatal("batch was not flushed")
		}
	})

	t.Run("flush of empty batch is skipped", func(t *testing.T) {
		called := false
		b := NewBatcher(clock.NewMock(), time.Hour, 3, zaptest.NewLogger(t), func(context.Context, []Change) {
			called = true
		})
		b.Flush(context.Background())
		assert.False(t, called)
		assert.Equal(t, 0, b.Pending())
	})
}
