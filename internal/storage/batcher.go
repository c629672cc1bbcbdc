package storage

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Batcher collects change events and hands them to a flush function in
// batches, either every interval or as soon as maxSize events are pending.
// Flushes never overlap, so batches are delivered in the order the changes
// were observed.
type Batcher struct {
	clock    clock.Clock
	interval time.Duration
	maxSize  int
	flush    func(ctx context.Context, batch []Change)
	logger   *zap.Logger

	mu      sync.Mutex
	pending []Change
	kick    chan struct{}

	flushMu sync.Mutex
}

// NewBatcher creates a batcher. Call Run to start the flush loop.
func NewBatcher(clk clock.Clock, interval time.Duration, maxSize int, logger *zap.Logger, flush func(ctx context.Context, batch []Change)) *Batcher {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Batcher{
		clock:    clk,
		interval: interval,
		maxSize:  maxSize,
		flush:    flush,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}
}

// Add queues one change. It can be passed directly to Watchable.Subscribe.
func (b *Batcher) Add(ch Change) {
	b.mu.Lock()
	b.pending = append(b.pending, ch)
	full := len(b.pending) >= b.maxSize
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of changes waiting for the next flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Run flushes pending changes until ctx is cancelled, then flushes once more.
func (b *Batcher) Run(ctx context.Context) {
	ticker := b.clock.Ticker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Flush(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			b.Flush(ctx)
		case <-b.kick:
			b.Flush(ctx)
		}
	}
}

// Flush hands all pending changes to the flush function.
func (b *Batcher) Flush(ctx context.Context) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	b.logger.Debug("flushing change batch", zap.Int("size", len(batch)))
	b.flush(ctx, batch)
}
