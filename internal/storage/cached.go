package storage

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedStore is a read-through LRU cache in front of another Store.
// Only keys accepted by the cacheable predicate are cached; writes through
// the cache replace the cached copy with the merged record. A read or write
// that overlapped another write of the same key is never cached.
type CachedStore struct {
	Store
	cache     *lru.Cache[string, Record]
	cacheable func(key string) bool

	mu   sync.Mutex
	keys map[string]*keyState
}

// keyState orders cache fills against writes of one key.
type keyState struct {
	gen     uint64
	writers int
	overlap bool
}

// NewCachedStore wraps inner with an LRU cache holding up to size records.
// A nil cacheable caches every key.
func NewCachedStore(inner Store, size int, cacheable func(key string) bool) (*CachedStore, error) {
	cache, err := lru.New[string, Record](size)
	if err != nil {
		return nil, fmt.Errorf("cached store: %w", err)
	}
	if cacheable == nil {
		cacheable = func(string) bool { return true }
	}
	return &CachedStore{
		Store:     inner,
		cache:     cache,
		cacheable: cacheable,
		keys:      make(map[string]*keyState),
	}, nil
}

// state returns the write state of key. Callers hold c.mu.
func (c *CachedStore) state(key string) *keyState {
	st, ok := c.keys[key]
	if !ok {
		st = &keyState{}
		c.keys[key] = st
	}
	return st
}

// Read serves the record from the cache when present.
func (c *CachedStore) Read(ctx context.Context, key string) (Record, error) {
	if !c.cacheable(key) {
		return c.Store.Read(ctx, key)
	}
	if rec, ok := c.cache.Get(key); ok {
		return rec.Clone(), nil
	}

	c.mu.Lock()
	st := c.state(key)
	gen, busy := st.gen, st.writers > 0
	c.mu.Unlock()

	rec, err := c.Store.Read(ctx, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if !busy && st.writers == 0 && st.gen == gen {
		c.cache.Add(key, rec.Clone())
	}
	c.mu.Unlock()
	return rec, nil
}

// Update writes through and refreshes the cached copy.
func (c *CachedStore) Update(ctx context.Context, key string, fields Record, incr *Increment) (Record, error) {
	return c.write(key, func() (Record, error) {
		return c.Store.Update(ctx, key, fields, incr)
	})
}

// ReadOrCreate writes through and refreshes the cached copy.
func (c *CachedStore) ReadOrCreate(ctx context.Context, key string, defaults Record) (Record, error) {
	return c.write(key, func() (Record, error) {
		return c.Store.ReadOrCreate(ctx, key, defaults)
	})
}

// write runs fn and caches its result unless another write of key ran
// concurrently, in which case the cached copy is dropped.
func (c *CachedStore) write(key string, fn func() (Record, error)) (Record, error) {
	if !c.cacheable(key) {
		return fn()
	}

	c.mu.Lock()
	st := c.state(key)
	st.gen++
	gen := st.gen
	if st.writers > 0 {
		st.overlap = true
	}
	st.writers++
	c.mu.Unlock()

	rec, err := fn()

	c.mu.Lock()
	defer c.mu.Unlock()
	st.writers--
	if err == nil && st.gen == gen && !st.overlap {
		c.cache.Add(key, rec.Clone())
	} else {
		c.cache.Remove(key)
	}
	if st.writers == 0 {
		st.overlap = false
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Invalidate drops key from the cache.
func (c *CachedStore) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(key).gen++
	c.cache.Remove(key)
}

// Len returns the number of cached records.
func (c *CachedStore) Len() int {
	return c.cache.Len()
}

// Subscribe forwards to the wrapped store when it emits changes.
func (c *CachedStore) Subscribe(fn func(Change)) {
	if w, ok := c.Store.(Watchable); ok {
		w.Subscribe(fn)
	}
}
