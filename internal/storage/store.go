package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// DefaultSequenceBase is the value sequences start after.
const DefaultSequenceBase int64 = 1000000

// DefaultTable is the table name reported in change events.
const DefaultTable = "Clusters"

// Store defines the record store used by the service layer.
// All implementations must be safe for concurrent access, and Update must be
// atomic per key so concurrent increments are never lost.
type Store interface {
	// Read returns the record under key, or ErrKeyNotFound.
	Read(ctx context.Context, key string) (Record, error)

	// Update merges fields and incr into the record under key, creating it
	// when missing, and returns the merged record.
	Update(ctx context.Context, key string, fields Record, incr *Increment) (Record, error)

	// ReadOrCreate returns the record under key, creating it from defaults
	// when missing.
	ReadOrCreate(ctx context.Context, key string, defaults Record) (Record, error)

	// NextSequence returns the next value of the named sequence.
	NextSequence(ctx context.Context, name string) (int64, error)
}

// Watchable is implemented by stores that emit change events.
type Watchable interface {
	Subscribe(fn func(Change))
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int `json:"keys"`  // Number of records
	Bytes int `json:"bytes"` // Total encoded size of all records
}

// Option configures a store.
type Option func(*options)

type options struct {
	clock        clock.Clock
	table        string
	sequenceBase int64
}

func defaultOptions() options {
	return options{clock: clock.New(), table: DefaultTable, sequenceBase: DefaultSequenceBase}
}

// WithClock sets the clock used for createdAt and updatedAt stamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTable sets the table name reported in change events.
func WithTable(name string) Option {
	return func(o *options) { o.table = name }
}

// WithSequenceBase sets the value sequences start after.
func WithSequenceBase(base int64) Option {
	return func(o *options) { o.sequenceBase = base }
}

// subscribers is the change fan-out shared by the store implementations.
type subscribers struct {
	mu  sync.RWMutex
	fns []func(Change)
}

func (s *subscribers) Subscribe(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
}

func (s *subscribers) emit(ch Change) {
	s.mu.RLock()
	fns := s.fns
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(Change{Table: ch.Table, Keys: ch.Keys.Clone(), Before: ch.Before.Clone(), After: ch.After.Clone()})
	}
}

// MemoryStore implements Store with in-memory storage.
// Records are kept encoded, so every read hands out a private copy.
type MemoryStore struct {
	subscribers

	mu        sync.RWMutex      // Protects data and sequences
	data      map[string][]byte // Encoded records by key
	sequences map[string]int64
	opts      options
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore{
		data:      make(map[string][]byte),
		sequences: make(map[string]int64),
		opts:      o,
	}
}

// Read returns a copy of the record under key.
func (m *MemoryStore) Read(_ context.Context, key string) (Record, error) {
	m.mu.RLock()
	value, exists := m.data[key]
	m.mu.RUnlock()
	if !exists {
		return nil, ErrKeyNotFound
	}
	return decode(value)
}

// Update merges fields and incr into the record under key.
func (m *MemoryStore) Update(_ context.Context, key string, fields Record, incr *Increment) (Record, error) {
	m.mu.Lock()
	var before Record
	if value, exists := m.data[key]; exists {
		var err error
		if before, err = decode(value); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	after, err := m.put(key, before, fields, incr)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.emit(Change{Table: m.opts.table, Keys: Record{"_id": key}, Before: before, After: after})
	return after.Clone(), nil
}

// ReadOrCreate returns the record under key, creating it from defaults.
func (m *MemoryStore) ReadOrCreate(_ context.Context, key string, defaults Record) (Record, error) {
	m.mu.Lock()
	if value, exists := m.data[key]; exists {
		m.mu.Unlock()
		return decode(value)
	}
	after, err := m.put(key, nil, defaults, nil)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.emit(Change{Table: m.opts.table, Keys: Record{"_id": key}, After: after})
	return after.Clone(), nil
}

// put must be called with m.mu held.
func (m *MemoryStore) put(key string, before, fields Record, incr *Increment) (Record, error) {
	after, err := merge(before, fields, incr, m.opts.clock.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(after)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", key, err)
	}
	m.data[key] = encoded
	return after, nil
}

// NextSequence returns the next value of the named sequence.
func (m *MemoryStore) NextSequence(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sequences[name]
	if !ok {
		cur = m.opts.sequenceBase
	}
	cur++
	m.sequences[name] = cur
	return cur, nil
}

// Keys returns all keys in the store. Order is not guaranteed.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	return keys
}

// Stats returns storage statistics
func (m *MemoryStore) Stats(context.Context) (StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, value := range m.data {
		totalBytes += len(value)
	}

	return StoreStats{
		Keys:  len(m.data),
		Bytes: totalBytes,
	}, nil
}
