package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	key  TEXT PRIMARY KEY,
	body TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sequences (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// SQLiteStore implements Store on a SQLite database file.
// Every read-merge-write runs inside an IMMEDIATE transaction, which takes
// the database write lock up front, so increments from concurrent goroutines
// or processes sharing the file are serialized.
type SQLiteStore struct {
	subscribers

	pool   *sqlitex.Pool
	path   string
	opts   options
	logger *zap.Logger
}

// OpenSQLite opens (creating when needed) the database at path.
// Use ":memory:" with poolSize 1 in tests; each in-memory connection is a
// separate database.
func OpenSQLite(path string, poolSize int, logger *zap.Logger, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store: path is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: opening %s: %w", path, err)
	}

	logger.Info("sqlite store opened", zap.String("path", path), zap.Int("pool_size", poolSize))
	return &SQLiteStore{pool: pool, path: path, opts: o, logger: logger}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
}

// Close closes all connections of the pool.
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlite store: closing %s: %w", s.path, err)
	}
	s.logger.Info("sqlite store closed", zap.String("path", s.path))
	return nil
}

// Read returns the record under key.
func (s *SQLiteStore) Read(ctx context.Context, key string) (Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: read: %w", err)
	}
	defer s.pool.Put(conn)

	body, found, err := selectBody(conn, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	return decode([]byte(body))
}

// Update merges fields and incr into the record under key.
func (s *SQLiteStore) Update(ctx context.Context, key string, fields Record, incr *Increment) (Record, error) {
	before, after, err := s.write(ctx, key, func(before Record, found bool) (Record, bool, error) {
		after, err := merge(before, fields, incr, s.opts.clock.Now().UnixMilli())
		return after, true, err
	})
	if err != nil {
		return nil, err
	}
	s.emit(Change{Table: s.opts.table, Keys: Record{"_id": key}, Before: before, After: after})
	return after, nil
}

// ReadOrCreate returns the record under key, creating it from defaults.
func (s *SQLiteStore) ReadOrCreate(ctx context.Context, key string, defaults Record) (Record, error) {
	created := false
	_, after, err := s.write(ctx, key, func(before Record, found bool) (Record, bool, error) {
		if found {
			return before, false, nil
		}
		created = true
		after, err := merge(nil, defaults, nil, s.opts.clock.Now().UnixMilli())
		return after, true, err
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.emit(Change{Table: s.opts.table, Keys: Record{"_id": key}, After: after})
	}
	return after, nil
}

// write runs fn inside an IMMEDIATE transaction. fn reports whether its
// result must be stored.
func (s *SQLiteStore) write(ctx context.Context, key string, fn func(Record, bool) (Record, bool, error)) (before, after Record, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite store: write: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	body, found, err := selectBody(conn, key)
	if err != nil {
		return nil, nil, err
	}
	if found {
		if before, err = decode([]byte(body)); err != nil {
			return nil, nil, err
		}
	}

	after, store, err := fn(before.Clone(), found)
	if err != nil {
		return nil, nil, err
	}
	if !store {
		return before, after, nil
	}

	encoded, err := json.Marshal(after)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite store: encode %s: %w", key, err)
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO records (key, body) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET body = excluded.body`,
		&sqlitex.ExecOptions{Args: []any{key, string(encoded)}})
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite store: write %s: %w", key, err)
	}
	return before, after, nil
}

func selectBody(conn *sqlite.Conn, key string) (body string, found bool, err error) {
	err = sqlitex.Execute(conn, "SELECT body FROM records WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			body = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("sqlite store: read %s: %w", key, err)
	}
	return body, found, nil
}

// NextSequence returns the next value of the named sequence.
func (s *SQLiteStore) NextSequence(ctx context.Context, name string) (next int64, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("sqlite store: sequence: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("sqlite store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	next = s.opts.sequenceBase
	err = sqlitex.Execute(conn, "SELECT value FROM sequences WHERE name = ?", &sqlitex.ExecOptions{
		Args: []any{name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			next = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("sqlite store: sequence %s: %w", name, err)
	}
	next++
	err = sqlitex.Execute(conn,
		`INSERT INTO sequences (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		&sqlitex.ExecOptions{Args: []any{name, next}})
	if err != nil {
		return 0, fmt.Errorf("sqlite store: sequence %s: %w", name, err)
	}
	return next, nil
}

// Stats returns storage statistics
func (s *SQLiteStore) Stats(ctx context.Context) (StoreStats, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return StoreStats{}, fmt.Errorf("sqlite store: stats: %w", err)
	}
	defer s.pool.Put(conn)

	var stats StoreStats
	err = sqlitex.Execute(conn, "SELECT COUNT(*), COALESCE(SUM(LENGTH(body)), 0) FROM records", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.Keys = stmt.ColumnInt(0)
			stats.Bytes = stmt.ColumnInt(1)
			return nil
		},
	})
	if err != nil {
		return StoreStats{}, fmt.Errorf("sqlite store: stats: %w", err)
	}
	return stats, nil
}
