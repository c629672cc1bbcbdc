// Package storage keeps the JSON records behind the cluster service.
//
// Records are flat JSON objects addressed by string keys of the form
// "<ns>:<type>:<id>". Every backend implements Store:
//
//	Read(ctx, key)                      the record, or nil when missing
//	Update(ctx, key, fields, incr)      merge fields and apply increments
//	ReadOrCreate(ctx, key, defaults)    create once, then return as stored
//	NextSequence(ctx, name)             monotonic counter above the base
//
// Two backends are provided. MemoryStore keeps records in a map and is used
// by tests and single process deployments. SQLiteStore keeps one row per
// record in a pooled SQLite database. CachedStore puts an LRU in front of
// either one for hot keys.
//
// Writes emit a Change with the record before and after the write. A
// Batcher collects changes and hands them on in batches, which is how the
// change feed reaches the aggregation jobs.
//
// Numbers read back from any backend are float64, matching what the JSON
// codec produces.
package storage
