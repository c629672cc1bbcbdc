package storage

import (
	"encoding/json"
	"fmt"
)

// Record is a JSON-shaped document kept under one key.
// Values hold the types produced by encoding/json: string, float64, bool,
// nil, []any and map[string]any.
type Record map[string]any

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// String returns the string stored under key, or "".
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Int returns the numeric value stored under key truncated to int64.
func (r Record) Int(key string) int64 {
	n, _ := toFloat(r[key])
	return int64(n)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case Record:
		return map[string]any(t.Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Increment carries the relative part of an update. Within one call removals
// are applied first, then appends, then numeric additions.
type Increment struct {
	// Add holds deltas applied to numeric fields; a missing field counts as 0.
	Add map[string]float64
	// Append holds values appended to array fields.
	Append map[string][]any
	// RemoveIndex holds positions removed from array fields.
	RemoveIndex map[string][]int
}

// Incr returns an increment adding n to a single numeric field.
func Incr(field string, n float64) *Increment {
	return &Increment{Add: map[string]float64{field: n}}
}

// Change describes one mutation of the store, as emitted to subscribers.
// Before is nil for a freshly created record.
type Change struct {
	Table  string `json:"table"`
	Keys   Record `json:"keys,omitempty"`
	Before Record `json:"before,omitempty"`
	After  Record `json:"after,omitempty"`
}

// normalize converts arbitrary Go values into their JSON-decoded form so that
// stored records always carry the same value types.
func normalize(r Record) (Record, error) {
	if r == nil {
		return Record{}, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return decode(data)
}

func decode(data []byte) (Record, error) {
	var out Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if out == nil {
		out = Record{}
	}
	return out, nil
}

func normalizeValues(vals []any) ([]any, error) {
	data, err := json.Marshal(vals)
	if err != nil {
		return nil, fmt.Errorf("encode values: %w", err)
	}
	var out []any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode values: %w", err)
	}
	return out, nil
}

// merge applies fields and incr on top of before and stamps the timestamps.
// The returned record is newly allocated; before is not modified.
func merge(before Record, fields Record, incr *Increment, now int64) (Record, error) {
	out := before.Clone()
	if out == nil {
		out = Record{"createdAt": float64(now), "deletedAt": float64(0)}
	}
	norm, err := normalize(fields)
	if err != nil {
		return nil, err
	}
	for k, v := range norm {
		out[k] = v
	}
	if incr != nil {
		for field, positions := range incr.RemoveIndex {
			out[field] = removeIndex(toSlice(out[field]), positions)
		}
		for field, vals := range incr.Append {
			norm, err := normalizeValues(vals)
			if err != nil {
				return nil, err
			}
			out[field] = append(toSlice(out[field]), norm...)
		}
		for field, n := range incr.Add {
			cur, _ := toFloat(out[field])
			out[field] = cur + n
		}
	}
	out["updatedAt"] = float64(now)
	return out, nil
}

func removeIndex(list []any, positions []int) []any {
	if len(positions) == 0 {
		return list
	}
	drop := make(map[int]bool, len(positions))
	for _, p := range positions {
		drop[p] = true
	}
	out := make([]any, 0, len(list))
	for i, v := range list {
		if !drop[i] {
			out = append(out, v)
		}
	}
	return out
}

func toSlice(v any) []any {
	list, _ := v.([]any)
	out := make([]any, len(list))
	copy(out, list)
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
