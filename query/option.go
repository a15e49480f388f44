// Package query implements the reactive query cache: one Query instance per
// distinct QueryOption, kept current by folding CDC events as they arrive
// instead of re-reading on every change.
package query

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/driftdb/driftdb/kv"
)

// Method is a QueryOption's access pattern.
type Method string

const (
	MethodGet    Method = "get"
	MethodGetAll Method = "getAll"
)

// Option identifies one query: either a single document by key, or a
// collection scan optionally narrowed by a Condition.
type Option struct {
	Method         Method
	CollectionName string
	Key            string       // MethodGet
	Filter         kv.Condition // MethodGetAll, optional
}

// Hash is the canonical-JSON encoding of the option with object keys sorted
// recursively, so two structurally equal options always collide in the
// engine's dedup cache regardless of how they were constructed.
func (o Option) Hash() (string, error) {
	doc := map[string]any{
		"method":     string(o.Method),
		"collection": o.CollectionName,
	}
	if o.Method == MethodGet {
		doc["key"] = o.Key
	}
	if o.Filter != nil {
		rd := o.Filter.RangeDescriptor()
		doc["filter"] = map[string]any{
			"field":       rd.Field,
			"lower":       rd.Lower,
			"lowerClosed": rd.LowerClosed,
			"upper":       rd.Upper,
			"upperClosed": rd.UpperClosed,
		}
	}
	canon, err := canonicalJSON(doc)
	if err != nil {
		return "", fmt.Errorf("query: hashing option: %w", err)
	}
	return canon, nil
}

// canonicalJSON marshals v with every object's keys sorted recursively:
// normalize turns each map, at every depth, into an array of [key, value]
// pairs in sorted key order before the single json.Marshal call.
func canonicalJSON(v any) (string, error) {
	normalized := normalize(v)
	b, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]orderedEntry, 0, len(keys))
		for _, k := range keys {
			out = append(out, orderedEntry{Key: k, Value: normalize(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

// orderedEntry marshals as a 2-element array so map key order survives
// JSON's own map-key sort, without needing a custom MarshalJSON per level.
type orderedEntry struct {
	Key   string
	Value any
}

func (e orderedEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Key, e.Value})
}
