// Package settings defines the settings document that the sync engine
// moves between transports.
//
// A settings document is an opaque, arbitrarily nested map from string
// keys to values. The engine does not interpret its contents, with one
// conventional exception: a numeric metadata.updatedAt timestamp (Unix
// milliseconds) used for last-writer-wins comparisons.
package settings

import (
	"reflect"
	"time"
)

// Settings is an opaque nested settings document.
type Settings map[string]any

// Clone returns a deep copy of the settings document.
// Nested maps are copied recursively; slices are copied shallowly
// element by element. Scalar values are shared (they are immutable).
func (s Settings) Clone() Settings {
	if s == nil {
		return nil
	}
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Settings:
		return val.Clone()
	case map[string]any:
		return Settings(val).Clone()
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// UpdatedAt returns the metadata.updatedAt timestamp in Unix milliseconds,
// or 0 if the document carries none.
func (s Settings) UpdatedAt() int64 {
	meta, ok := asMap(s["metadata"])
	if !ok {
		return 0
	}
	return toInt64(meta["updatedAt"])
}

// Touch stamps metadata.updatedAt with the given time, creating the
// metadata map if needed.
func (s Settings) Touch(t time.Time) {
	meta, ok := asMap(s["metadata"])
	if !ok {
		meta = Settings{}
		s["metadata"] = meta
	}
	meta["updatedAt"] = t.UnixMilli()
}

// Equal reports whether two settings documents are deeply equal.
func (s Settings) Equal(other Settings) bool {
	return reflect.DeepEqual(normalize(s), normalize(other))
}

// Merge deep-merges src into dst and returns dst.
//
// Maps merge recursively. On leaf collisions, or when the two sides
// disagree about shape, src overwrites dst. This is the pull-path merge
// primitive: callers fold adapter results in registration order, so the
// later adapter wins on key collisions.
func Merge(dst, src Settings) Settings {
	if dst == nil {
		dst = Settings{}
	}
	for k, sv := range src {
		dm, dok := asMap(dst[k])
		sm, sok := asMap(sv)
		if dok && sok {
			dst[k] = Merge(dm, sm)
			continue
		}
		dst[k] = cloneValue(sv)
	}
	return dst
}

// MergePreferDst deep-merges src into a copy of dst, keeping dst's value
// on leaf collisions. Recursion happens only when both sides are maps;
// any shape mismatch falls back to the dst value. This is the primitive
// behind the "merge" conflict strategy, which favors local data.
func MergePreferDst(dst, src Settings) Settings {
	out := dst.Clone()
	if out == nil {
		out = Settings{}
	}
	for k, sv := range src {
		dv, exists := out[k]
		if !exists {
			out[k] = cloneValue(sv)
			continue
		}
		dm, dok := asMap(dv)
		sm, sok := asMap(sv)
		if dok && sok {
			out[k] = MergePreferDst(dm, sm)
		}
		// Leaf collision or shape mismatch: keep dst.
	}
	return out
}

// asMap unwraps a value into Settings if it is a string-keyed map.
func asMap(v any) (Settings, bool) {
	switch m := v.(type) {
	case Settings:
		return m, true
	case map[string]any:
		return Settings(m), true
	default:
		return nil, false
	}
}

// normalize rewrites every nested map[string]any as Settings so that
// reflect.DeepEqual does not distinguish the two spellings.
func normalize(v any) any {
	switch val := v.(type) {
	case Settings:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

// toInt64 coerces the numeric types that JSON/YAML/TOML decoders produce.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case uint64:
		return int64(n)
	default:
		return 0
	}
}
