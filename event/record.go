package event

import (
	"errors"
	"strings"
)

// ErrPathBlocked is returned by Set when an intermediate segment of a dotted
// path already holds a non-map value.
var ErrPathBlocked = errors.New("dotted path blocked by non-map value")

// Record is the unit of data flowing through a pipeline: an ordered, mutable,
// tree-shaped mapping from string keys to scalar or nested values.
//
// Fields are addressed with dotted paths ("client.geo.city"). Every stage must
// leave a Record JSON-serializable; helpers here never introduce cycles or
// partially typed values.
type Record map[string]any

// Get returns the value at a dotted path.
func (r Record) Get(path string) (any, bool) {
	if r == nil || path == "" {
		return nil, false
	}

	cur := any(r)
	for path != "" {
		var key string
		key, path = splitPath(path)

		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetString returns the value at a dotted path if it is a string.
func (r Record) GetString(path string) (string, bool) {
	v, ok := r.Get(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set writes a value at a dotted path, creating intermediate maps as needed.
// Existing values at the full path are overwritten. If an intermediate segment
// holds a non-map value the write is refused with ErrPathBlocked.
func (r Record) Set(path string, value any) error {
	if r == nil || path == "" {
		return ErrPathBlocked
	}

	cur := map[string]any(r)
	for {
		key, rest := splitPath(path)
		if rest == "" {
			cur[key] = value
			return nil
		}

		next, ok := cur[key]
		if !ok {
			child := map[string]any{}
			cur[key] = child
			cur = child
		} else {
			child, ok := asMap(next)
			if !ok {
				return ErrPathBlocked
			}
			cur = child
		}
		path = rest
	}
}

// Delete removes the value at a dotted path. It reports whether a value was
// present. Emptied intermediate maps are left in place.
func (r Record) Delete(path string) bool {
	_, ok := r.Pop(path)
	return ok
}

// Pop removes and returns the value at a dotted path.
func (r Record) Pop(path string) (any, bool) {
	if r == nil || path == "" {
		return nil, false
	}

	cur := map[string]any(r)
	for {
		key, rest := splitPath(path)
		if rest == "" {
			v, ok := cur[key]
			if !ok {
				return nil, false
			}
			delete(cur, key)
			return v, true
		}

		next, ok := cur[key]
		if !ok {
			return nil, false
		}
		child, ok := asMap(next)
		if !ok {
			return nil, false
		}
		cur = child
		path = rest
	}
}

// Clone returns a deep copy of the record. Nested maps and slices are copied;
// scalar values are shared.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return Record(cloneMap(r))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Record:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

func splitPath(path string) (head, rest string) {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Record:
		return t, true
	default:
		return nil, false
	}
}
