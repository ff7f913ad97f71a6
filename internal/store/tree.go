package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// Trees are built from map[string]any, string, float64 and bool.
// Absent values and empty maps are represented by nil.

// Normalize converts v into tree form, copying any maps.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case Node:
		return Clone(t.v), nil
	case bool, string, float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedValue, t)
		}
		return f, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if !ValidKey(k) {
				return nil, fmt.Errorf("%w: key %q", ErrInvalidPath, k)
			}
			n, err := Normalize(child)
			if err != nil {
				return nil, err
			}
			if n != nil {
				out[k] = n
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

// Lookup returns the value at parts below root, or nil.
func Lookup(root any, parts []string) any {
	cur := root
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

// Assign returns a copy of root with v stored at parts. Only the maps along
// parts are copied, so root itself is left untouched. Maps left empty are pruned.
func Assign(root any, parts []string, v any) any {
	if len(parts) == 0 {
		return v
	}
	m, _ := root.(map[string]any)
	out := make(map[string]any, len(m)+1)
	for k, child := range m {
		out[k] = child
	}
	child := Assign(m[parts[0]], parts[1:], v)
	if child == nil {
		delete(out, parts[0])
	} else {
		out[parts[0]] = child
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Clone deep-copies a tree.
func Clone(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, child := range m {
		out[k] = Clone(child)
	}
	return out
}

// Equal reports whether two trees hold the same data.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Flatten calls emit for every leaf below v with its path joined to prefix.
func Flatten(prefix string, v any, emit func(path string, leaf any)) {
	m, ok := v.(map[string]any)
	if !ok {
		if v != nil {
			emit(prefix, v)
		}
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		Flatten(Join(prefix, k), m[k], emit)
	}
}

// Unflatten rebuilds a tree from leaves keyed by paths relative to its root.
// An empty relative path is the root itself.
func Unflatten(leaves map[string]any) any {
	if leaf, ok := leaves[""]; ok && len(leaves) == 1 {
		return leaf
	}
	var root map[string]any
	for rel, leaf := range leaves {
		parts := Split(rel)
		if len(parts) == 0 {
			continue
		}
		if root == nil {
			root = make(map[string]any)
		}
		cur := root
		for _, p := range parts[:len(parts)-1] {
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[p] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = leaf
	}
	if root == nil {
		return nil
	}
	return root
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrMalformed, t)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrMalformed, t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %T is not a number", ErrMalformed, v)
	}
}
