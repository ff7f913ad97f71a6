package store

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrAbsent is returned by typed accessors on a Node that does not exist.
var ErrAbsent = errors.New("value absent")

// Node is a read-only snapshot of a subtree.
type Node struct {
	v any
}

// NewNode wraps v after normalizing it. Unsupported values yield an absent Node.
func NewNode(v any) Node {
	n, err := Normalize(v)
	if err != nil {
		return Node{}
	}
	return Node{v: n}
}

// Exists reports whether anything is stored at the snapshot's path.
func (n Node) Exists() bool {
	return n.v != nil
}

// Value returns a copy of the underlying tree.
func (n Node) Value() any {
	return Clone(n.v)
}

// Child returns the snapshot at a path relative to n.
func (n Node) Child(path string) Node {
	return Node{v: Lookup(n.v, Split(path))}
}

// Child is a keyed child snapshot.
type Child struct {
	Key  string
	Node Node
}

// Children returns the direct children sorted by key. Leaves have none.
func (n Node) Children() []Child {
	m, ok := n.v.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Child, len(keys))
	for i, k := range keys {
		out[i] = Child{Key: k, Node: Node{v: m[k]}}
	}
	return out
}

// Equal reports whether two snapshots hold the same data.
func (n Node) Equal(o Node) bool {
	return Equal(n.v, o.v)
}

// Float returns the value as a float. Numeric strings are accepted.
func (n Node) Float() (float64, error) {
	if n.v == nil {
		return 0, ErrAbsent
	}
	return toFloat(n.v)
}

// Int returns the value as an integer. Non-integral numbers are malformed.
func (n Node) Int() (int64, error) {
	f, err := n.Float()
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.Abs(f) > 1<<53 {
		return 0, fmt.Errorf("%w: %v is not an integer", ErrMalformed, f)
	}
	return int64(f), nil
}

func (n Node) String() (string, error) {
	if n.v == nil {
		return "", ErrAbsent
	}
	s, ok := n.v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %T is not a string", ErrMalformed, n.v)
	}
	return s, nil
}

func (n Node) Bool() (bool, error) {
	if n.v == nil {
		return false, ErrAbsent
	}
	b, ok := n.v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %T is not a bool", ErrMalformed, n.v)
	}
	return b, nil
}

// FloatOr is Float with a default for absent values.
func (n Node) FloatOr(def float64) (float64, error) {
	if n.v == nil {
		return def, nil
	}
	return n.Float()
}

// IntOr is Int with a default for absent values.
func (n Node) IntOr(def int64) (int64, error) {
	if n.v == nil {
		return def, nil
	}
	return n.Int()
}

// StringOr is String with a default for absent values.
func (n Node) StringOr(def string) (string, error) {
	if n.v == nil {
		return def, nil
	}
	return n.String()
}

// BoolOr is Bool with a default for absent values.
func (n Node) BoolOr(def bool) (bool, error) {
	if n.v == nil {
		return def, nil
	}
	return n.Bool()
}
