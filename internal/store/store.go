package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned by mutating calls while the backend is not connected.
	ErrNotReady = errors.New("store not ready")
	// ErrMalformed is returned when a stored value has an unexpected type.
	ErrMalformed = errors.New("malformed value")
	// ErrInvalidPath is returned for empty paths or keys with reserved characters.
	ErrInvalidPath = errors.New("invalid path")
	// ErrUnsupportedValue is returned when a written value is not JSON-like.
	ErrUnsupportedValue = errors.New("unsupported value")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

// Store is a hierarchical last-write-wins key-value store with push notifications.
// Paths are slash separated ("users/abc/score").
type Store interface {
	// Ready reports whether the backend is connected and accepting writes.
	Ready() bool

	// Get reads the subtree at path once. A missing path yields a Node that does not exist.
	Get(ctx context.Context, path string) (Node, error)
	// Set replaces the subtree at path. A nil value or an empty map deletes it.
	Set(ctx context.Context, path string, value any) error
	// Update writes the given children of path, leaving siblings untouched.
	// Keys may be relative paths ("base/health").
	Update(ctx context.Context, path string, fields map[string]any) error
	// Delete removes the subtree at path. Empty parents are pruned.
	Delete(ctx context.Context, path string) error

	// Subscribe streams snapshots of path: one initial snapshot, then one
	// per mutation that changes it.
	Subscribe(path string) (*Subscription, error)

	Close() error
}

// Atomic is implemented by backends that can perform conditional writes.
type Atomic interface {
	// CreateIfAbsent writes value only if nothing exists at path.
	CreateIfAbsent(ctx context.Context, path string, value any) (created bool, err error)
	// Add increments the integer at path by delta. If path is absent nothing
	// is written and existed is false.
	Add(ctx context.Context, path string, delta int64) (newValue int64, existed bool, err error)
}

// ErrNotAtomic is returned when a guarded operation runs on a backend without Atomic.
var ErrNotAtomic = errors.New("store does not support atomic operations")

// AsAtomic returns the Atomic capability of s.
func AsAtomic(s Store) (Atomic, error) {
	a, ok := s.(Atomic)
	if !ok {
		return nil, ErrNotAtomic
	}
	return a, nil
}

// AddOrCreate adds delta to the integer at path. An absent value is created
// as initial+delta.
func AddOrCreate(ctx context.Context, a Atomic, path string, delta, initial int64) (int64, error) {
	for attempt := 0; attempt < 3; attempt++ {
		v, existed, err := a.Add(ctx, path, delta)
		if err != nil || existed {
			return v, err
		}
		created, err := a.CreateIfAbsent(ctx, path, initial+delta)
		if err != nil {
			return 0, err
		}
		if created {
			return initial + delta, nil
		}
	}
	return 0, fmt.Errorf("add %s: value keeps disappearing", path)
}
