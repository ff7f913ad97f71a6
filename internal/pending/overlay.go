// Package pending tracks optimistic local mutations on top of the last value
// confirmed by the store.
package pending

import "sync"

// ID identifies one in-flight mutation.
type ID uint64

type mutation[T any] struct {
	id ID
	fn func(T) T
}

// Overlay folds in-flight mutations over a confirmed value. A failed write
// is rolled back by dropping its mutation, so the visible value reverts.
type Overlay[T any] struct {
	mu        sync.RWMutex
	confirmed T
	pending   []mutation[T]
	next      ID
}

// New creates an overlay with an initial confirmed value.
func New[T any](initial T) *Overlay[T] {
	return &Overlay[T]{confirmed: initial}
}

// Apply records an optimistic mutation and returns its id.
func (o *Overlay[T]) Apply(fn func(T) T) ID {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next++
	o.pending = append(o.pending, mutation[T]{id: o.next, fn: fn})
	return o.next
}

// Value returns the confirmed value with pending mutations applied in order.
func (o *Overlay[T]) Value() T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v := o.confirmed
	for _, m := range o.pending {
		v = m.fn(v)
	}
	return v
}

// Confirmed returns the last value acknowledged by the store.
func (o *Overlay[T]) Confirmed() T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.confirmed
}

// Commit drops mutation id and records confirmed as the acknowledged value.
func (o *Overlay[T]) Commit(id ID, confirmed T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.remove(id)
	o.confirmed = confirmed
}

// Settle drops mutation id after a successful write whose result will be
// observed through a later Reconcile, folding it into the confirmed value.
func (o *Overlay[T]) Settle(id ID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, m := range o.pending {
		if m.id == id {
			o.confirmed = m.fn(o.confirmed)
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			return
		}
	}
}

// Acknowledge drops mutation id after a successful write whose result is
// delivered by a remote snapshot through Reconcile.
func (o *Overlay[T]) Acknowledge(id ID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.remove(id)
}

// Rollback drops mutation id without touching the confirmed value.
func (o *Overlay[T]) Rollback(id ID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.remove(id)
}

// Reconcile replaces the confirmed value with a remote snapshot.
// In-flight mutations stay applied on top of it.
func (o *Overlay[T]) Reconcile(remote T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.confirmed = remote
}

// Reset sets the confirmed value and forgets every pending mutation.
func (o *Overlay[T]) Reset(v T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.confirmed = v
	o.pending = nil
}

// Pending returns the number of in-flight mutations.
func (o *Overlay[T]) Pending() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.pending)
}

func (o *Overlay[T]) remove(id ID) {
	for i, m := range o.pending {
		if m.id == id {
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			return
		}
	}
}
