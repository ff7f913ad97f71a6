// internal/store/memory/memory.go
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/OCAP2/basewars/internal/store"
)

var (
	_ store.Store  = (*Store)(nil)
	_ store.Atomic = (*Store)(nil)
)

// Store keeps the whole tree in process. It is shared by every client in a
// test or a local session and supports fault injection.
type Store struct {
	mu     sync.Mutex
	root   any
	broker *store.Broker

	ready      atomic.Bool
	closed     atomic.Bool
	failWrites atomic.Pointer[error]
	writes     atomic.Int64
}

// New creates an empty ready store.
func New() *Store {
	s := &Store{broker: store.NewBroker()}
	s.ready.Store(true)
	return s
}

// SetReady toggles the connection state seen by clients.
func (s *Store) SetReady(ready bool) {
	s.ready.Store(ready)
}

// FailWrites makes every following write return err. A nil err clears the fault.
func (s *Store) FailWrites(err error) {
	if err == nil {
		s.failWrites.Store(nil)
		return
	}
	s.failWrites.Store(&err)
}

// Writes returns the number of successful mutations.
func (s *Store) Writes() int64 {
	return s.writes.Load()
}

func (s *Store) Ready() bool {
	return s.ready.Load() && !s.closed.Load()
}

func (s *Store) Get(_ context.Context, path string) (store.Node, error) {
	p, err := store.Clean(path)
	if err != nil {
		return store.Node{}, err
	}
	if s.closed.Load() {
		return store.Node{}, store.ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.NewNode(store.Lookup(s.root, store.Split(p))), nil
}

func (s *Store) Set(_ context.Context, path string, value any) error {
	p, err := store.Clean(path)
	if err != nil {
		return err
	}
	v, err := store.Normalize(value)
	if err != nil {
		return err
	}
	if err := s.checkWrite(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply(p, func(root any) any { return store.Assign(root, store.Split(p), v) })
	return nil
}

func (s *Store) Update(_ context.Context, path string, fields map[string]any) error {
	p, err := store.Clean(path)
	if err != nil {
		return err
	}
	type write struct {
		parts []string
		v     any
	}
	writes := make([]write, 0, len(fields))
	for k, raw := range fields {
		rel, err := store.Clean(k)
		if err != nil {
			return fmt.Errorf("update %s: %w", k, err)
		}
		v, err := store.Normalize(raw)
		if err != nil {
			return fmt.Errorf("update %s: %w", k, err)
		}
		writes = append(writes, write{parts: store.Split(store.Join(p, rel)), v: v})
	}
	if err := s.checkWrite(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply(p, func(root any) any {
		for _, w := range writes {
			root = store.Assign(root, w.parts, w.v)
		}
		return root
	})
	return nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	return s.Set(ctx, path, nil)
}

func (s *Store) Subscribe(path string) (*store.Subscription, error) {
	p, err := store.Clean(path)
	if err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broker.Subscribe(p, store.NewNode(store.Lookup(s.root, store.Split(p)))), nil
}

// CreateIfAbsent writes value only when path holds nothing.
func (s *Store) CreateIfAbsent(_ context.Context, path string, value any) (bool, error) {
	p, err := store.Clean(path)
	if err != nil {
		return false, err
	}
	v, err := store.Normalize(value)
	if err != nil {
		return false, err
	}
	if err := s.checkWrite(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	parts := store.Split(p)
	if store.Lookup(s.root, parts) != nil {
		return false, nil
	}
	s.apply(p, func(root any) any { return store.Assign(root, parts, v) })
	return true, nil
}

// Add increments the integer at path.
func (s *Store) Add(_ context.Context, path string, delta int64) (int64, bool, error) {
	p, err := store.Clean(path)
	if err != nil {
		return 0, false, err
	}
	if err := s.checkWrite(); err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	parts := store.Split(p)
	cur := store.NewNode(store.Lookup(s.root, parts))
	if !cur.Exists() {
		return 0, false, nil
	}
	n, err := cur.Int()
	if err != nil {
		return 0, true, fmt.Errorf("add %s: %w", p, err)
	}
	next := n + delta
	s.apply(p, func(root any) any { return store.Assign(root, parts, float64(next)) })
	return next, true, nil
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.broker.CloseAll()
	return nil
}

// Dump returns a copy of the whole tree.
func (s *Store) Dump() store.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.NewNode(s.root)
}

func (s *Store) checkWrite() error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	if !s.ready.Load() {
		return store.ErrNotReady
	}
	if errp := s.failWrites.Load(); errp != nil {
		return *errp
	}
	return nil
}

// apply must be called with mu held.
func (s *Store) apply(origin string, mutate func(root any) any) {
	before := s.root
	s.root = mutate(before)
	s.writes.Add(1)
	s.broker.Publish(origin, before, s.root)
}
