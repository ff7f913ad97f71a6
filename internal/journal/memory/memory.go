// Package memory keeps journal entries in process memory.
package memory

import (
	"sync"

	"github.com/OCAP2/basewars/internal/journal"
)

// Sink stores every entry it receives. A non-zero limit keeps only the most
// recent entries.
type Sink struct {
	limit   int
	entries []journal.Entry
	mu      sync.RWMutex
}

func New(limit int) *Sink {
	return &Sink{limit: limit}
}

func (s *Sink) Init() error  { return nil }
func (s *Sink) Close() error { return nil }

func (s *Sink) Record(e journal.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	if s.limit > 0 && len(s.entries) > s.limit {
		n := copy(s.entries, s.entries[len(s.entries)-s.limit:])
		s.entries = s.entries[:n]
	}
	return nil
}

// Entries returns a copy of the stored entries, oldest first.
func (s *Sink) Entries() []journal.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]journal.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Kinds returns the kind of every stored entry, oldest first.
func (s *Sink) Kinds() []journal.Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]journal.Kind, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Kind
	}
	return out
}

// Filter returns the stored entries of kind k.
func (s *Sink) Filter(k journal.Kind) []journal.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []journal.Entry
	for _, e := range s.entries {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

var _ journal.Sink = (*Sink)(nil)
