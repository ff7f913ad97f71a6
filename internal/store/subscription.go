package store

import (
	"sync"
	"sync/atomic"

	"github.com/OCAP2/basewars/internal/queue"
)

var seq atomic.Uint64

// NextSeq returns the next process-wide event sequence number.
func NextSeq() uint64 {
	return seq.Add(1)
}

// Event is one notification on a subscription.
type Event struct {
	// Path is the subscribed path and Node its full snapshot.
	Path string
	Node Node
	// Origin is the path that was written. It equals Path for the initial
	// snapshot and for full resyncs.
	Origin string
	Seq    uint64
	// Err is set when the backend could not produce a snapshot.
	Err error
}

// Subscription buffers events for one subscriber. Producers never block.
type Subscription struct {
	path   string
	q      *queue.Queue[Event]
	closed atomic.Bool
	once   sync.Once
	onStop func(*Subscription)
}

func newSubscription(path string, onStop func(*Subscription)) *Subscription {
	return &Subscription{
		path:   path,
		q:      queue.New[Event](),
		onStop: onStop,
	}
}

// Path returns the subscribed path.
func (s *Subscription) Path() string {
	return s.path
}

// Ready is signalled after new events are queued.
func (s *Subscription) Ready() <-chan struct{} {
	return s.q.Signal()
}

// Pending returns and removes every queued event in arrival order.
func (s *Subscription) Pending() []Event {
	return s.q.GetAndEmpty()
}

// Len returns the number of queued events.
func (s *Subscription) Len() int {
	return s.q.Len()
}

// Close stops delivery and drops queued events.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.q.Clear()
		if s.onStop != nil {
			s.onStop(s)
		}
	})
}

// Closed reports whether Close was called.
func (s *Subscription) Closed() bool {
	return s.closed.Load()
}

func (s *Subscription) push(e Event) {
	if s.closed.Load() {
		return
	}
	s.q.Push(e)
}
