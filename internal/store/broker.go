package store

import (
	"sync"
)

// Broker fans mutations out to subscriptions. Backends that hold the whole
// tree publish before/after roots so unchanged snapshots are not delivered.
type Broker struct {
	mu   sync.Mutex
	subs map[*Subscription][]string
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscription][]string)}
}

// Subscribe registers a subscription on path and queues its initial snapshot.
func (b *Broker) Subscribe(path string, initial Node) *Subscription {
	sub := newSubscription(path, b.remove)
	b.mu.Lock()
	b.subs[sub] = Split(path)
	b.mu.Unlock()
	sub.push(Event{Path: path, Node: initial, Origin: path, Seq: NextSeq()})
	return sub
}

// Publish notifies every subscription whose snapshot differs between before and after.
// Callers serialize Publish with their writes so sequence numbers follow write order.
func (b *Broker) Publish(origin string, before, after any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub, parts := range b.subs {
		if !Related(sub.path, origin) {
			continue
		}
		prev := Lookup(before, parts)
		next := Lookup(after, parts)
		if Equal(prev, next) {
			continue
		}
		sub.push(Event{Path: sub.path, Node: Node{v: next}, Origin: origin, Seq: NextSeq()})
	}
}

// Len returns the number of live subscriptions.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// CloseAll closes every subscription.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}
