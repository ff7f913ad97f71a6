package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ReadFunc reads one snapshot from a backend.
type ReadFunc func(ctx context.Context, path string) (Node, error)

// Poller emulates push notifications for backends without streaming by
// re-reading every watched path and emitting an event when its snapshot changes.
type Poller struct {
	read     ReadFunc
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	watches map[string]*watch

	kick     chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
}

type watch struct {
	subs    map[*Subscription]struct{}
	last    Node
	seen    bool
	lastErr error
}

// NewPoller creates a poller. A zero interval defaults to two seconds.
func NewPoller(read ReadFunc, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{
		read:     read,
		interval: interval,
		timeout:  interval,
		watches:  make(map[string]*watch),
		kick:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// Start launches the polling goroutine.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop()
}

// Stop ends polling and closes every subscription.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	var subs []*Subscription
	for _, w := range p.watches {
		for s := range w.subs {
			subs = append(subs, s)
		}
	}
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()
	for _, s := range subs {
		s.Close()
	}
}

// Subscribe watches path. The initial snapshot is delivered by the next poll,
// or immediately when the path is already being watched.
func (p *Poller) Subscribe(path string) (*Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, ErrClosed
	}

	sub := newSubscription(path, p.remove)
	w, ok := p.watches[path]
	if !ok {
		w = &watch{subs: make(map[*Subscription]struct{})}
		p.watches[path] = w
	}
	w.subs[sub] = struct{}{}
	if w.seen {
		sub.push(Event{Path: path, Node: w.last, Origin: path, Seq: NextSeq()})
	}
	p.Kick()
	return sub, nil
}

// Kick requests a poll as soon as possible, typically after a local write.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Poll re-reads every watched path once.
func (p *Poller) Poll(ctx context.Context) {
	p.mu.Lock()
	paths := make([]string, 0, len(p.watches))
	for path := range p.watches {
		paths = append(paths, path)
	}
	p.mu.Unlock()

	for _, path := range paths {
		rctx, cancel := context.WithTimeout(ctx, p.timeout)
		node, err := p.read(rctx, path)
		cancel()
		p.deliver(path, node, err)
	}
}

func (p *Poller) deliver(path string, node Node, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.watches[path]
	if !ok {
		return
	}

	if err != nil {
		// report each distinct failure once
		if w.lastErr == nil || !errors.Is(err, w.lastErr) {
			w.lastErr = err
			for s := range w.subs {
				s.push(Event{Path: path, Origin: path, Seq: NextSeq(), Err: err})
			}
		}
		return
	}
	w.lastErr = nil

	if w.seen && w.last.Equal(node) {
		return
	}
	w.seen = true
	w.last = node
	for s := range w.subs {
		s.push(Event{Path: path, Node: node, Origin: path, Seq: NextSeq()})
	}
}

func (p *Poller) loop() {
	defer p.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
		case <-p.kick:
		}
		p.Poll(ctx)
	}
}

func (p *Poller) remove(s *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.watches[s.path]
	if !ok {
		return
	}
	delete(w.subs, s)
	if len(w.subs) == 0 {
		delete(p.watches, s.path)
	}
}
