package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OCAP2/basewars/internal/queue"
	"github.com/OCAP2/basewars/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HandlerFunc processes one subscription event on the loop.
type HandlerFunc func(store.Event) error

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	logged    bool
	coalesced bool
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// Coalesced skips snapshots that are superseded by a newer one queued for
// the same registration.
func Coalesced() Option {
	return func(c *config) {
		c.coalesced = true
	}
}

// LoopOption configures the dispatcher.
type LoopOption func(*Dispatcher)

// Synchronous runs Go operations inline and delayed tasks on a manual clock
// advanced with Advance.
func Synchronous() LoopOption {
	return func(d *Dispatcher) {
		d.synchronous = true
	}
}

type task struct {
	seq uint64
	fn  func()
}

type delayed struct {
	id  uint64
	due time.Duration
	fn  func()
}

// Dispatcher is the single consumer of subscription events, posted tasks and
// completions of background store operations. Everything it runs executes on
// the goroutine that calls Drain.
type Dispatcher struct {
	logger      Logger
	synchronous bool

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	regs map[*Registration]struct{}

	tasks *queue.Queue[task]
	wake  chan struct{}

	inflight atomic.Int64
	writes   *queue.Queue[func()]
	writer   sync.WaitGroup

	// manual clock for Synchronous mode
	clockMu  sync.Mutex
	now      time.Duration
	timers   []delayed
	timerSeq uint64

	// OTEL metrics
	queueSize metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter
}

// New creates a new Dispatcher with the given logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger, opts ...LoopOption) (*Dispatcher, error) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		regs:   make(map[*Registration]struct{}),
		tasks:  queue.New[task](),
		wake:   make(chan struct{}, 1),
		writes: queue.New[func()](),
	}
	for _, opt := range opts {
		opt(d)
	}
	if !d.synchronous {
		d.writer.Add(1)
		go d.writeLoop()
	}

	m := meter()

	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Current number of events waiting for the loop"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			d.mu.Lock()
			defer d.mu.Unlock()
			for r := range d.regs {
				o.ObserveInt64(d.queueSize, int64(r.sub.Len()),
					metric.WithAttributes(attribute.String("path", r.path)))
			}
			o.ObserveInt64(d.queueSize, int64(d.tasks.Len()),
				metric.WithAttributes(attribute.String("path", "task")))
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"dispatcher.events.processed",
		metric.WithDescription("Total events processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"dispatcher.events.dropped",
		metric.WithDescription("Total snapshots skipped by coalescing"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	return d, nil
}

// Registration is a live subscription routed to a handler.
type Registration struct {
	d       *Dispatcher
	sub     *store.Subscription
	path    string
	handler HandlerFunc
	cfg     config
	done    chan struct{}
	once    sync.Once
}

// Path returns the subscribed path.
func (r *Registration) Path() string {
	return r.path
}

// Close unsubscribes. Events still queued are discarded.
func (r *Registration) Close() {
	r.once.Do(func() {
		close(r.done)
		r.sub.Close()
		r.d.mu.Lock()
		delete(r.d.regs, r)
		r.d.mu.Unlock()
	})
}

func (r *Registration) closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Register subscribes to path on s and routes its events to h.
func (d *Dispatcher) Register(s store.Store, path string, h HandlerFunc, opts ...Option) (*Registration, error) {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	sub, err := s.Subscribe(path)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}

	handler := h
	if cfg.logged {
		handler = d.withLogging(path, handler)
	}

	r := &Registration{
		d:       d,
		sub:     sub,
		path:    path,
		handler: handler,
		cfg:     cfg,
		done:    make(chan struct{}),
	}
	d.mu.Lock()
	d.regs[r] = struct{}{}
	d.mu.Unlock()

	go func() {
		for {
			select {
			case <-r.done:
				return
			case <-d.ctx.Done():
				return
			case <-sub.Ready():
				d.signal()
			}
		}
	}()
	d.signal()
	return r, nil
}

// Wake is signalled when events or tasks are waiting.
func (d *Dispatcher) Wake() <-chan struct{} {
	return d.wake
}

// Post queues fn to run on the loop.
func (d *Dispatcher) Post(fn func()) {
	d.tasks.Push(task{seq: store.NextSeq(), fn: fn})
	d.signal()
}

// After queues fn to run on the loop once delay has elapsed.
// The returned function cancels it if it has not fired yet.
func (d *Dispatcher) After(delay time.Duration, fn func()) (cancel func()) {
	if d.synchronous {
		d.clockMu.Lock()
		d.timerSeq++
		id := d.timerSeq
		d.timers = append(d.timers, delayed{id: id, due: d.now + delay, fn: fn})
		d.clockMu.Unlock()
		if delay <= 0 {
			d.Advance(0)
		}
		return func() {
			d.clockMu.Lock()
			defer d.clockMu.Unlock()
			for i := range d.timers {
				if d.timers[i].id == id {
					d.timers[i].fn = nil
				}
			}
		}
	}

	t := time.AfterFunc(delay, func() { d.Post(fn) })
	return func() { t.Stop() }
}

// Advance moves the manual clock of a Synchronous dispatcher forward and
// posts every delayed task that became due, in due order.
func (d *Dispatcher) Advance(by time.Duration) {
	d.clockMu.Lock()
	d.now += by
	var due []delayed
	rest := d.timers[:0]
	for _, t := range d.timers {
		switch {
		case t.fn == nil:
		case t.due <= d.now:
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	d.timers = rest
	d.clockMu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].due < due[j].due })
	for _, t := range due {
		d.Post(t.fn)
	}
}

// Go runs the blocking operation op off the loop and delivers its result to
// done on the loop. Operations run one at a time in the order they were
// issued, so consecutive writes to one path land in order. Synchronous
// dispatchers run op inline.
func (d *Dispatcher) Go(op func(ctx context.Context) error, done func(error)) {
	finish := func(err error) {
		d.Post(func() {
			d.inflight.Add(-1)
			if done != nil {
				done(err)
			}
		})
	}

	d.inflight.Add(1)
	if d.synchronous {
		finish(op(d.ctx))
		return
	}
	d.writes.Push(func() { finish(op(d.ctx)) })
}

// writeLoop runs queued Go operations in FIFO order. After Close it runs
// what is left with the cancelled context and exits.
func (d *Dispatcher) writeLoop() {
	defer d.writer.Done()
	for {
		d.runWrites()
		select {
		case <-d.ctx.Done():
			d.runWrites()
			return
		case <-d.writes.Signal():
		}
	}
}

func (d *Dispatcher) runWrites() {
	for {
		op, ok := d.writes.Pop()
		if !ok {
			return
		}
		op()
	}
}

// InFlight returns the number of Go operations whose completion has not run yet.
func (d *Dispatcher) InFlight() int64 {
	return d.inflight.Load()
}

type item struct {
	seq   uint64
	reg   *Registration
	event store.Event
	fn    func()
}

// Drain runs every queued event and task in sequence order, including work
// queued while draining. It returns the number of items run.
func (d *Dispatcher) Drain() int {
	total := 0
	for {
		batch := d.collect()
		if len(batch) == 0 {
			return total
		}
		for _, it := range batch {
			if it.fn != nil {
				it.fn()
				d.processed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("path", "task")))
			} else {
				d.dispatch(it.reg, it.event)
			}
			total++
		}
	}
}

// Settle drains until no Go operation is in flight and nothing is queued.
func (d *Dispatcher) Settle(ctx context.Context) error {
	for {
		d.Drain()
		if d.inflight.Load() == 0 && d.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Close cancels background operations and closes every registration.
func (d *Dispatcher) Close() {
	d.cancel()
	d.mu.Lock()
	regs := make([]*Registration, 0, len(d.regs))
	for r := range d.regs {
		regs = append(regs, r)
	}
	d.mu.Unlock()
	for _, r := range regs {
		r.Close()
	}
	d.writer.Wait()
}

func (d *Dispatcher) idle() bool {
	if !d.tasks.Empty() {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for r := range d.regs {
		if r.sub.Len() > 0 {
			return false
		}
	}
	return true
}

func (d *Dispatcher) collect() []item {
	d.mu.Lock()
	regs := make([]*Registration, 0, len(d.regs))
	for r := range d.regs {
		regs = append(regs, r)
	}
	d.mu.Unlock()

	var batch []item
	for _, r := range regs {
		events := r.sub.Pending()
		if len(events) == 0 {
			continue
		}
		if r.cfg.coalesced && len(events) > 1 {
			last := events[len(events)-1]
			skipped := len(events) - 1
			d.dropped.Add(context.Background(), int64(skipped), metric.WithAttributes(attribute.String("path", r.path)))
			// intermediate origins are lost, so report a full change
			last.Origin = last.Path
			events = []store.Event{last}
		}
		for _, e := range events {
			batch = append(batch, item{seq: e.Seq, reg: r, event: e})
		}
	}
	for _, t := range d.tasks.GetAndEmpty() {
		batch = append(batch, item{seq: t.seq, fn: t.fn})
	}

	sort.SliceStable(batch, func(i, j int) bool { return batch[i].seq < batch[j].seq })
	return batch
}

func (d *Dispatcher) dispatch(r *Registration, e store.Event) {
	if r.closed() {
		return
	}
	if e.Err != nil {
		d.logger.Error("subscription error", "path", r.path, "error", e.Err)
		return
	}
	if err := r.handler(e); err != nil {
		d.logger.Error("handler failed", "path", r.path, "origin", e.Origin, "error", err)
	}
	d.processed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("path", r.path)))
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) withLogging(path string, h HandlerFunc) HandlerFunc {
	return func(e store.Event) error {
		start := time.Now()
		d.logger.Debug("handling event", "path", path, "origin", e.Origin, "seq", e.Seq)

		err := h(e)

		if err == nil {
			d.logger.Debug("event complete", "path", path, "duration", time.Since(start))
		}
		return err
	}
}
