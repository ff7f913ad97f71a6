package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OCAP2/basewars/internal/store"
	"github.com/OCAP2/basewars/internal/store/memory"
)

// testLogger implements Logger for testing
type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("DEBUG: %s %v", msg, keysAndValues))
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("INFO: %s %v", msg, keysAndValues))
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("ERROR: %s %v", msg, keysAndValues))
}

func (l *testLogger) contains(prefix string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

func newTestDispatcher(t *testing.T, opts ...LoopOption) (*Dispatcher, *testLogger) {
	logger := &testLogger{}

	d, err := New(logger, opts...)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	t.Cleanup(d.Close)

	return d, logger
}

func TestDispatcher_InitialSnapshotDelivered(t *testing.T) {
	d, _ := newTestDispatcher(t, Synchronous())
	s := memory.New()
	ctx := context.Background()
	if err := s.Set(ctx, "users/a/score", 50); err != nil {
		t.Fatal(err)
	}

	var got []store.Event
	_, err := d.Register(s, "users/a/score", func(e store.Event) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if n := d.Drain(); n != 1 {
		t.Fatalf("expected 1 item drained, got %d", n)
	}
	v, _ := got[0].Node.Int()
	if v != 50 {
		t.Errorf("expected 50, got %d", v)
	}
}

func TestDispatcher_EventsAndTasksInSequenceOrder(t *testing.T) {
	d, _ := newTestDispatcher(t, Synchronous())
	s := memory.New()
	ctx := context.Background()

	var order []string
	_, err := d.Register(s, "a", func(e store.Event) error {
		v, _ := e.Node.IntOr(0)
		order = append(order, fmt.Sprintf("event:%d", v))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	d.Drain()
	order = nil

	_ = s.Set(ctx, "a", 1)
	d.Post(func() { order = append(order, "task") })
	_ = s.Set(ctx, "a", 2)
	d.Drain()

	want := []string{"event:1", "task", "event:2"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, order)
	}
}

func TestDispatcher_TasksPostedWhileDraining(t *testing.T) {
	d, _ := newTestDispatcher(t, Synchronous())

	count := 0
	d.Post(func() {
		count++
		d.Post(func() { count++ })
	})
	d.Drain()

	if count != 2 {
		t.Errorf("expected nested task to run in the same drain, got %d", count)
	}
}

func TestDispatcher_Coalesced(t *testing.T) {
	d, _ := newTestDispatcher(t, Synchronous())
	s := memory.New()
	ctx := context.Background()

	var seen []store.Event
	_, err := d.Register(s, "users", func(e store.Event) error {
		seen = append(seen, e)
		return nil
	}, Coalesced())
	if err != nil {
		t.Fatal(err)
	}
	d.Drain()
	seen = nil

	for i := 0; i < 5; i++ {
		_ = s.Set(ctx, fmt.Sprintf("users/u%d/score", i), i+1)
	}
	d.Drain()

	if len(seen) != 1 {
		t.Fatalf("expected one coalesced event, got %d", len(seen))
	}
	if seen[0].Origin != "users" {
		t.Errorf("expected origin widened to users, got %s", seen[0].Origin)
	}
	if n := len(seen[0].Node.Children()); n != 5 {
		t.Errorf("expected latest snapshot with 5 children, got %d", n)
	}
}

func TestDispatcher_HandlerErrorLogged(t *testing.T) {
	d, logger := newTestDispatcher(t, Synchronous())
	s := memory.New()

	_, err := d.Register(s, "a", func(e store.Event) error {
		return errors.New("boom")
	})
	if err != nil {
		t.Fatal(err)
	}
	d.Drain()

	if !logger.contains("ERROR: handler failed") {
		t.Errorf("expected handler error to be logged, got %v", logger.messages)
	}
}

func TestDispatcher_LoggedOption(t *testing.T) {
	d, logger := newTestDispatcher(t, Synchronous())
	s := memory.New()

	_, _ = d.Register(s, "a", func(e store.Event) error { return nil }, Logged())
	d.Drain()

	if !logger.contains("DEBUG: handling event") || !logger.contains("DEBUG: event complete") {
		t.Errorf("expected debug logging, got %v", logger.messages)
	}
}

func TestDispatcher_RegistrationClose(t *testing.T) {
	d, _ := newTestDispatcher(t, Synchronous())
	s := memory.New()

	calls := 0
	r, _ := d.Register(s, "a", func(e store.Event) error {
		calls++
		return nil
	})
	d.Drain()
	r.Close()

	_ = s.Set(context.Background(), "a", 1)
	d.Drain()
	if calls != 1 {
		t.Errorf("expected no calls after close, got %d", calls)
	}
}

func TestDispatcher_GoSynchronous(t *testing.T) {
	d, _ := newTestDispatcher(t, Synchronous())

	var result error
	done := false
	d.Go(func(ctx context.Context) error {
		return errors.New("write failed")
	}, func(err error) {
		done = true
		result = err
	})

	if done {
		t.Fatal("completion must run on the loop, not inline")
	}
	if d.InFlight() != 1 {
		t.Errorf("expected 1 in flight, got %d", d.InFlight())
	}
	d.Drain()
	if !done || result == nil {
		t.Error("expected completion with error")
	}
	if d.InFlight() != 0 {
		t.Errorf("expected 0 in flight, got %d", d.InFlight())
	}
}

func TestDispatcher_GoAsyncSettle(t *testing.T) {
	d, _ := newTestDispatcher(t)

	done := make(chan struct{})
	d.Go(func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}, func(err error) { close(done) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Settle(ctx); err != nil {
		t.Fatalf("settle: %v", err)
	}
	select {
	case <-done:
	default:
		t.Error("expected completion to run during settle")
	}
}

func TestDispatcher_GoAsyncKeepsIssueOrder(t *testing.T) {
	d, _ := newTestDispatcher(t)
	s := memory.New()
	ctx := context.Background()

	var done []int
	// the first write is slow; the second must still land after it
	d.Go(func(ctx context.Context) error {
		time.Sleep(30 * time.Millisecond)
		return s.Set(ctx, "users/p1/score", 30)
	}, func(error) { done = append(done, 1) })
	d.Go(func(ctx context.Context) error {
		return s.Set(ctx, "users/p1/score", 10)
	}, func(error) { done = append(done, 2) })

	settleCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := d.Settle(settleCtx); err != nil {
		t.Fatalf("settle: %v", err)
	}

	n, err := s.Get(ctx, "users/p1/score")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v, _ := n.IntOr(0); v != 10 {
		t.Errorf("expected the later write to win with 10, got %d", v)
	}
	if fmt.Sprint(done) != "[1 2]" {
		t.Errorf("expected completions in issue order, got %v", done)
	}
}

func TestDispatcher_CloseRunsQueuedOperations(t *testing.T) {
	logger := &testLogger{}
	d, err := New(logger)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	var ran atomic.Int32
	block := make(chan struct{})
	d.Go(func(ctx context.Context) error {
		<-block
		ran.Add(1)
		return nil
	}, nil)
	d.Go(func(ctx context.Context) error {
		ran.Add(1)
		return ctx.Err()
	}, nil)

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()
	close(block)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	if ran.Load() != 2 {
		t.Errorf("expected both operations to run, got %d", ran.Load())
	}
}

func TestDispatcher_AfterManualClock(t *testing.T) {
	d, _ := newTestDispatcher(t, Synchronous())

	var fired []int
	d.After(3*time.Second, func() { fired = append(fired, 3) })
	d.After(1*time.Second, func() { fired = append(fired, 1) })
	cancel := d.After(2*time.Second, func() { fired = append(fired, 2) })
	cancel()

	d.Advance(time.Second)
	d.Drain()
	if fmt.Sprint(fired) != "[1]" {
		t.Fatalf("expected [1], got %v", fired)
	}

	d.Advance(5 * time.Second)
	d.Drain()
	if fmt.Sprint(fired) != "[1 3]" {
		t.Errorf("expected [1 3], got %v", fired)
	}
}

func TestDispatcher_AfterRealTimer(t *testing.T) {
	d, _ := newTestDispatcher(t)

	fired := make(chan struct{}, 1)
	d.After(5*time.Millisecond, func() { fired <- struct{}{} })

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-d.Wake():
			d.Drain()
		case <-fired:
			return
		case <-deadline:
			t.Fatal("delayed task never ran")
		}
	}
}

func TestDispatcher_WakeOnStoreWrite(t *testing.T) {
	d, _ := newTestDispatcher(t)
	s := memory.New()

	got := make(chan int64, 4)
	_, _ = d.Register(s, "a", func(e store.Event) error {
		v, _ := e.Node.IntOr(0)
		got <- v
		return nil
	})
	d.Drain()
	<-got

	_ = s.Set(context.Background(), "a", 7)
	select {
	case <-d.Wake():
	case <-time.After(2 * time.Second):
		t.Fatal("expected wake after store write")
	}
	d.Drain()
	if v := <-got; v != 7 {
		t.Errorf("expected 7, got %d", v)
	}
}
