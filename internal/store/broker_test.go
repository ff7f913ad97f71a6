package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_InitialSnapshot(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("users", NewNode(map[string]any{"a": 1}))
	defer sub.Close()

	events := sub.Pending()
	require.Len(t, events, 1)
	assert.Equal(t, "users", events[0].Origin)
	assert.True(t, events[0].Node.Exists())
}

func TestBroker_PublishRelatedOnly(t *testing.T) {
	b := NewBroker()
	users := b.Subscribe("users", Node{})
	alice := b.Subscribe("users/a/score", Node{})
	troops := b.Subscribe("troops", Node{})
	users.Pending()
	alice.Pending()
	troops.Pending()

	before := any(nil)
	after := Assign(nil, Split("users/a/score"), 10.0)
	b.Publish("users/a/score", before, after)

	got := users.Pending()
	require.Len(t, got, 1)
	assert.Equal(t, "users/a/score", got[0].Origin)
	assert.Len(t, alice.Pending(), 1)
	assert.Empty(t, troops.Pending())
}

func TestBroker_AncestorWriteReachesDescendant(t *testing.T) {
	b := NewBroker()
	score := b.Subscribe("users/a/score", Node{})
	score.Pending()

	after := Assign(nil, Split("users/a"), map[string]any{"score": 5.0})
	b.Publish("users/a", nil, after)

	events := score.Pending()
	require.Len(t, events, 1)
	v, err := events[0].Node.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

func TestBroker_UnchangedSnapshotSkipped(t *testing.T) {
	b := NewBroker()
	score := b.Subscribe("users/a/score", Node{})
	score.Pending()

	before := Assign(nil, Split("users/a/score"), 5.0)
	after := Assign(before, Split("users/a/base/health"), 100.0)
	b.Publish("users/a", before, after)
	assert.Empty(t, score.Pending())
}

func TestBroker_SeqIncreases(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("a", Node{})
	var root any
	for i := 0; i < 5; i++ {
		next := Assign(root, Split("a"), float64(i+1))
		b.Publish("a", root, next)
		root = next
	}
	events := sub.Pending()
	require.Len(t, events, 6)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}

func TestBroker_CloseRemoves(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("a", Node{})
	assert.Equal(t, 1, b.Len())
	sub.Close()
	assert.Equal(t, 0, b.Len())
	assert.True(t, sub.Closed())

	b.Publish("a", nil, Assign(nil, Split("a"), 1.0))
	assert.Empty(t, sub.Pending())
}

type fakeReader struct {
	mu   sync.Mutex
	vals map[string]any
	err  error
}

func (f *fakeReader) read(_ context.Context, path string) (Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Node{}, f.err
	}
	return NewNode(f.vals[path]), nil
}

func (f *fakeReader) set(path string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vals[path] = v
}

func TestPoller_EmitsOnChangeOnly(t *testing.T) {
	r := &fakeReader{vals: map[string]any{"a": 1}}
	p := NewPoller(r.read, time.Hour)
	sub, err := p.Subscribe("a")
	require.NoError(t, err)

	ctx := context.Background()
	p.Poll(ctx)
	require.Len(t, sub.Pending(), 1)

	p.Poll(ctx)
	assert.Empty(t, sub.Pending(), "unchanged snapshot must not be re-emitted")

	r.set("a", 2)
	p.Poll(ctx)
	events := sub.Pending()
	require.Len(t, events, 1)
	v, _ := events[0].Node.Int()
	assert.Equal(t, int64(2), v)
}

func TestPoller_SecondSubscriberGetsCachedSnapshot(t *testing.T) {
	r := &fakeReader{vals: map[string]any{"a": 1}}
	p := NewPoller(r.read, time.Hour)
	first, _ := p.Subscribe("a")
	p.Poll(context.Background())
	first.Pending()

	second, err := p.Subscribe("a")
	require.NoError(t, err)
	assert.Len(t, second.Pending(), 1)
}

func TestPoller_ErrorReportedOnce(t *testing.T) {
	boom := errors.New("boom")
	r := &fakeReader{vals: map[string]any{}, err: boom}
	p := NewPoller(r.read, time.Hour)
	sub, _ := p.Subscribe("a")

	p.Poll(context.Background())
	p.Poll(context.Background())
	events := sub.Pending()
	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, boom)
}

func TestPoller_StartStop(t *testing.T) {
	r := &fakeReader{vals: map[string]any{"a": 1}}
	p := NewPoller(r.read, 10*time.Millisecond)
	p.Start()
	sub, err := p.Subscribe("a")
	require.NoError(t, err)

	select {
	case <-sub.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("expected initial snapshot")
	}

	p.Stop()
	assert.True(t, sub.Closed())
	_, err = p.Subscribe("a")
	assert.ErrorIs(t, err, ErrClosed)
}
