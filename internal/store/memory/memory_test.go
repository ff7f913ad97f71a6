package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/OCAP2/basewars/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "users/a/score", 50))
	n, err := s.Get(ctx, "users/a/score")
	require.NoError(t, err)
	v, err := n.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(50), v)

	missing, err := s.Get(ctx, "users/b")
	require.NoError(t, err)
	assert.False(t, missing.Exists())
}

func TestDeleteIsIdempotentAndPrunes(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "users/a/base", map[string]any{"health": 100, "level": 1}))

	require.NoError(t, s.Delete(ctx, "users/a/base"))
	require.NoError(t, s.Delete(ctx, "users/a/base"))

	n, err := s.Get(ctx, "users/a/base")
	require.NoError(t, err)
	assert.False(t, n.Exists())
	users, _ := s.Get(ctx, "users")
	assert.False(t, users.Exists(), "empty parents must be pruned")
}

func TestSetEmptyMapDeletes(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a/b", 1))
	require.NoError(t, s.Set(ctx, "a", map[string]any{}))
	n, _ := s.Get(ctx, "a")
	assert.False(t, n.Exists())
}

func TestUpdateKeepsSiblings(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "users/a/base", map[string]any{"health": 100, "level": 1, "username": "al"}))
	require.NoError(t, s.Update(ctx, "users/a/base", map[string]any{"health": 200, "level": 2}))

	n, _ := s.Get(ctx, "users/a/base")
	name, _ := n.Child("username").String()
	health, _ := n.Child("health").Int()
	assert.Equal(t, "al", name)
	assert.Equal(t, int64(200), health)
}

func TestUpdateRelativePaths(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, "users/a", map[string]any{"base/health": 10, "score": 5}))
	n, _ := s.Get(ctx, "users/a/base/health")
	v, _ := n.Int()
	assert.Equal(t, int64(10), v)
}

func TestNotReadyRejectsWrites(t *testing.T) {
	s := New()
	s.SetReady(false)
	ctx := context.Background()

	assert.False(t, s.Ready())
	assert.ErrorIs(t, s.Set(ctx, "a", 1), store.ErrNotReady)
	assert.ErrorIs(t, s.Update(ctx, "a", map[string]any{"b": 1}), store.ErrNotReady)
	assert.ErrorIs(t, s.Delete(ctx, "a"), store.ErrNotReady)
	assert.Equal(t, int64(0), s.Writes())
}

func TestFailWrites(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	s.FailWrites(boom)
	assert.ErrorIs(t, s.Set(context.Background(), "a", 1), boom)
	s.FailWrites(nil)
	assert.NoError(t, s.Set(context.Background(), "a", 1))
}

func TestSubscribeInitialAndChanges(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "users/a/score", 50))

	sub, err := s.Subscribe("users")
	require.NoError(t, err)
	defer sub.Close()

	initial := sub.Pending()
	require.Len(t, initial, 1)
	assert.Equal(t, "users", initial[0].Origin)

	require.NoError(t, s.Set(ctx, "users/b/score", 20))
	require.NoError(t, s.Set(ctx, "troops/t1/damage", 50))
	require.NoError(t, s.Set(ctx, "users/b/score", 20)) // unchanged

	events := sub.Pending()
	require.Len(t, events, 1)
	assert.Equal(t, "users/b/score", events[0].Origin)
	assert.Len(t, events[0].Node.Children(), 2)
}

func TestSubscribeDeletion(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "users/a/base/health", 100))

	sub, _ := s.Subscribe("users/a/base")
	sub.Pending()
	require.NoError(t, s.Delete(ctx, "users/a"))

	events := sub.Pending()
	require.Len(t, events, 1)
	assert.False(t, events[0].Node.Exists())
}

func TestCreateIfAbsent(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, err := s.CreateIfAbsent(ctx, "resolutions/t1", map[string]any{"claimedBy": "a"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateIfAbsent(ctx, "resolutions/t1", map[string]any{"claimedBy": "b"})
	require.NoError(t, err)
	assert.False(t, created)

	n, _ := s.Get(ctx, "resolutions/t1/claimedBy")
	by, _ := n.String()
	assert.Equal(t, "a", by)
}

func TestAdd(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, existed, err := s.Add(ctx, "users/a/score", 10)
	require.NoError(t, err)
	assert.False(t, existed)
	n, _ := s.Get(ctx, "users/a/score")
	assert.False(t, n.Exists(), "add on absent path must not write")

	require.NoError(t, s.Set(ctx, "users/a/score", 50))
	v, existed, err := s.Add(ctx, "users/a/score", -20)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, int64(30), v)

	require.NoError(t, s.Set(ctx, "users/a/name", "x"))
	_, _, err = s.Add(ctx, "users/a/name", 1)
	assert.ErrorIs(t, err, store.ErrMalformed)
}

func TestAddConcurrent(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "counter", 0))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = s.Add(ctx, "counter", 1)
		}()
	}
	wg.Wait()

	n, _ := s.Get(ctx, "counter")
	v, _ := n.Int()
	assert.Equal(t, int64(50), v)
}

func TestClose(t *testing.T) {
	s := New()
	sub, _ := s.Subscribe("a")
	require.NoError(t, s.Close())
	assert.True(t, sub.Closed())
	assert.False(t, s.Ready())
	assert.ErrorIs(t, s.Set(context.Background(), "a", 1), store.ErrClosed)
	_, err := s.Subscribe("a")
	assert.ErrorIs(t, err, store.ErrClosed)
}
