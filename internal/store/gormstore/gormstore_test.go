package gormstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/OCAP2/basewars/internal/database"
	"github.com/OCAP2/basewars/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	db, err := database.OpenSqlite(database.MemoryDSN(uuid.NewString()), zerolog.Nop())
	require.NoError(t, err)
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	s := New(Dependencies{DB: db}, cfg)
	require.NoError(t, s.Init())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	base := map[string]any{
		"latitude":            51.5,
		"longitude":           -0.12,
		"health":              100,
		"level":               1,
		"username":            "Player_abcde",
		"destroyedBaseNotify": false,
	}
	require.NoError(t, s.Set(ctx, "users/a/base", base))
	require.NoError(t, s.Set(ctx, "users/a/score", 50))

	n, err := s.Get(ctx, "users/a")
	require.NoError(t, err)
	health, err := n.Child("base/health").Int()
	require.NoError(t, err)
	assert.Equal(t, int64(100), health)
	notify, err := n.Child("base/destroyedBaseNotify").Bool()
	require.NoError(t, err)
	assert.False(t, notify)
	score, _ := n.Child("score").Int()
	assert.Equal(t, int64(50), score)
}

func TestSetReplacesSubtree(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", map[string]any{"x": 1, "y": 2}))
	require.NoError(t, s.Set(ctx, "a", map[string]any{"z": 3}))

	n, _ := s.Get(ctx, "a")
	assert.Len(t, n.Children(), 1)
	assert.False(t, n.Child("x").Exists())
}

func TestLeafReplacedByBranch(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", "leaf"))
	require.NoError(t, s.Set(ctx, "a/b", 1))

	n, _ := s.Get(ctx, "a")
	_, err := n.String()
	assert.ErrorIs(t, err, store.ErrMalformed)
	v, _ := n.Child("b").Int()
	assert.Equal(t, int64(1), v)
}

func TestPrefixSiblingsNotMatched(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "users/ab/score", 1))
	require.NoError(t, s.Set(ctx, "users/a-b/score", 2))
	require.NoError(t, s.Set(ctx, "users/a/score", 3))

	n, _ := s.Get(ctx, "users/a")
	assert.Len(t, n.Children(), 1)

	require.NoError(t, s.Delete(ctx, "users/a"))
	users, _ := s.Get(ctx, "users")
	assert.Len(t, users.Children(), 2)
}

func TestUpdateAndDelete(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "users/a/base", map[string]any{"health": 100, "level": 1}))
	require.NoError(t, s.Update(ctx, "users/a/base", map[string]any{"health": 200, "level": 2}))

	n, _ := s.Get(ctx, "users/a/base/level")
	lvl, _ := n.Int()
	assert.Equal(t, int64(2), lvl)

	require.NoError(t, s.Delete(ctx, "users/a/base"))
	require.NoError(t, s.Delete(ctx, "users/a/base"))
	n, err := s.Get(ctx, "users/a/base")
	require.NoError(t, err)
	assert.False(t, n.Exists())
}

func TestCreateIfAbsent(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	ok, err := s.CreateIfAbsent(ctx, "resolutions/t1", map[string]any{"claimedBy": "a", "claimedAt": 1})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CreateIfAbsent(ctx, "resolutions/t1", map[string]any{"claimedBy": "b", "claimedAt": 2})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdd(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	_, existed, err := s.Add(ctx, "users/a/score", 5)
	require.NoError(t, err)
	assert.False(t, existed)

	require.NoError(t, s.Set(ctx, "users/a/score", 50))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.Add(ctx, "users/a/score", -3)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, _ := s.Get(ctx, "users/a/score")
	v, _ := n.Int()
	assert.Equal(t, int64(20), v)
}

func TestSubscribePicksUpWrites(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	sub, err := s.Subscribe("users")
	require.NoError(t, err)
	defer sub.Close()

	waitFor := func(pred func(store.Node) bool) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case <-sub.Ready():
				for _, e := range sub.Pending() {
					if pred(e.Node) {
						return
					}
				}
			case <-deadline:
				t.Fatal("timed out waiting for snapshot")
			}
		}
	}

	waitFor(func(n store.Node) bool { return !n.Exists() })
	require.NoError(t, s.Set(ctx, "users/a/score", 50))
	waitFor(func(n store.Node) bool { return n.Child("a/score").Exists() })
}

func TestDumpLoopWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s := newTestStore(t, Config{DumpPath: path, DumpInterval: 20 * time.Millisecond})
	require.NoError(t, s.Set(context.Background(), "a", 1))

	assert.Eventually(t, func() bool {
		db, err := database.OpenSqlite(path, zerolog.Nop())
		if err != nil {
			return false
		}
		var n int64
		if err := db.Model(&Leaf{}).Count(&n).Error; err != nil {
			return false
		}
		return n == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCloseMakesNotReady(t *testing.T) {
	s := newTestStore(t, Config{})
	require.NoError(t, s.Close())
	assert.False(t, s.Ready())
	assert.ErrorIs(t, s.Set(context.Background(), "a", 1), store.ErrNotReady)
}
