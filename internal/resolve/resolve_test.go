package resolve

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/OCAP2/basewars/internal/catalog"
	"github.com/OCAP2/basewars/internal/journal"
	jmemory "github.com/OCAP2/basewars/internal/journal/memory"
	"github.com/OCAP2/basewars/internal/store"
	"github.com/OCAP2/basewars/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newResolver(s store.Store, mode catalog.Mode, sink journal.Sink) *Resolver {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Dependencies{
		Store:    s,
		Rules:    catalog.Default(),
		Journal:  journal.New(sink, log, nil),
		Logger:   log,
		Mode:     mode,
		PlayerID: "resolver",
		Now:      func() time.Time { return now },
	})
}

func seed(t *testing.T, s store.Store, targetHealth, targetLevel int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, store.BasePath("target"), map[string]any{
		"latitude": 48.85, "longitude": 2.35, "health": targetHealth, "level": targetLevel, "username": "bob",
	}))
	require.NoError(t, s.Set(ctx, store.BasePath("attacker"), map[string]any{
		"latitude": 51.5, "longitude": -0.12, "health": 20, "level": 3, "username": "alice",
	}))
	require.NoError(t, s.Set(ctx, store.ScorePath("attacker"), 10))
	require.NoError(t, s.Set(ctx, store.TroopPath("t1"), map[string]any{"troopType": "Ghost"}))
}

func get(t *testing.T, s store.Store, path string) store.Node {
	t.Helper()
	n, err := s.Get(context.Background(), path)
	require.NoError(t, err)
	return n
}

func intAt(t *testing.T, s store.Store, path string) int64 {
	t.Helper()
	v, err := get(t, s, path).Int()
	require.NoError(t, err)
	return v
}

var arrival = Arrival{TroopID: "t1", TargetID: "target", AttackerID: "attacker", Damage: 50}

func TestResolve_NonLethal(t *testing.T) {
	for _, mode := range []catalog.Mode{catalog.ModeFaithful, catalog.ModeGuarded} {
		t.Run(string(mode), func(t *testing.T) {
			s := memory.New()
			seed(t, s, 120, 1)
			sink := jmemory.New(0)

			out, err := newResolver(s, mode, sink).Resolve(context.Background(), arrival)
			require.NoError(t, err)
			assert.Equal(t, Damaged, out.Kind)
			assert.Equal(t, int64(70), out.NewHealth)
			assert.Equal(t, int64(70), intAt(t, s, store.BaseFieldPath("target", "health")))
			assert.Equal(t, int64(10), intAt(t, s, store.ScorePath("attacker")))
			assert.False(t, get(t, s, store.TroopPath("t1")).Exists())
			assert.Equal(t, []journal.Kind{journal.KindDamageApplied}, sink.Kinds())
		})
	}
}

func TestResolve_Lethal(t *testing.T) {
	for _, mode := range []catalog.Mode{catalog.ModeFaithful, catalog.ModeGuarded} {
		t.Run(string(mode), func(t *testing.T) {
			s := memory.New()
			seed(t, s, 50, 2)
			sink := jmemory.New(0)

			out, err := newResolver(s, mode, sink).Resolve(context.Background(), arrival)
			require.NoError(t, err)
			assert.Equal(t, Destroyed, out.Kind)
			assert.Equal(t, int64(200), out.Reward)

			assert.False(t, get(t, s, store.BasePath("target")).Exists())
			assert.Equal(t, int64(210), intAt(t, s, store.ScorePath("attacker")))
			assert.Equal(t, int64(300), intAt(t, s, store.BaseFieldPath("attacker", "health")), "restored to level*100")
			notify, err := get(t, s, store.BaseFieldPath("attacker", store.FieldDestroyedBaseNotify)).Bool()
			require.NoError(t, err)
			assert.True(t, notify)
			assert.False(t, get(t, s, store.TroopPath("t1")).Exists())
			assert.Equal(t, []journal.Kind{journal.KindBaseDestroyed, journal.KindPointsAwarded}, sink.Kinds())
		})
	}
}

func TestResolve_MissingTarget(t *testing.T) {
	s := memory.New()
	seed(t, s, 50, 1)
	require.NoError(t, s.Delete(context.Background(), store.BasePath("target")))

	out, err := newResolver(s, catalog.ModeFaithful, jmemory.New(0)).Resolve(context.Background(), arrival)
	require.NoError(t, err)
	assert.Equal(t, Missing, out.Kind)
	assert.False(t, get(t, s, store.TroopPath("t1")).Exists())
	assert.False(t, get(t, s, store.BasePath("target")).Exists(), "no partial base is written")
}

func TestResolve_PartialTargetRecord(t *testing.T) {
	tests := []struct {
		name       string
		mode       catalog.Mode
		record     map[string]any
		want       Kind
		wantHealth int64
	}{
		{name: "faithful defaults missing health", mode: catalog.ModeFaithful,
			record: map[string]any{"latitude": 48.85, "longitude": 2.35}, want: Damaged, wantHealth: 50},
		{name: "guarded skips missing health", mode: catalog.ModeGuarded,
			record: map[string]any{"latitude": 48.85, "longitude": 2.35}, want: Missing},
		{name: "faithful without coordinates", mode: catalog.ModeFaithful,
			record: map[string]any{"health": 30}, want: Missing},
		{name: "guarded without coordinates", mode: catalog.ModeGuarded,
			record: map[string]any{"health": 30}, want: Missing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.New()
			seed(t, s, 50, 1)
			ctx := context.Background()
			require.NoError(t, s.Set(ctx, store.BasePath("target"), tt.record))

			out, err := newResolver(s, tt.mode, jmemory.New(0)).Resolve(ctx, arrival)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Kind)
			if tt.want == Damaged {
				assert.Equal(t, tt.wantHealth, out.NewHealth)
			}
			assert.False(t, get(t, s, store.TroopPath("t1")).Exists())
		})
	}
}

func TestResolve_NotReady(t *testing.T) {
	s := memory.New()
	seed(t, s, 50, 1)
	s.SetReady(false)

	out, err := newResolver(s, catalog.ModeFaithful, jmemory.New(0)).Resolve(context.Background(), arrival)
	assert.ErrorIs(t, err, store.ErrNotReady)
	assert.Equal(t, Skipped, out.Kind)
	s.SetReady(true)
	assert.True(t, get(t, s, store.TroopPath("t1")).Exists(), "troop record stays orphaned")
}

func TestResolve_AttackerWithoutScoreOrBase(t *testing.T) {
	for _, mode := range []catalog.Mode{catalog.ModeFaithful, catalog.ModeGuarded} {
		t.Run(string(mode), func(t *testing.T) {
			s := memory.New()
			seed(t, s, 10, 1)
			ctx := context.Background()
			require.NoError(t, s.Delete(ctx, store.UserPath("attacker")))

			out, err := newResolver(s, mode, jmemory.New(0)).Resolve(ctx, arrival)
			require.NoError(t, err)
			assert.Equal(t, Destroyed, out.Kind)
			assert.Equal(t, int64(150), intAt(t, s, store.ScorePath("attacker")), "absent score counts as the starting balance")
			assert.False(t, get(t, s, store.BasePath("attacker")).Exists())
		})
	}
}

func TestFaithful_DuplicateObserversApplyDamageTwice(t *testing.T) {
	s := memory.New()
	seed(t, s, 120, 1)
	ctx := context.Background()

	// two clients simulated the same troop and both resolve its arrival
	first, err := newResolver(s, catalog.ModeFaithful, jmemory.New(0)).Resolve(ctx, arrival)
	require.NoError(t, err)
	second, err := newResolver(s, catalog.ModeFaithful, jmemory.New(0)).Resolve(ctx, arrival)
	require.NoError(t, err)

	assert.Equal(t, Damaged, first.Kind)
	assert.Equal(t, Damaged, second.Kind)
	assert.Equal(t, int64(20), intAt(t, s, store.BaseFieldPath("target", "health")), "one troop dealt its damage twice")
}

// lockstepReads holds the first n reads of path until all n have arrived.
type lockstepReads struct {
	store.Store
	path string

	mu      sync.Mutex
	waiting int
	release chan struct{}
}

func newLockstepReads(s store.Store, path string, n int) *lockstepReads {
	return &lockstepReads{Store: s, path: path, waiting: n, release: make(chan struct{})}
}

func (l *lockstepReads) Get(ctx context.Context, path string) (store.Node, error) {
	if path == l.path {
		l.mu.Lock()
		held := l.waiting > 0
		if held {
			l.waiting--
			if l.waiting == 0 {
				close(l.release)
			}
		}
		l.mu.Unlock()
		if held {
			<-l.release
		}
	}
	return l.Store.Get(ctx, path)
}

func TestFaithful_RacingResolversBothReward(t *testing.T) {
	mem := memory.New()
	seed(t, mem, 50, 1)
	s := newLockstepReads(mem, store.BasePath("target"), 2)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := newResolver(s, catalog.ModeFaithful, jmemory.New(0)).Resolve(context.Background(), arrival)
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	reward := catalog.Default().Reward(1)
	assert.Equal(t, Destroyed, outcomes[0].Kind)
	assert.Equal(t, Destroyed, outcomes[1].Kind)
	assert.Equal(t, reward, outcomes[0].Reward)
	assert.Equal(t, reward, outcomes[1].Reward)

	// the unguarded read-modify-write may lose one of the two awards
	score := intAt(t, mem, store.ScorePath("attacker"))
	assert.Contains(t, []int64{10 + reward, 10 + 2*reward}, score)
	assert.False(t, get(t, mem, store.BasePath("target")).Exists())
}

func TestGuarded_RacingResolversRewardOnce(t *testing.T) {
	s := memory.New()
	seed(t, s, 50, 1)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 4)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := newResolver(s, catalog.ModeGuarded, jmemory.New(0)).Resolve(context.Background(), arrival)
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	kinds := map[Kind]int{}
	for _, o := range outcomes {
		kinds[o.Kind]++
	}
	assert.Equal(t, map[Kind]int{Destroyed: 1, Lost: 3}, kinds)
	assert.Equal(t, int64(110), intAt(t, s, store.ScorePath("attacker")))
}

func TestGuarded_ConcurrentTroopsNeverLoseDamage(t *testing.T) {
	s := memory.New()
	seed(t, s, 1000, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		id := "t" + string(rune('a'+i))
		require.NoError(t, s.Set(ctx, store.TroopPath(id), map[string]any{"troopType": "Ghost"}))
		wg.Add(1)
		go func() {
			defer wg.Done()
			a := arrival
			a.TroopID = id
			_, err := newResolver(s, catalog.ModeGuarded, jmemory.New(0)).Resolve(ctx, a)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(500), intAt(t, s, store.BaseFieldPath("target", "health")))
}

func TestGuarded_OnlyCrossingDestroys(t *testing.T) {
	s := memory.New()
	seed(t, s, 100, 1)
	ctx := context.Background()
	r := newResolver(s, catalog.ModeGuarded, jmemory.New(0))

	require.NoError(t, s.Set(ctx, store.TroopPath("t2"), map[string]any{"troopType": "Robot"}))
	first, err := r.Resolve(ctx, Arrival{TroopID: "t1", TargetID: "target", AttackerID: "attacker", Damage: 60})
	require.NoError(t, err)
	second, err := r.Resolve(ctx, Arrival{TroopID: "t2", TargetID: "target", AttackerID: "attacker", Damage: 60})
	require.NoError(t, err)

	assert.Equal(t, Damaged, first.Kind)
	assert.Equal(t, Destroyed, second.Kind)
	assert.Equal(t, int64(110), intAt(t, s, store.ScorePath("attacker")))
}

func TestPruneClaims(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, store.ResolutionPath("old"), map[string]any{"claimedBy": "x", "claimedAt": now.Add(-2 * time.Hour).Unix()}))
	require.NoError(t, s.Set(ctx, store.ResolutionPath("new"), map[string]any{"claimedBy": "x", "claimedAt": now.Unix()}))

	n, err := newResolver(s, catalog.ModeGuarded, jmemory.New(0)).PruneClaims(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, get(t, s, store.ResolutionPath("old")).Exists())
	assert.True(t, get(t, s, store.ResolutionPath("new")).Exists())
}
