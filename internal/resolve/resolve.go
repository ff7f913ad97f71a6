// Package resolve applies a troop's damage to its target base when it arrives.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/OCAP2/basewars/internal/base"
	"github.com/OCAP2/basewars/internal/catalog"
	"github.com/OCAP2/basewars/internal/journal"
	"github.com/OCAP2/basewars/internal/store"
)

type Kind int

const (
	// Skipped: the store was not ready, nothing was written.
	Skipped Kind = iota
	// Missing: the target base no longer exists.
	Missing
	Damaged
	Destroyed
	// Lost: another client already resolved this troop.
	Lost
)

func (k Kind) String() string {
	switch k {
	case Skipped:
		return "skipped"
	case Missing:
		return "missing"
	case Damaged:
		return "damaged"
	case Destroyed:
		return "destroyed"
	case Lost:
		return "lost"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Arrival is a troop that reached its target.
type Arrival struct {
	TroopID    string
	TargetID   string
	AttackerID string
	Damage     int64
}

type Outcome struct {
	Kind      Kind
	NewHealth int64
	Reward    int64
}

type Dependencies struct {
	Store   store.Store
	Rules   *catalog.Catalog
	Journal *journal.Journal
	Logger  *slog.Logger
	Mode    catalog.Mode
	// PlayerID is recorded on resolution claims.
	PlayerID string
	Now      func() time.Time
}

// Resolver is safe for concurrent use. Its methods block on the store and
// must not run on the dispatcher loop.
type Resolver struct {
	deps Dependencies
	log  *slog.Logger
}

func New(deps Dependencies) *Resolver {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Resolver{deps: deps, log: log.With("component", "resolve")}
}

// Resolve applies the damage of a and deletes its troop record.
func (r *Resolver) Resolve(ctx context.Context, a Arrival) (Outcome, error) {
	if !r.deps.Store.Ready() {
		r.log.Warn("store not ready, arrival not resolved", "troop", a.TroopID)
		return Outcome{Kind: Skipped}, store.ErrNotReady
	}

	var (
		out Outcome
		err error
	)
	if r.deps.Mode == catalog.ModeGuarded {
		out, err = r.resolveGuarded(ctx, a)
		if out.Kind == Lost {
			return out, err
		}
	} else {
		out, err = r.resolveFaithful(ctx, a)
	}

	if delErr := r.deps.Store.Delete(ctx, store.TroopPath(a.TroopID)); delErr != nil {
		err = errors.Join(err, fmt.Errorf("delete troop %s: %w", a.TroopID, delErr))
	}
	r.record(a, out)
	return out, err
}

func (r *Resolver) resolveFaithful(ctx context.Context, a Arrival) (Outcome, error) {
	target, ok, err := r.readBase(ctx, a.TargetID)
	if err != nil || !ok {
		return Outcome{Kind: Missing}, err
	}

	health := target.Health - a.Damage
	if health > 0 {
		err := r.deps.Store.Set(ctx, store.BaseFieldPath(a.TargetID, store.FieldHealth), health)
		if err != nil {
			return Outcome{Kind: Missing}, fmt.Errorf("damage base %s: %w", a.TargetID, err)
		}
		return Outcome{Kind: Damaged, NewHealth: health}, nil
	}

	if err := r.deps.Store.Delete(ctx, store.BasePath(a.TargetID)); err != nil {
		return Outcome{Kind: Missing}, fmt.Errorf("destroy base %s: %w", a.TargetID, err)
	}
	out := Outcome{Kind: Destroyed, Reward: r.deps.Rules.Reward(target.Level)}

	// read-modify-write, concurrent awards can be lost
	scorePath := store.ScorePath(a.AttackerID)
	n, err := r.deps.Store.Get(ctx, scorePath)
	if err != nil {
		return out, fmt.Errorf("read attacker score: %w", err)
	}
	score, err := n.IntOr(r.deps.Rules.StartingScore)
	if err != nil {
		return out, fmt.Errorf("read attacker score: %w", err)
	}
	if err := r.deps.Store.Set(ctx, scorePath, score+out.Reward); err != nil {
		return out, fmt.Errorf("award attacker: %w", err)
	}
	return out, r.restore(ctx, a.AttackerID)
}

func (r *Resolver) resolveGuarded(ctx context.Context, a Arrival) (Outcome, error) {
	atomic, err := store.AsAtomic(r.deps.Store)
	if err != nil {
		return Outcome{Kind: Skipped}, err
	}

	claimed, err := atomic.CreateIfAbsent(ctx, store.ResolutionPath(a.TroopID), map[string]any{
		store.FieldClaimedBy: r.deps.PlayerID,
		store.FieldClaimedAt: r.deps.Now().Unix(),
	})
	if err != nil {
		return Outcome{Kind: Skipped}, fmt.Errorf("claim troop %s: %w", a.TroopID, err)
	}
	if !claimed {
		return Outcome{Kind: Lost}, nil
	}

	// read the level before the base can be deleted
	target, ok, err := r.readBase(ctx, a.TargetID)
	if err != nil || !ok {
		return Outcome{Kind: Missing}, err
	}

	health, existed, err := atomic.Add(ctx, store.BaseFieldPath(a.TargetID, store.FieldHealth), -a.Damage)
	if err != nil {
		return Outcome{Kind: Missing}, fmt.Errorf("damage base %s: %w", a.TargetID, err)
	}
	if !existed {
		return Outcome{Kind: Missing}, nil
	}
	// only the decrement that crosses zero destroys the base
	if health > 0 || health+a.Damage <= 0 {
		return Outcome{Kind: Damaged, NewHealth: health}, nil
	}

	if err := r.deps.Store.Delete(ctx, store.BasePath(a.TargetID)); err != nil {
		return Outcome{Kind: Damaged, NewHealth: health}, fmt.Errorf("destroy base %s: %w", a.TargetID, err)
	}
	out := Outcome{Kind: Destroyed, NewHealth: health, Reward: r.deps.Rules.Reward(target.Level)}
	if _, err := store.AddOrCreate(ctx, atomic, store.ScorePath(a.AttackerID), out.Reward, r.deps.Rules.StartingScore); err != nil {
		return out, fmt.Errorf("award attacker: %w", err)
	}
	return out, r.restore(ctx, a.AttackerID)
}

// restore heals the attacker's base and flags the notice. A missing base is
// left alone.
func (r *Resolver) restore(ctx context.Context, attackerID string) error {
	b, ok, err := r.readBase(ctx, attackerID)
	if err != nil || !ok {
		return err
	}
	err = r.deps.Store.Update(ctx, store.BasePath(attackerID), map[string]any{
		store.FieldHealth:              r.deps.Rules.RestoreHealth(b.Level),
		store.FieldDestroyedBaseNotify: true,
	})
	if err != nil {
		return fmt.Errorf("restore attacker base: %w", err)
	}
	return nil
}

func (r *Resolver) readBase(ctx context.Context, id string) (base.Base, bool, error) {
	n, err := r.deps.Store.Get(ctx, store.BasePath(id))
	if err != nil {
		return base.Base{}, false, fmt.Errorf("read base %s: %w", id, err)
	}
	b, ok, err := base.FromNode(n)
	if err != nil {
		return base.Base{}, false, fmt.Errorf("read base %s: %w", id, err)
	}
	return b, ok, nil
}

func (r *Resolver) record(a Arrival, out Outcome) {
	switch out.Kind {
	case Damaged:
		r.deps.Journal.Record(journal.Entry{
			Kind:     journal.KindDamageApplied,
			PlayerID: a.AttackerID,
			TargetID: a.TargetID,
			TroopID:  a.TroopID,
			Amount:   a.Damage,
			Details:  map[string]any{"health": out.NewHealth},
		})
	case Destroyed:
		r.deps.Journal.Record(journal.Entry{
			Kind:     journal.KindBaseDestroyed,
			PlayerID: a.AttackerID,
			TargetID: a.TargetID,
			TroopID:  a.TroopID,
			Amount:   a.Damage,
		})
		r.deps.Journal.Record(journal.Entry{
			Kind:     journal.KindPointsAwarded,
			PlayerID: a.AttackerID,
			TargetID: a.TargetID,
			Amount:   out.Reward,
		})
	}
	r.log.Info("troop resolved", "troop", a.TroopID, "target", a.TargetID, "outcome", out.Kind, "health", out.NewHealth, "reward", out.Reward)
}

// PruneClaims deletes resolution claims older than olderThan and returns how
// many were removed.
func (r *Resolver) PruneClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	if !r.deps.Store.Ready() {
		return 0, store.ErrNotReady
	}
	n, err := r.deps.Store.Get(ctx, store.ResolutionsRoot)
	if err != nil {
		return 0, fmt.Errorf("read claims: %w", err)
	}
	cutoff := r.deps.Now().Add(-olderThan).Unix()
	pruned := 0
	var errs []error
	for _, c := range n.Children() {
		at, err := c.Node.Child(store.FieldClaimedAt).IntOr(0)
		if err != nil {
			r.log.Warn("malformed claim", "troop", c.Key, "error", err)
			continue
		}
		if at >= cutoff {
			continue
		}
		if err := r.deps.Store.Delete(ctx, store.ResolutionPath(c.Key)); err != nil {
			errs = append(errs, err)
			continue
		}
		pruned++
	}
	return pruned, errors.Join(errs...)
}
