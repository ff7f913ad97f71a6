// Package economy owns the local player's point balance.
package economy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/OCAP2/basewars/internal/catalog"
	"github.com/OCAP2/basewars/internal/dispatcher"
	"github.com/OCAP2/basewars/internal/pending"
	"github.com/OCAP2/basewars/internal/store"
)

var (
	ErrInsufficientScore = errors.New("insufficient score")
	ErrNegativeCost      = errors.New("cost must not be negative")
)

// Dependencies holds the collaborators of the economy.
type Dependencies struct {
	Store      store.Store
	Dispatcher *dispatcher.Dispatcher
	Logger     *slog.Logger
	Rules      *catalog.Catalog
	PlayerID   string
	Mode       catalog.Mode
}

// Economy tracks the balance optimistically and persists every change.
// All methods run on the dispatcher loop.
type Economy struct {
	deps     Dependencies
	log      *slog.Logger
	balance  *pending.Overlay[int64]
	onChange func(int64)
	reg      *dispatcher.Registration
	writeGen uint64
}

func New(deps Dependencies) *Economy {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Economy{
		deps:    deps,
		log:     log.With("component", "economy"),
		balance: pending.New[int64](0),
	}
}

// OnChange sets the hook invoked with the visible balance after every change.
func (e *Economy) OnChange(fn func(balance int64)) {
	e.onChange = fn
}

// Load reads the stored balance, creating it with the starting balance when absent.
func (e *Economy) Load(ctx context.Context) error {
	if !e.deps.Store.Ready() {
		return store.ErrNotReady
	}
	path := store.ScorePath(e.deps.PlayerID)
	n, err := e.deps.Store.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("load score: %w", err)
	}
	if !n.Exists() {
		start := e.deps.Rules.StartingScore
		if err := e.deps.Store.Set(ctx, path, start); err != nil {
			return fmt.Errorf("initialize score: %w", err)
		}
		e.log.Info("initialized score", "score", start)
		e.balance.Reset(start)
		e.notify()
		return nil
	}
	v, err := n.Int()
	if err != nil {
		return fmt.Errorf("load score: %w", err)
	}
	e.balance.Reset(v)
	e.notify()
	return nil
}

// Subscribe follows the remote balance.
func (e *Economy) Subscribe() error {
	if e.reg != nil {
		return nil
	}
	reg, err := e.deps.Dispatcher.Register(e.deps.Store, store.ScorePath(e.deps.PlayerID), e.onScore, dispatcher.Coalesced())
	if err != nil {
		return err
	}
	e.reg = reg
	return nil
}

// Close stops following the remote balance.
func (e *Economy) Close() {
	if e.reg != nil {
		e.reg.Close()
		e.reg = nil
	}
}

func (e *Economy) onScore(ev store.Event) error {
	if !ev.Node.Exists() {
		// the record vanished; write it back
		start := e.deps.Rules.StartingScore
		e.log.Warn("score missing remotely, restoring starting balance", "score", start)
		e.balance.Reconcile(start)
		e.notify()
		path := store.ScorePath(e.deps.PlayerID)
		e.deps.Dispatcher.Go(func(ctx context.Context) error {
			return e.deps.Store.Set(ctx, path, start)
		}, func(err error) {
			if err != nil {
				e.log.Error("failed to restore score", "error", err)
			}
		})
		return nil
	}
	v, err := ev.Node.Int()
	if err != nil {
		return fmt.Errorf("score snapshot: %w", err)
	}
	e.balance.Reconcile(v)
	e.notify()
	return nil
}

// Balance returns the visible balance including unconfirmed changes.
func (e *Economy) Balance() int64 {
	return e.balance.Value()
}

// CanAfford reports whether cost can be paid from the visible balance.
func (e *Economy) CanAfford(cost int64) bool {
	return e.Balance() >= cost
}

// Spend deducts cost if affordable.
func (e *Economy) Spend(cost int64) error {
	if cost < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeCost, cost)
	}
	if !e.CanAfford(cost) {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientScore, cost, e.Balance())
	}
	e.AddPoints(-cost)
	return nil
}

// AddPoints changes the balance immediately and persists it in the background.
// A failed write rolls the change back.
func (e *Economy) AddPoints(delta int64) {
	if delta == 0 {
		return
	}
	id := e.balance.Apply(func(v int64) int64 { return v + delta })
	e.writeGen++
	gen := e.writeGen
	e.notify()

	path := store.ScorePath(e.deps.PlayerID)
	var confirmed int64
	if e.deps.Mode != catalog.ModeGuarded {
		// last writer wins with the absolute total
		confirmed = e.balance.Value()
	}
	op := func(ctx context.Context) error {
		if e.deps.Mode == catalog.ModeGuarded {
			v, err := e.add(ctx, path, delta)
			confirmed = v
			return err
		}
		return e.deps.Store.Set(ctx, path, confirmed)
	}

	e.deps.Dispatcher.Go(op, func(err error) {
		if err != nil {
			e.balance.Rollback(id)
			e.log.Error("failed to persist score", "delta", delta, "error", err)
			e.notify()
			return
		}
		if gen == e.writeGen {
			e.balance.Commit(id, confirmed)
		} else {
			// a newer write already carries this change
			e.balance.Rollback(id)
		}
		e.notify()
	})
}

func (e *Economy) add(ctx context.Context, path string, delta int64) (int64, error) {
	atomic, err := store.AsAtomic(e.deps.Store)
	if err != nil {
		return 0, err
	}
	return store.AddOrCreate(ctx, atomic, path, delta, e.deps.Rules.StartingScore)
}

func (e *Economy) notify() {
	if e.onChange != nil {
		e.onChange(e.balance.Value())
	}
}
