package base

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/OCAP2/basewars/internal/catalog"
	"github.com/OCAP2/basewars/internal/dispatcher"
	"github.com/OCAP2/basewars/internal/geo"
	"github.com/OCAP2/basewars/internal/identity"
	"github.com/OCAP2/basewars/internal/journal"
	"github.com/OCAP2/basewars/internal/pending"
	"github.com/OCAP2/basewars/internal/store"
)

var (
	ErrInvalidState = errors.New("invalid base state")
	ErrNoBase       = errors.New("no base placed")
)

// State of the local player's base.
type State int

const (
	NoBase State = iota
	PlacementPending
	HasBase
	Destroyed
)

func (s State) String() string {
	switch s {
	case NoBase:
		return "no_base"
	case PlacementPending:
		return "placement_pending"
	case HasBase:
		return "has_base"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type NoticeKind int

const (
	NoticeRestored NoticeKind = iota + 1
	NoticeDestroyed
)

// Notice is a user-facing message raised by remote changes to the base.
type Notice struct {
	Kind    NoticeKind
	Message string
	Health  int64
}

// Wallet is the part of the economy the registry pays with.
type Wallet interface {
	Balance() int64
	Spend(cost int64) error
	AddPoints(delta int64)
}

// Dependencies holds the collaborators of the registry.
type Dependencies struct {
	Store      store.Store
	Dispatcher *dispatcher.Dispatcher
	Wallet     Wallet
	Rules      *catalog.Catalog
	Journal    *journal.Journal
	Logger     *slog.Logger
	PlayerID   string
	Username   string
}

type view struct {
	present   bool
	destroyed bool
	base      Base
}

// Registry is the base state machine of the local player.
// All methods run on the dispatcher loop.
type Registry struct {
	deps     Dependencies
	log      *slog.Logger
	view     *pending.Overlay[view]
	placing  bool
	clearing bool
	username string
	reg      *dispatcher.Registration
	onChange func(State, Base)
	onNotice func(Notice)
}

func New(deps Dependencies) *Registry {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	username := deps.Username
	if username == "" {
		username = identity.DefaultUsername(deps.PlayerID)
	}
	return &Registry{
		deps:     deps,
		log:      log.With("component", "base"),
		view:     pending.New(view{}),
		username: username,
	}
}

// OnChange sets the hook invoked after every visible change.
func (r *Registry) OnChange(fn func(State, Base)) { r.onChange = fn }

// OnNotice sets the hook invoked for restore and destruction notices.
func (r *Registry) OnNotice(fn func(Notice)) { r.onNotice = fn }

func (r *Registry) State() State {
	v := r.view.Value()
	switch {
	case v.present:
		return HasBase
	case r.placing:
		return PlacementPending
	case v.destroyed:
		return Destroyed
	default:
		return NoBase
	}
}

// Snapshot returns the visible base. ok is false without a base.
func (r *Registry) Snapshot() (Base, bool) {
	v := r.view.Value()
	return v.base, v.present
}

func (r *Registry) Username() string { return r.username }

func (r *Registry) BeginPlacement() error {
	switch r.State() {
	case NoBase, Destroyed:
		r.placing = true
		r.notify()
		return nil
	case PlacementPending:
		return nil
	default:
		return fmt.Errorf("%w: cannot place while %s", ErrInvalidState, r.State())
	}
}

func (r *Registry) CancelPlacement() error {
	if r.State() != PlacementPending {
		return fmt.Errorf("%w: no placement in progress", ErrInvalidState)
	}
	r.placing = false
	r.notify()
	return nil
}

// Load reads the stored base once and follows it when present.
func (r *Registry) Load(ctx context.Context) error {
	if !r.deps.Store.Ready() {
		return store.ErrNotReady
	}
	n, err := r.deps.Store.Get(ctx, store.BasePath(r.deps.PlayerID))
	if err != nil {
		return fmt.Errorf("load base: %w", err)
	}
	b, ok, err := FromNode(n)
	if err != nil {
		return fmt.Errorf("load base: %w", err)
	}
	if !ok {
		r.view.Reset(view{})
		r.notify()
		return nil
	}
	r.view.Reset(view{present: true, base: b})
	r.subscribe()
	r.notify()
	return nil
}

// Place writes a fresh base at coord.
func (r *Registry) Place(coord geo.Coordinate) error {
	switch s := r.State(); s {
	case NoBase, PlacementPending, Destroyed:
	default:
		return fmt.Errorf("%w: cannot place while %s", ErrInvalidState, s)
	}
	if !coord.Valid() {
		return fmt.Errorf("place base at %v: %w", coord, geo.ErrInvalidCoordinates)
	}
	if !r.deps.Store.Ready() {
		r.log.Warn("store not ready, base not placed")
		return store.ErrNotReady
	}

	b := Base{
		Coord:    coord,
		Health:   r.deps.Rules.BaseHealth,
		Level:    1,
		Username: r.username,
	}
	placed := view{present: true, base: b}
	wasPlacing := r.placing
	r.placing = false
	id := r.view.Apply(func(view) view { return placed })
	r.notify()

	path := store.BasePath(r.deps.PlayerID)
	r.deps.Dispatcher.Go(func(ctx context.Context) error {
		return r.deps.Store.Set(ctx, path, b.Fields())
	}, func(err error) {
		if err != nil {
			r.view.Rollback(id)
			r.placing = wasPlacing
			r.log.Error("failed to place base", "error", err)
			r.notify()
			return
		}
		r.view.Commit(id, placed)
		r.subscribe()
		r.log.Info("base placed", "lat", coord.Lat, "lon", coord.Lon)
		r.deps.Journal.Record(journal.Entry{
			Kind:     journal.KindBasePlaced,
			PlayerID: r.deps.PlayerID,
			Lat:      coord.Lat,
			Lon:      coord.Lon,
		})
		r.notify()
	})
	return nil
}

// Upgrade pays the upgrade cost and raises level and health.
func (r *Registry) Upgrade() error {
	v := r.view.Value()
	if !v.present {
		return ErrNoBase
	}
	cost := r.deps.Rules.UpgradeCost
	if err := r.deps.Wallet.Spend(cost); err != nil {
		r.log.Info("cannot upgrade base", "cost", cost, "balance", r.deps.Wallet.Balance())
		return err
	}

	level := v.base.Level + 1
	health := v.base.Health + r.deps.Rules.UpgradeHealth
	id := r.view.Apply(func(x view) view {
		x.base.Level = level
		x.base.Health = health
		return x
	})
	r.notify()

	path := store.BasePath(r.deps.PlayerID)
	r.deps.Dispatcher.Go(func(ctx context.Context) error {
		return r.deps.Store.Update(ctx, path, map[string]any{
			store.FieldLevel:  level,
			store.FieldHealth: health,
		})
	}, func(err error) {
		if err != nil {
			r.view.Rollback(id)
			r.deps.Wallet.AddPoints(cost)
			r.log.Error("failed to upgrade base", "level", level, "error", err)
			r.notify()
			return
		}
		r.view.Acknowledge(id)
		r.log.Info("base upgraded", "level", level, "health", health)
		r.deps.Journal.Record(journal.Entry{
			Kind:     journal.KindBaseUpgraded,
			PlayerID: r.deps.PlayerID,
			Amount:   level,
		})
		r.notify()
	})
	return nil
}

// Remove deletes the base and refunds half of the upgrades paid.
func (r *Registry) Remove() error {
	v := r.view.Value()
	if !v.present {
		return ErrNoBase
	}
	refund := r.deps.Rules.Refund(v.base.Level)

	// our own delete must not read as a destruction
	r.unsubscribe()
	id := r.view.Apply(func(view) view { return view{} })
	r.notify()

	path := store.BasePath(r.deps.PlayerID)
	r.deps.Dispatcher.Go(func(ctx context.Context) error {
		return r.deps.Store.Delete(ctx, path)
	}, func(err error) {
		if err != nil {
			r.view.Rollback(id)
			r.subscribe()
			r.log.Error("failed to remove base", "error", err)
			r.notify()
			return
		}
		r.view.Commit(id, view{})
		if refund > 0 {
			r.deps.Wallet.AddPoints(refund)
		}
		r.log.Info("base removed", "refund", refund)
		r.deps.Journal.Record(journal.Entry{
			Kind:     journal.KindBaseRemoved,
			PlayerID: r.deps.PlayerID,
			Amount:   refund,
		})
		r.notify()
	})
	return nil
}

// Rename changes the local username and the name shown on the base.
func (r *Registry) Rename(name string) error {
	name, err := identity.NormalizeUsername(name)
	if err != nil {
		return err
	}
	r.username = name
	if _, ok := r.Snapshot(); !ok {
		r.notify()
		return nil
	}

	id := r.view.Apply(func(x view) view {
		x.base.Username = name
		return x
	})
	r.notify()

	path := store.BaseFieldPath(r.deps.PlayerID, store.FieldUsername)
	r.deps.Dispatcher.Go(func(ctx context.Context) error {
		return r.deps.Store.Set(ctx, path, name)
	}, func(err error) {
		if err != nil {
			r.view.Rollback(id)
			r.log.Error("failed to rename base", "error", err)
			r.notify()
			return
		}
		r.view.Acknowledge(id)
		r.deps.Journal.Record(journal.Entry{
			Kind:     journal.KindBaseRenamed,
			PlayerID: r.deps.PlayerID,
			Details:  map[string]any{"username": name},
		})
		r.notify()
	})
	return nil
}

// Close stops following the remote base.
func (r *Registry) Close() {
	r.unsubscribe()
}

func (r *Registry) subscribe() {
	if r.reg != nil {
		return
	}
	reg, err := r.deps.Dispatcher.Register(r.deps.Store, store.BasePath(r.deps.PlayerID), r.onBase, dispatcher.Coalesced())
	if err != nil {
		r.log.Error("failed to follow base", "error", err)
		return
	}
	r.reg = reg
}

func (r *Registry) unsubscribe() {
	if r.reg != nil {
		r.reg.Close()
		r.reg = nil
	}
}

func (r *Registry) onBase(ev store.Event) error {
	b, ok, err := FromNode(ev.Node)
	if err != nil {
		return fmt.Errorf("base snapshot: %w", err)
	}

	if !ok {
		prev := r.view.Confirmed()
		r.view.Reconcile(view{destroyed: prev.present || prev.destroyed})
		if prev.present {
			r.log.Warn("base lost")
			r.raise(Notice{Kind: NoticeDestroyed, Message: "Your base was destroyed"})
		}
		r.notify()
		return nil
	}

	r.view.Reconcile(view{present: true, base: b})
	r.placing = false
	if b.Notify && !r.clearing {
		r.raise(Notice{
			Kind:    NoticeRestored,
			Message: fmt.Sprintf("Enemy base destroyed, your base health is restored to %d", b.Health),
			Health:  b.Health,
		})
		r.clearing = true
		path := store.BaseFieldPath(r.deps.PlayerID, store.FieldDestroyedBaseNotify)
		r.deps.Dispatcher.Go(func(ctx context.Context) error {
			return r.deps.Store.Set(ctx, path, false)
		}, func(err error) {
			r.clearing = false
			if err != nil {
				r.log.Error("failed to clear restore notice", "error", err)
			}
		})
	}
	r.notify()
	return nil
}

func (r *Registry) raise(n Notice) {
	if r.onNotice != nil {
		r.onNotice(n)
	}
}

func (r *Registry) notify() {
	if r.onChange != nil {
		b, _ := r.Snapshot()
		r.onChange(r.State(), b)
	}
}
