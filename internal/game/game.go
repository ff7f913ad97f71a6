// Package game wires the client components together and runs the loop that
// owns them.
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OCAP2/basewars/internal/attack"
	"github.com/OCAP2/basewars/internal/base"
	"github.com/OCAP2/basewars/internal/catalog"
	"github.com/OCAP2/basewars/internal/directory"
	"github.com/OCAP2/basewars/internal/dispatcher"
	"github.com/OCAP2/basewars/internal/economy"
	"github.com/OCAP2/basewars/internal/geo"
	"github.com/OCAP2/basewars/internal/identity"
	"github.com/OCAP2/basewars/internal/journal"
	"github.com/OCAP2/basewars/internal/poi"
	"github.com/OCAP2/basewars/internal/resolve"
	"github.com/OCAP2/basewars/internal/store"
	"github.com/OCAP2/basewars/internal/troop"
)

// ErrNotStarted is returned by UI calls made before Start completed.
var ErrNotStarted = errors.New("engine not started")

const noticeBuffer = 16

// Config holds the game.* and store.readyPoll settings.
type Config struct {
	TickInterval  time.Duration
	BatchInterval time.Duration
	ReadyPoll     time.Duration
	Resolution    catalog.Mode
	ClaimTTL      time.Duration
	// DataDir receives the renamed profile. Empty skips persisting renames.
	DataDir string
}

// Dependencies holds every collaborator of the engine.
type Dependencies struct {
	Store      store.Store
	Dispatcher *dispatcher.Dispatcher
	Rules      *catalog.Catalog
	Journal    *journal.Journal
	Logger     *slog.Logger
	Profile    identity.Profile
	POIs       []poi.POI
	Now        func() time.Time
}

// Engine owns the game components. Component state is only touched on the
// loop; Status, Bases, Lookup and Troops are safe from any goroutine.
type Engine struct {
	cfg  Config
	deps Dependencies
	log  *slog.Logger

	economy   *economy.Economy
	registry  *base.Registry
	directory *directory.Directory
	attacks   *attack.Orchestrator
	sim       *troop.Simulator
	resolver  *resolve.Resolver
	collector *poi.Collector

	notices chan base.Notice

	started atomic.Bool
	running atomic.Bool

	lastPrune time.Time

	mu     sync.RWMutex
	status Status
	troops []troop.View
}

// New builds the engine and its components. Nothing touches the store until
// Start.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Store == nil || deps.Dispatcher == nil {
		return nil, fmt.Errorf("game: store and dispatcher are required")
	}
	if deps.Profile.PlayerID == "" {
		return nil, fmt.Errorf("game: player id is required")
	}
	if deps.Rules == nil {
		deps.Rules = catalog.Default()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.ReadyPoll <= 0 {
		cfg.ReadyPoll = 500 * time.Millisecond
	}
	if cfg.Resolution == "" {
		cfg.Resolution = catalog.ModeFaithful
	}

	e := &Engine{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger.With("component", "game"),
		notices: make(chan base.Notice, noticeBuffer),
	}
	id := deps.Profile.PlayerID

	e.economy = economy.New(economy.Dependencies{
		Store:      deps.Store,
		Dispatcher: deps.Dispatcher,
		Logger:     deps.Logger,
		Rules:      deps.Rules,
		PlayerID:   id,
		Mode:       cfg.Resolution,
	})
	e.registry = base.New(base.Dependencies{
		Store:      deps.Store,
		Dispatcher: deps.Dispatcher,
		Wallet:     e.economy,
		Rules:      deps.Rules,
		Journal:    deps.Journal,
		Logger:     deps.Logger,
		PlayerID:   id,
		Username:   deps.Profile.Username,
	})
	e.directory = directory.New(directory.Dependencies{
		Store:      deps.Store,
		Dispatcher: deps.Dispatcher,
		Logger:     deps.Logger,
	})
	e.attacks = attack.New(attack.Dependencies{
		Store:      deps.Store,
		Dispatcher: deps.Dispatcher,
		Wallet:     e.economy,
		Home:       e.registry,
		Targets:    e.directory,
		Rules:      deps.Rules,
		Journal:    deps.Journal,
		Logger:     deps.Logger,
		PlayerID:   id,
	})
	e.sim = troop.NewSimulator(troop.Dependencies{
		Store:      deps.Store,
		Dispatcher: deps.Dispatcher,
		Rules:      deps.Rules,
		Journal:    deps.Journal,
		Logger:     deps.Logger,
		PlayerID:   id,
		Mode:       cfg.Resolution,
		Batch:      cfg.BatchInterval,
	})
	e.resolver = resolve.New(resolve.Dependencies{
		Store:    deps.Store,
		Rules:    deps.Rules,
		Journal:  deps.Journal,
		Logger:   deps.Logger,
		Mode:     cfg.Resolution,
		PlayerID: id,
		Now:      deps.Now,
	})
	e.collector = poi.NewCollector(poi.Dependencies{
		Wallet:   e.economy,
		Rules:    deps.Rules,
		Journal:  deps.Journal,
		Logger:   deps.Logger,
		PlayerID: id,
	}, deps.POIs)

	e.economy.OnChange(func(int64) { e.refresh() })
	e.registry.OnChange(func(base.State, base.Base) { e.refresh() })
	e.registry.OnNotice(e.raise)
	e.sim.OnArrival(e.onArrival)
	return e, nil
}

// Start waits for the store, loads the local player and subscribes every
// component. It runs on the caller's goroutine, which owns the loop until Run.
func (e *Engine) Start(ctx context.Context) error {
	if e.started.Load() {
		return nil
	}
	if err := e.waitReady(ctx); err != nil {
		return err
	}

	if err := e.economy.Load(ctx); err != nil {
		return fmt.Errorf("load economy: %w", err)
	}
	if err := e.economy.Subscribe(); err != nil {
		return fmt.Errorf("subscribe economy: %w", err)
	}
	if err := e.registry.Load(ctx); err != nil {
		return fmt.Errorf("load base: %w", err)
	}
	if err := e.directory.Subscribe(); err != nil {
		return fmt.Errorf("subscribe directory: %w", err)
	}
	if err := e.sim.Subscribe(); err != nil {
		return fmt.Errorf("subscribe troops: %w", err)
	}

	e.deps.Dispatcher.Drain()
	e.lastPrune = e.deps.Now()
	e.started.Store(true)
	e.refresh()
	e.log.Info("engine started",
		"player", e.deps.Profile.PlayerID,
		"resolution", string(e.cfg.Resolution),
		"bases", e.directory.Len(),
		"troops", e.sim.Len())
	return nil
}

func (e *Engine) waitReady(ctx context.Context) error {
	if e.deps.Store.Ready() {
		return nil
	}
	e.log.Info("waiting for store", "poll", e.cfg.ReadyPoll)
	ticker := time.NewTicker(e.cfg.ReadyPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if e.deps.Store.Ready() {
				return nil
			}
		}
	}
}

// Run owns the loop until ctx is done. Each tick drains pending work and
// advances the troops by the measured time since the previous tick.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("game: already running")
	}
	defer e.running.Store(false)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			e.deps.Dispatcher.Drain()
			return ctx.Err()
		case <-e.deps.Dispatcher.Wake():
			e.deps.Dispatcher.Drain()
			e.refresh()
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			e.Step(dt)
		}
	}
}

// Step runs one tick on the caller's goroutine.
func (e *Engine) Step(dt time.Duration) {
	d := e.deps.Dispatcher
	d.Drain()
	e.sim.Tick(dt)
	d.Drain()
	e.maybePrune()
	e.refresh()
}

func (e *Engine) maybePrune() {
	if e.cfg.Resolution != catalog.ModeGuarded || e.cfg.ClaimTTL <= 0 {
		return
	}
	now := e.deps.Now()
	if now.Sub(e.lastPrune) < e.cfg.ClaimTTL {
		return
	}
	e.lastPrune = now

	ttl := e.cfg.ClaimTTL
	var pruned int
	e.deps.Dispatcher.Go(func(ctx context.Context) error {
		n, err := e.resolver.PruneClaims(ctx, ttl)
		pruned = n
		return err
	}, func(err error) {
		if err != nil {
			e.log.Warn("failed to prune resolution claims", "error", err)
			return
		}
		if pruned > 0 {
			e.log.Debug("pruned resolution claims", "count", pruned)
		}
	})
}

func (e *Engine) onArrival(t *troop.Troop) {
	a := resolve.Arrival{
		TroopID:    t.ID,
		TargetID:   t.TargetID,
		AttackerID: t.AttackerID,
		Damage:     t.Damage,
	}
	var out resolve.Outcome
	e.deps.Dispatcher.Go(func(ctx context.Context) error {
		var err error
		out, err = e.resolver.Resolve(ctx, a)
		return err
	}, func(err error) {
		if err != nil {
			e.log.Warn("arrival not fully resolved", "troop", a.TroopID, "outcome", out.Kind.String(), "error", err)
		}
		if out.Kind == resolve.Lost {
			e.sim.Discard(a.TroopID)
		}
		e.log.Debug("arrival resolved", "troop", a.TroopID, "outcome", out.Kind.String(), "health", out.NewHealth)
	})
}

func (e *Engine) raise(n base.Notice) {
	select {
	case e.notices <- n:
	default:
		e.log.Warn("notice dropped", "message", n.Message)
	}
}

// Notices delivers restore and destruction notices for the local base.
func (e *Engine) Notices() <-chan base.Notice {
	return e.notices
}

// call runs fn on the loop. Before Run, or from the loop itself, the caller
// already owns the loop and fn runs inline.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	if !e.running.Load() {
		err := fn()
		e.refresh()
		return err
	}
	done := make(chan error, 1)
	e.deps.Dispatcher.Post(func() {
		err := fn()
		e.refresh()
		done <- err
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every write issued so far has completed.
func (e *Engine) Flush(ctx context.Context) error {
	if !e.running.Load() {
		err := e.deps.Dispatcher.Settle(ctx)
		e.refresh()
		return err
	}
	for {
		var inflight int64
		if err := e.call(ctx, func() error {
			inflight = e.deps.Dispatcher.InFlight()
			return nil
		}); err != nil {
			return err
		}
		if inflight == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Close releases every subscription. The dispatcher and store belong to the
// caller.
func (e *Engine) Close() {
	e.attacks.Close()
	e.sim.Close()
	e.directory.Close()
	e.registry.Close()
	e.economy.Close()
}

func (e *Engine) BeginPlacement(ctx context.Context) error {
	return e.call(ctx, e.registry.BeginPlacement)
}

func (e *Engine) CancelPlacement(ctx context.Context) error {
	return e.call(ctx, e.registry.CancelPlacement)
}

// PlaceBase writes a fresh base at coord.
func (e *Engine) PlaceBase(ctx context.Context, coord geo.Coordinate) error {
	return e.call(ctx, func() error { return e.registry.Place(coord) })
}

func (e *Engine) Upgrade(ctx context.Context) error {
	return e.call(ctx, e.registry.Upgrade)
}

// RemoveBase deletes the base and refunds part of its upgrades.
func (e *Engine) RemoveBase(ctx context.Context) error {
	return e.call(ctx, e.registry.Remove)
}

// Rename changes the username on the base and in the local profile.
func (e *Engine) Rename(ctx context.Context, name string) error {
	return e.call(ctx, func() error {
		if err := e.registry.Rename(name); err != nil {
			return err
		}
		if e.cfg.DataDir == "" {
			return nil
		}
		p, err := identity.SaveUsername(e.cfg.DataDir, e.registry.Username())
		if err != nil {
			return fmt.Errorf("save profile: %w", err)
		}
		e.deps.Profile = p
		return nil
	})
}

// LaunchAttack sends count troops of class at targetID.
func (e *Engine) LaunchAttack(ctx context.Context, targetID string, count int, class string) (attack.Attack, error) {
	var a attack.Attack
	err := e.call(ctx, func() error {
		var err error
		a, err = e.attacks.Launch(targetID, count, class)
		return err
	})
	return a, err
}

func (e *Engine) Estimate(ctx context.Context, targetID, class string) (attack.Estimate, error) {
	var est attack.Estimate
	err := e.call(ctx, func() error {
		var err error
		est, err = e.attacks.Estimate(targetID, class)
		return err
	})
	return est, err
}

// Affordable returns how many troops of class the balance pays for.
func (e *Engine) Affordable(ctx context.Context, class string) (int64, error) {
	var n int64
	err := e.call(ctx, func() error {
		var err error
		n, err = e.attacks.Affordable(class)
		return err
	})
	return n, err
}

// PendingSpawns returns how many troops of launched attacks are still
// scheduled.
func (e *Engine) PendingSpawns(ctx context.Context) (int, error) {
	var n int
	err := e.call(ctx, func() error {
		n = e.attacks.Pending()
		return nil
	})
	return n, err
}

// UpdateLocation reports the player's position and returns the points of
// interest collected there.
func (e *Engine) UpdateLocation(ctx context.Context, pos geo.Coordinate) ([]poi.POI, error) {
	if !pos.Valid() {
		return nil, fmt.Errorf("%v: %w", pos, geo.ErrInvalidCoordinates)
	}
	var got []poi.POI
	err := e.call(ctx, func() error {
		got = e.collector.Visit(pos)
		return nil
	})
	return got, err
}

// Score returns the displayed balance.
func (e *Engine) Score() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status.Score
}

// Base returns the displayed local base.
func (e *Engine) Base() (base.Base, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.status.Base == nil {
		return base.Base{}, false
	}
	return e.status.Base.Base(), true
}

// Lookup returns another player's base.
func (e *Engine) Lookup(id string) (directory.Entry, bool) {
	return e.directory.Get(id)
}

// Bases lists every known base sorted by player id.
func (e *Engine) Bases() []directory.Entry {
	return e.directory.All()
}

// Troops lists the troops in flight as of the last tick.
func (e *Engine) Troops() []troop.View {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]troop.View, len(e.troops))
	copy(out, e.troops)
	return out
}
