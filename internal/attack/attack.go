// Package attack launches troops from the local base at another player's base.
package attack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/OCAP2/basewars/internal/base"
	"github.com/OCAP2/basewars/internal/catalog"
	"github.com/OCAP2/basewars/internal/directory"
	"github.com/OCAP2/basewars/internal/dispatcher"
	"github.com/OCAP2/basewars/internal/economy"
	"github.com/OCAP2/basewars/internal/geo"
	"github.com/OCAP2/basewars/internal/journal"
	"github.com/OCAP2/basewars/internal/store"
	"github.com/google/uuid"
)

var (
	ErrNoBase        = errors.New("no base to launch from")
	ErrUnknownTarget = errors.New("unknown target")
	ErrSelfTarget    = errors.New("cannot attack own base")
	ErrInvalidCount  = errors.New("troop count must be positive")
	ErrUnknownClass  = errors.New("unknown troop class")
)

// Wallet is the part of the economy attacks are paid from.
type Wallet interface {
	Balance() int64
	Spend(cost int64) error
	AddPoints(delta int64)
}

// Home is the local player's base.
type Home interface {
	Snapshot() (base.Base, bool)
	Username() string
}

// Targets resolves other players' bases.
type Targets interface {
	Get(id string) (directory.Entry, bool)
}

type Dependencies struct {
	Store      store.Store
	Dispatcher *dispatcher.Dispatcher
	Wallet     Wallet
	Home       Home
	Targets    Targets
	Rules      *catalog.Catalog
	Journal    *journal.Journal
	Logger     *slog.Logger
	PlayerID   string
	// NewID generates troop ids. Defaults to random UUIDs.
	NewID func() string
}

// Attack summarizes a launch.
type Attack struct {
	TargetID   string
	Class      string
	Count      int
	TotalCost  int64
	Distance   float64
	TravelTime time.Duration
}

type Estimate struct {
	Distance   float64
	TravelTime time.Duration
}

// Orchestrator runs on the dispatcher loop.
type Orchestrator struct {
	deps    Dependencies
	log     *slog.Logger
	pending map[uint64]func()
	nextID  uint64
}

func New(deps Dependencies) *Orchestrator {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	return &Orchestrator{
		deps:    deps,
		log:     log.With("component", "attack"),
		pending: make(map[uint64]func()),
	}
}

type route struct {
	from   base.Base
	target directory.Entry
}

func (o *Orchestrator) route(targetID string) (route, error) {
	home, ok := o.deps.Home.Snapshot()
	if !ok {
		return route{}, ErrNoBase
	}
	target, ok := o.deps.Targets.Get(targetID)
	if !ok {
		return route{}, fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
	}
	if targetID == o.deps.PlayerID {
		return route{}, ErrSelfTarget
	}
	return route{from: home, target: target}, nil
}

func (o *Orchestrator) class(name string) (catalog.Class, error) {
	class, ok := o.deps.Rules.Class(name)
	if !ok {
		return catalog.Class{}, fmt.Errorf("%w: %s", ErrUnknownClass, name)
	}
	return class, nil
}

// Launch pays for count troops of className and spawns them one per spawn
// interval, the first immediately.
func (o *Orchestrator) Launch(targetID string, count int, className string) (Attack, error) {
	r, err := o.route(targetID)
	if err != nil {
		return Attack{}, err
	}
	if count <= 0 {
		return Attack{}, ErrInvalidCount
	}
	class, err := o.class(className)
	if err != nil {
		return Attack{}, err
	}
	// bound count by what the balance covers so the total cannot overflow
	if balance := o.deps.Wallet.Balance(); int64(count) > balance/class.Cost {
		return Attack{}, fmt.Errorf("%w: %d %s cost %d each, have %d",
			economy.ErrInsufficientScore, count, class.Name, class.Cost, balance)
	}
	total := int64(count) * class.Cost
	if err := o.deps.Wallet.Spend(total); err != nil {
		return Attack{}, err
	}

	distance := geo.DistanceMeters(r.from.Coord, r.target.Base.Coord)
	a := Attack{
		TargetID:   targetID,
		Class:      class.Name,
		Count:      count,
		TotalCost:  total,
		Distance:   distance,
		TravelTime: class.TravelTime(distance),
	}
	o.log.Info("attack launched", "target", targetID, "class", a.Class, "count", count, "cost", total)
	o.deps.Journal.Record(journal.Entry{
		Kind:     journal.KindAttackLaunched,
		PlayerID: o.deps.PlayerID,
		TargetID: targetID,
		Class:    a.Class,
		Amount:   total,
		Details:  map[string]any{"count": count},
	})

	username := o.deps.Home.Username()
	o.spawn(r, class, username)
	for i := 1; i < count; i++ {
		o.nextID++
		id := o.nextID
		o.pending[id] = o.deps.Dispatcher.After(time.Duration(i)*o.deps.Rules.SpawnInterval, func() {
			delete(o.pending, id)
			o.spawn(r, class, username)
		})
	}
	return a, nil
}

func (o *Orchestrator) spawn(r route, class catalog.Class, username string) {
	troopID := o.deps.NewID()
	distance := geo.DistanceMeters(r.from.Coord, r.target.Base.Coord)
	record := map[string]any{
		store.FieldAttackerID:        o.deps.PlayerID,
		store.FieldAttackerUsername:  username,
		store.FieldTargetBaseOwnerID: r.target.PlayerID,
		store.FieldTargetUsername:    r.target.Base.Username,
		store.FieldTroopType:         class.Name,
		store.FieldDamage:            class.Damage,
		store.FieldStartLat:          r.from.Coord.Lat,
		store.FieldStartLon:          r.from.Coord.Lon,
		store.FieldEndLat:            r.target.Base.Coord.Lat,
		store.FieldEndLon:            r.target.Base.Coord.Lon,
		store.FieldCurrentLat:        r.from.Coord.Lat,
		store.FieldCurrentLon:        r.from.Coord.Lon,
		store.FieldTravelTimeSec:     class.TravelTime(distance).Seconds(),
	}

	path := store.TroopPath(troopID)
	o.deps.Dispatcher.Go(func(ctx context.Context) error {
		return o.deps.Store.Set(ctx, path, record)
	}, func(err error) {
		if err != nil {
			// the troop never existed, give its share back
			o.deps.Wallet.AddPoints(class.Cost)
			o.log.Error("failed to spawn troop", "troop", troopID, "error", err)
			return
		}
		o.log.Debug("troop spawned", "troop", troopID, "target", r.target.PlayerID)
		o.deps.Journal.Record(journal.Entry{
			Kind:     journal.KindTroopSpawned,
			PlayerID: o.deps.PlayerID,
			TargetID: r.target.PlayerID,
			TroopID:  troopID,
			Class:    class.Name,
			Lat:      r.from.Coord.Lat,
			Lon:      r.from.Coord.Lon,
		})
	})
}

// Estimate returns the distance to a target and how long a troop of
// className takes to reach it.
func (o *Orchestrator) Estimate(targetID, className string) (Estimate, error) {
	r, err := o.route(targetID)
	if err != nil {
		return Estimate{}, err
	}
	class, err := o.class(className)
	if err != nil {
		return Estimate{}, err
	}
	distance := geo.DistanceMeters(r.from.Coord, r.target.Base.Coord)
	return Estimate{Distance: distance, TravelTime: class.TravelTime(distance)}, nil
}

// Affordable returns how many troops of className the visible balance pays for.
func (o *Orchestrator) Affordable(className string) (int64, error) {
	class, err := o.class(className)
	if err != nil {
		return 0, err
	}
	balance := o.deps.Wallet.Balance()
	if balance <= 0 {
		return 0, nil
	}
	return balance / class.Cost, nil
}

// Pending returns the number of troops scheduled but not yet spawned.
func (o *Orchestrator) Pending() int {
	return len(o.pending)
}

// Close cancels scheduled spawns.
func (o *Orchestrator) Close() {
	for id, cancel := range o.pending {
		cancel()
		delete(o.pending, id)
	}
}

var (
	_ Wallet  = (*economy.Economy)(nil)
	_ Home    = (*base.Registry)(nil)
	_ Targets = (*directory.Directory)(nil)
)
