// Package troop moves troops toward their target in real time.
package troop

import (
	"fmt"
	"time"

	"github.com/OCAP2/basewars/internal/catalog"
	"github.com/OCAP2/basewars/internal/geo"
	"github.com/OCAP2/basewars/internal/store"
)

type State int

const (
	Traveling State = iota
	Arrived
)

func (s State) String() string {
	if s == Arrived {
		return "arrived"
	}
	return "traveling"
}

// Troop is the local instance of a troop record.
type Troop struct {
	ID               string
	AttackerID       string
	AttackerUsername string
	TargetID         string
	TargetUsername   string
	Class            catalog.Class
	Damage           int64
	Start            geo.Coordinate
	End              geo.Coordinate
	Current          geo.Coordinate

	state   State
	epsilon float64
	batch   time.Duration
	acc     time.Duration
}

// View is a read-only snapshot for display.
type View struct {
	ID            string
	Class         string
	AttackerID    string
	TargetID      string
	Current       geo.Coordinate
	End           geo.Coordinate
	Remaining     float64
	RemainingTime time.Duration
}

// FromNode builds a troop from its record. ok is false for records without a
// troop type or current position. Unknown classes fall back to the default.
func FromNode(id string, n store.Node, rules *catalog.Catalog) (t *Troop, ok bool, err error) {
	if !n.Exists() {
		return nil, false, nil
	}
	typeNode := n.Child(store.FieldTroopType)
	curLat, curLon := n.Child(store.FieldCurrentLat), n.Child(store.FieldCurrentLon)
	if !typeNode.Exists() || !curLat.Exists() || !curLon.Exists() {
		return nil, false, nil
	}

	className, err := typeNode.String()
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", store.FieldTroopType, err)
	}
	class, known := rules.Class(className)
	if !known {
		class = rules.Default()
	}

	t = &Troop{ID: id, Class: class, epsilon: rules.ArrivalEpsilonMeters}
	coords := []struct {
		field string
		dst   *float64
	}{
		{store.FieldCurrentLat, &t.Current.Lat},
		{store.FieldCurrentLon, &t.Current.Lon},
		{store.FieldEndLat, &t.End.Lat},
		{store.FieldEndLon, &t.End.Lon},
	}
	for _, c := range coords {
		if *c.dst, err = n.Child(c.field).Float(); err != nil {
			return nil, false, fmt.Errorf("%s: %w", c.field, err)
		}
	}
	if t.Start.Lat, err = n.Child(store.FieldStartLat).FloatOr(t.Current.Lat); err != nil {
		return nil, false, fmt.Errorf("%s: %w", store.FieldStartLat, err)
	}
	if t.Start.Lon, err = n.Child(store.FieldStartLon).FloatOr(t.Current.Lon); err != nil {
		return nil, false, fmt.Errorf("%s: %w", store.FieldStartLon, err)
	}
	if !t.Current.Valid() || !t.End.Valid() {
		return nil, false, geo.ErrInvalidCoordinates
	}
	if t.Damage, err = n.Child(store.FieldDamage).IntOr(class.Damage); err != nil {
		return nil, false, fmt.Errorf("%s: %w", store.FieldDamage, err)
	}

	strs := []struct {
		field string
		dst   *string
	}{
		{store.FieldAttackerID, &t.AttackerID},
		{store.FieldAttackerUsername, &t.AttackerUsername},
		{store.FieldTargetBaseOwnerID, &t.TargetID},
		{store.FieldTargetUsername, &t.TargetUsername},
	}
	for _, s := range strs {
		if *s.dst, err = n.Child(s.field).StringOr(""); err != nil {
			return nil, false, fmt.Errorf("%s: %w", s.field, err)
		}
	}
	return t, true, nil
}

// SetBatch makes the troop move only once every interval of accumulated time.
func (t *Troop) SetBatch(interval time.Duration) {
	t.batch = interval
}

func (t *Troop) State() State { return t.state }

// Remaining returns the great-circle distance left to the target.
func (t *Troop) Remaining() float64 {
	return geo.DistanceMeters(t.Current, t.End)
}

// RemainingTime returns the time left at the class speed.
func (t *Troop) RemainingTime() time.Duration {
	return t.Class.TravelTime(t.Remaining())
}

// Step advances the troop by dt. It returns true exactly once, on the step
// that brings the troop within the arrival distance.
func (t *Troop) Step(dt time.Duration) bool {
	if t.state == Arrived {
		return false
	}
	if t.arrive() {
		return true
	}
	if t.batch > 0 {
		t.acc += dt
		if t.acc < t.batch {
			return false
		}
		dt, t.acc = t.acc, 0
	}
	if dt <= 0 {
		return false
	}
	t.Current = geo.StepToward(t.Current, t.End, t.Class.Speed*dt.Seconds())
	return t.arrive()
}

func (t *Troop) arrive() bool {
	if r := t.Remaining(); r < t.epsilon || r == 0 {
		t.state = Arrived
		return true
	}
	return false
}

func (t *Troop) View() View {
	return View{
		ID:            t.ID,
		Class:         t.Class.Name,
		AttackerID:    t.AttackerID,
		TargetID:      t.TargetID,
		Current:       t.Current,
		End:           t.End,
		Remaining:     t.Remaining(),
		RemainingTime: t.RemainingTime(),
	}
}
