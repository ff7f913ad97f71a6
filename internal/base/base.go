// Package base manages the local player's base and parses base records.
package base

import (
	"fmt"

	"github.com/OCAP2/basewars/internal/geo"
	"github.com/OCAP2/basewars/internal/store"
)

// Defaults for records written by older clients.
const (
	DefaultHealth   = 100
	DefaultLevel    = 1
	UnknownUsername = "Unknown"
)

// Base is a base record.
type Base struct {
	Coord    geo.Coordinate
	Health   int64
	Level    int64
	Username string
	Notify   bool
}

// Fields returns the record as written under users/{id}/base.
func (b Base) Fields() map[string]any {
	return map[string]any{
		store.FieldLatitude:            b.Coord.Lat,
		store.FieldLongitude:           b.Coord.Lon,
		store.FieldHealth:              b.Health,
		store.FieldLevel:               b.Level,
		store.FieldUsername:            b.Username,
		store.FieldDestroyedBaseNotify: b.Notify,
	}
}

// FromNode parses a base record. ok is false when the record is absent or
// lacks coordinates.
func FromNode(n store.Node) (b Base, ok bool, err error) {
	if !n.Exists() {
		return Base{}, false, nil
	}
	latNode, lonNode := n.Child(store.FieldLatitude), n.Child(store.FieldLongitude)
	if !latNode.Exists() || !lonNode.Exists() {
		return Base{}, false, nil
	}
	if b.Coord.Lat, err = latNode.Float(); err != nil {
		return Base{}, false, fmt.Errorf("%s: %w", store.FieldLatitude, err)
	}
	if b.Coord.Lon, err = lonNode.Float(); err != nil {
		return Base{}, false, fmt.Errorf("%s: %w", store.FieldLongitude, err)
	}
	if !b.Coord.Valid() {
		return Base{}, false, fmt.Errorf("%v: %w", b.Coord, geo.ErrInvalidCoordinates)
	}
	if b.Health, err = n.Child(store.FieldHealth).IntOr(DefaultHealth); err != nil {
		return Base{}, false, fmt.Errorf("%s: %w", store.FieldHealth, err)
	}
	if b.Level, err = n.Child(store.FieldLevel).IntOr(DefaultLevel); err != nil {
		return Base{}, false, fmt.Errorf("%s: %w", store.FieldLevel, err)
	}
	if b.Username, err = n.Child(store.FieldUsername).StringOr(UnknownUsername); err != nil {
		return Base{}, false, fmt.Errorf("%s: %w", store.FieldUsername, err)
	}
	if b.Notify, err = n.Child(store.FieldDestroyedBaseNotify).BoolOr(false); err != nil {
		return Base{}, false, fmt.Errorf("%s: %w", store.FieldDestroyedBaseNotify, err)
	}
	return b, true, nil
}
