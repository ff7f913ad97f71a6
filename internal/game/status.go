package game

import (
	"time"

	"github.com/OCAP2/basewars/internal/base"
	"github.com/OCAP2/basewars/internal/geo"
)

// BaseStatus is the local base as shown to the player.
type BaseStatus struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Health   int64   `json:"health"`
	Level    int64   `json:"level"`
	Username string  `json:"username"`
}

func (b BaseStatus) Base() base.Base {
	return base.Base{
		Coord:    geo.Coordinate{Lat: b.Lat, Lon: b.Lon},
		Health:   b.Health,
		Level:    b.Level,
		Username: b.Username,
	}
}

// Status is a point-in-time summary of the local client.
type Status struct {
	Time            time.Time   `json:"time"`
	PlayerID        string      `json:"playerId"`
	Username        string      `json:"username"`
	State           string      `json:"state"`
	Resolution      string      `json:"resolution"`
	Score           int64       `json:"score"`
	Base            *BaseStatus `json:"base,omitempty"`
	Troops          int         `json:"troops"`
	Bases           int         `json:"bases"`
	SkippedBases    int         `json:"skippedBases"`
	PendingWrites   int64       `json:"pendingWrites"`
	POIsCollected   int         `json:"poisCollected"`
	JournalFailures int         `json:"journalFailures"`
	StoreReady      bool        `json:"storeReady"`
}

// Status returns the summary as of the last loop iteration.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.status
	if s.Base != nil {
		b := *s.Base
		s.Base = &b
	}
	return s
}

// refresh rebuilds the cached status. Loop only.
func (e *Engine) refresh() {
	s := Status{
		Time:            e.deps.Now().UTC(),
		PlayerID:        e.deps.Profile.PlayerID,
		Username:        e.registry.Username(),
		State:           e.registry.State().String(),
		Resolution:      string(e.cfg.Resolution),
		Score:           e.economy.Balance(),
		Troops:          e.sim.Len(),
		Bases:           e.directory.Len(),
		SkippedBases:    e.directory.Skipped(),
		PendingWrites:   e.deps.Dispatcher.InFlight(),
		POIsCollected:   e.collector.Collected(),
		JournalFailures: e.deps.Journal.Failures(),
		StoreReady:      e.deps.Store.Ready(),
	}
	if b, ok := e.registry.Snapshot(); ok {
		s.Base = &BaseStatus{
			Lat:      b.Coord.Lat,
			Lon:      b.Coord.Lon,
			Health:   b.Health,
			Level:    b.Level,
			Username: b.Username,
		}
	}
	troops := e.sim.Troops()

	e.mu.Lock()
	e.status = s
	e.troops = troops
	e.mu.Unlock()
}
