// Package journal records game events for audit and replay.
package journal

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Kind names an event type.
type Kind string

const (
	KindBasePlaced     Kind = "base_placed"
	KindBaseUpgraded   Kind = "base_upgraded"
	KindBaseRemoved    Kind = "base_removed"
	KindBaseRenamed    Kind = "base_renamed"
	KindAttackLaunched Kind = "attack_launched"
	KindTroopSpawned   Kind = "troop_spawned"
	KindTroopArrived   Kind = "troop_arrived"
	KindDamageApplied  Kind = "damage_applied"
	KindBaseDestroyed  Kind = "base_destroyed"
	KindPointsAwarded  Kind = "points_awarded"
	KindPOICollected   Kind = "poi_collected"
	KindStatus         Kind = "status"
)

// Entry is one journaled event.
type Entry struct {
	Time     time.Time      `json:"time"`
	Kind     Kind           `json:"kind"`
	PlayerID string         `json:"playerId,omitempty"`
	TargetID string         `json:"targetId,omitempty"`
	TroopID  string         `json:"troopId,omitempty"`
	Class    string         `json:"class,omitempty"`
	Amount   int64          `json:"amount,omitempty"`
	Lat      float64        `json:"lat,omitempty"`
	Lon      float64        `json:"lon,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// Sink is the interface all journal backends must satisfy
type Sink interface {
	// Lifecycle
	Init() error
	Close() error

	Record(e Entry) error
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Init() error        { return nil }
func (Nop) Close() error       { return nil }
func (Nop) Record(Entry) error { return nil }

// Multi fans entries out to several sinks. A failing sink does not stop the
// others.
type Multi []Sink

func (m Multi) Init() error {
	var errs []error
	for _, s := range m {
		if err := s.Init(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Record(e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Journal stamps entries and hands them to a sink. Record failures are logged
// and never returned. A nil *Journal drops everything.
type Journal struct {
	sink Sink
	log  *slog.Logger
	now  func() time.Time

	mu       sync.Mutex
	failures int
}

// New wraps sink. now defaults to time.Now.
func New(sink Sink, log *slog.Logger, now func() time.Time) *Journal {
	if sink == nil {
		sink = Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Journal{sink: sink, log: log.With("component", "journal"), now: now}
}

// Record stamps e with the current time unless it already has one.
func (j *Journal) Record(e Entry) {
	if j == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = j.now().UTC()
	}
	if err := j.sink.Record(e); err != nil {
		j.mu.Lock()
		j.failures++
		j.mu.Unlock()
		j.log.Warn("failed to record journal entry", "kind", e.Kind, "error", err)
	}
}

// Failures returns how many entries could not be recorded.
func (j *Journal) Failures() int {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failures
}

// Sink returns the wrapped sink.
func (j *Journal) Sink() Sink {
	if j == nil {
		return Nop{}
	}
	return j.sink
}
