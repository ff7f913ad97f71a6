package troop

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/OCAP2/basewars/internal/catalog"
	"github.com/OCAP2/basewars/internal/dispatcher"
	"github.com/OCAP2/basewars/internal/journal"
	"github.com/OCAP2/basewars/internal/store"
)

type Dependencies struct {
	Store      store.Store
	Dispatcher *dispatcher.Dispatcher
	Rules      *catalog.Catalog
	Journal    *journal.Journal
	Logger     *slog.Logger
	PlayerID   string
	Mode       catalog.Mode
	// Batch is the reduced update interval. Zero moves troops every tick.
	Batch time.Duration
}

// Simulator keeps one local troop per observed record and steps them on the
// dispatcher loop.
type Simulator struct {
	deps Dependencies
	log  *slog.Logger

	troops map[string]*Troop
	// ids that arrived, were discarded or are unusable; kept until their
	// record disappears so they are never spawned again
	done map[string]bool

	reg       *dispatcher.Registration
	onArrival func(*Troop)
}

func NewSimulator(deps Dependencies) *Simulator {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Simulator{
		deps:   deps,
		log:    log.With("component", "troop"),
		troops: make(map[string]*Troop),
		done:   make(map[string]bool),
	}
}

// OnArrival sets the hook invoked once for every troop that reaches its target.
func (s *Simulator) OnArrival(fn func(*Troop)) { s.onArrival = fn }

// Subscribe follows the troops subtree.
func (s *Simulator) Subscribe() error {
	if s.reg != nil {
		return nil
	}
	reg, err := s.deps.Dispatcher.Register(s.deps.Store, store.TroopsRoot, s.onTroops, dispatcher.Coalesced())
	if err != nil {
		return err
	}
	s.reg = reg
	return nil
}

func (s *Simulator) Close() {
	if s.reg != nil {
		s.reg.Close()
		s.reg = nil
	}
}

func (s *Simulator) onTroops(ev store.Event) error {
	if rel, ok := store.Rel(ev.Path, ev.Origin); ok && rel != "" {
		id := store.Split(rel)[0]
		s.observe(id, ev.Node.Child(id))
		return nil
	}

	seen := make(map[string]bool)
	for _, c := range ev.Node.Children() {
		seen[c.Key] = true
		s.observe(c.Key, c.Node)
	}
	for id := range s.troops {
		if !seen[id] {
			s.dispose(id)
		}
	}
	for id := range s.done {
		if !seen[id] {
			delete(s.done, id)
		}
	}
	return nil
}

func (s *Simulator) observe(id string, n store.Node) {
	if !n.Exists() {
		s.dispose(id)
		delete(s.done, id)
		return
	}
	if s.done[id] {
		return
	}
	if _, ok := s.troops[id]; ok {
		// the local instance owns its position once spawned
		return
	}

	t, ok, err := FromNode(id, n, s.deps.Rules)
	if err != nil {
		s.log.Warn("ignoring malformed troop", "troop", id, "error", err)
		s.done[id] = true
		return
	}
	if !ok {
		return
	}
	t.SetBatch(s.deps.Batch)
	s.troops[id] = t
	s.log.Debug("troop observed", "troop", id, "class", t.Class.Name, "target", t.TargetID)
}

func (s *Simulator) dispose(id string) {
	if _, ok := s.troops[id]; ok {
		delete(s.troops, id)
		s.log.Debug("troop disposed", "troop", id)
	}
}

// Discard drops a local troop without resolving it.
func (s *Simulator) Discard(id string) {
	s.dispose(id)
	s.done[id] = true
}

// Tick steps every troop by dt in id order, persists positions and hands
// arrivals to the arrival hook.
func (s *Simulator) Tick(dt time.Duration) {
	ids := make([]string, 0, len(s.troops))
	for id := range s.troops {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		t := s.troops[id]
		before := t.Current
		if t.Step(dt) {
			delete(s.troops, id)
			s.done[id] = true
			s.deps.Journal.Record(journal.Entry{
				Kind:     journal.KindTroopArrived,
				PlayerID: t.AttackerID,
				TargetID: t.TargetID,
				TroopID:  id,
				Class:    t.Class.Name,
				Lat:      t.Current.Lat,
				Lon:      t.Current.Lon,
			})
			if s.onArrival != nil {
				s.onArrival(t)
			}
			continue
		}
		if t.Current != before && s.owns(t) {
			s.persist(t)
		}
	}
}

func (s *Simulator) owns(t *Troop) bool {
	if s.deps.Mode == catalog.ModeGuarded {
		return t.AttackerID == s.deps.PlayerID
	}
	return true
}

func (s *Simulator) persist(t *Troop) {
	path := store.TroopPath(t.ID)
	fields := map[string]any{
		store.FieldCurrentLat: t.Current.Lat,
		store.FieldCurrentLon: t.Current.Lon,
	}
	s.deps.Dispatcher.Go(func(ctx context.Context) error {
		return s.deps.Store.Update(ctx, path, fields)
	}, func(err error) {
		if err != nil {
			s.log.Warn("failed to persist troop position", "troop", t.ID, "error", err)
		}
	})
}

// Troops returns views of every traveling troop sorted by id.
func (s *Simulator) Troops() []View {
	out := make([]View, 0, len(s.troops))
	for _, t := range s.troops {
		out = append(out, t.View())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Simulator) Len() int { return len(s.troops) }
