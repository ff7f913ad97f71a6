// Package directory keeps an index of every player's base, updated
// incrementally from the users subtree.
package directory

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/OCAP2/basewars/internal/base"
	"github.com/OCAP2/basewars/internal/dispatcher"
	"github.com/OCAP2/basewars/internal/geo"
	"github.com/OCAP2/basewars/internal/store"
)

// Entry is one player's base as seen by every client.
type Entry struct {
	PlayerID string
	Base     base.Base
}

type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Updated
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Change describes one index mutation. Removed changes carry the last entry.
type Change struct {
	Kind  ChangeKind
	Entry Entry
}

type Dependencies struct {
	Store      store.Store
	Dispatcher *dispatcher.Dispatcher
	Logger     *slog.Logger
}

// Directory is updated on the dispatcher loop and may be read from any goroutine.
type Directory struct {
	deps Dependencies
	log  *slog.Logger

	mu      sync.RWMutex
	entries map[string]base.Base

	skipped int

	reg      *dispatcher.Registration
	onChange func(Change)
}

func New(deps Dependencies) *Directory {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Directory{
		deps:    deps,
		log:     log.With("component", "directory"),
		entries: make(map[string]base.Base),
	}
}

// OnChange sets the hook invoked on the loop for every added, updated or
// removed entry.
func (d *Directory) OnChange(fn func(Change)) { d.onChange = fn }

// Subscribe follows the users subtree.
func (d *Directory) Subscribe() error {
	if d.reg != nil {
		return nil
	}
	reg, err := d.deps.Dispatcher.Register(d.deps.Store, store.UsersRoot, d.onUsers, dispatcher.Coalesced())
	if err != nil {
		return err
	}
	d.reg = reg
	return nil
}

func (d *Directory) Close() {
	if d.reg != nil {
		d.reg.Close()
		d.reg = nil
	}
}

func (d *Directory) onUsers(ev store.Event) error {
	if rel, ok := store.Rel(ev.Path, ev.Origin); ok && rel != "" {
		id := store.Split(rel)[0]
		d.apply(id, ev.Node.Child(id))
		return nil
	}

	seen := make(map[string]bool)
	for _, c := range ev.Node.Children() {
		seen[c.Key] = true
		d.apply(c.Key, c.Node)
	}
	d.mu.RLock()
	var gone []string
	for id := range d.entries {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	d.mu.RUnlock()
	sort.Strings(gone)
	for _, id := range gone {
		d.remove(id)
	}
	return nil
}

func (d *Directory) apply(id string, user store.Node) {
	b, ok, err := base.FromNode(user.Child(store.FieldBase))
	if err != nil {
		d.mu.Lock()
		d.skipped++
		d.mu.Unlock()
		d.log.Warn("skipping malformed base", "player", id, "error", err)
		return
	}
	if !ok {
		d.remove(id)
		return
	}

	d.mu.Lock()
	prev, existed := d.entries[id]
	if existed && prev == b {
		d.mu.Unlock()
		return
	}
	d.entries[id] = b
	d.mu.Unlock()

	kind := Added
	if existed {
		kind = Updated
	}
	d.emit(Change{Kind: kind, Entry: Entry{PlayerID: id, Base: b}})
}

func (d *Directory) remove(id string) {
	d.mu.Lock()
	prev, existed := d.entries[id]
	delete(d.entries, id)
	d.mu.Unlock()
	if existed {
		d.emit(Change{Kind: Removed, Entry: Entry{PlayerID: id, Base: prev}})
	}
}

func (d *Directory) emit(c Change) {
	if d.onChange != nil {
		d.onChange(c)
	}
}

// Get returns the entry of a player.
func (d *Directory) Get(id string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.entries[id]
	if !ok {
		return Entry{}, false
	}
	return Entry{PlayerID: id, Base: b}, true
}

func (d *Directory) Coordinates(id string) (geo.Coordinate, bool) {
	e, ok := d.Get(id)
	return e.Base.Coord, ok
}

func (d *Directory) Username(id string) (string, bool) {
	e, ok := d.Get(id)
	return e.Base.Username, ok
}

// All returns every entry sorted by player id.
func (d *Directory) All() []Entry {
	d.mu.RLock()
	out := make([]Entry, 0, len(d.entries))
	for id, b := range d.entries {
		out = append(out, Entry{PlayerID: id, Base: b})
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Skipped returns how many malformed records were ignored.
func (d *Directory) Skipped() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.skipped
}
