package monitor

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/OCAP2/basewars/internal/directory"
	"github.com/OCAP2/basewars/internal/geo"
	"github.com/OCAP2/basewars/internal/troop"
)

// trackSegments is the resolution of the remaining path served per troop.
const trackSegments = 16

// BaseView is one directory entry as served over HTTP. X and Y are Web
// Mercator.
type BaseView struct {
	PlayerID string  `json:"playerId"`
	Username string  `json:"username"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Health   int64   `json:"health"`
	Level    int64   `json:"level"`
}

// TroopView is one troop in flight as served over HTTP.
type TroopView struct {
	ID               string   `json:"id"`
	Class            string   `json:"class"`
	AttackerID       string   `json:"attackerId"`
	TargetID         string   `json:"targetId"`
	Lat              float64  `json:"lat"`
	Lon              float64  `json:"lon"`
	RemainingMeters  float64  `json:"remainingMeters"`
	RemainingSeconds float64  `json:"remainingSeconds"`
	Path             geo.Path `json:"path,omitempty"`
}

func baseView(e directory.Entry) BaseView {
	v := BaseView{
		PlayerID: e.PlayerID,
		Username: e.Base.Username,
		Lat:      e.Base.Coord.Lat,
		Lon:      e.Base.Coord.Lon,
		Health:   e.Base.Health,
		Level:    e.Base.Level,
	}
	if p, err := geo.Project(e.Base.Coord); err == nil {
		if xy, ok := p.XY(); ok {
			v.X, v.Y = xy.X, xy.Y
		}
	}
	return v
}

func troopView(v troop.View) TroopView {
	tv := TroopView{
		ID:               v.ID,
		Class:            v.Class,
		AttackerID:       v.AttackerID,
		TargetID:         v.TargetID,
		Lat:              v.Current.Lat,
		Lon:              v.Current.Lon,
		RemainingMeters:  v.Remaining,
		RemainingSeconds: v.RemainingTime.Seconds(),
	}
	if ls, err := geo.Track(v.Current, v.End, trackSegments); err == nil {
		tv.Path = geo.PathOf(ls)
	}
	return tv
}

// Handler returns the read-only HTTP surface.
func (s *Service) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/bases", s.handleBases).Methods(http.MethodGet)
	r.HandleFunc("/bases/{id}", s.handleBase).Methods(http.MethodGet)
	r.HandleFunc("/troops", s.handleTroops).Methods(http.MethodGet)
	return r
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Source.Status())
}

func (s *Service) handleBases(w http.ResponseWriter, _ *http.Request) {
	entries := s.deps.Source.Bases()
	out := make([]BaseView, 0, len(entries))
	for _, e := range entries {
		out = append(out, baseView(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleBase(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	e, ok := s.deps.Source.Lookup(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "base not found"})
		return
	}
	writeJSON(w, http.StatusOK, baseView(e))
}

func (s *Service) handleTroops(w http.ResponseWriter, _ *http.Request) {
	views := s.deps.Source.Troops()
	out := make([]TroopView, 0, len(views))
	for _, v := range views {
		out = append(out, troopView(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
