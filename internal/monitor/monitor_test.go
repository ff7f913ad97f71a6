package monitor

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/basewars/internal/base"
	"github.com/OCAP2/basewars/internal/directory"
	"github.com/OCAP2/basewars/internal/game"
	"github.com/OCAP2/basewars/internal/geo"
	"github.com/OCAP2/basewars/internal/journal"
	jmemory "github.com/OCAP2/basewars/internal/journal/memory"
	"github.com/OCAP2/basewars/internal/troop"
)

type fakeSource struct {
	mu     sync.Mutex
	status game.Status
	bases  []directory.Entry
	troops []troop.View
}

func (f *fakeSource) Bases() []directory.Entry { return f.bases }
func (f *fakeSource) Troops() []troop.View     { return f.troops }

func (f *fakeSource) Status() game.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSource) setScore(v int64) {
	f.mu.Lock()
	f.status.Score = v
	f.mu.Unlock()
}

func (f *fakeSource) Lookup(id string) (directory.Entry, bool) {
	for _, e := range f.bases {
		if e.PlayerID == id {
			return e, true
		}
	}
	return directory.Entry{}, false
}

func newSource() *fakeSource {
	return &fakeSource{
		status: game.Status{PlayerID: "p1", Username: "alice", State: "has_base", Score: 42, Troops: 1, Bases: 2},
		bases: []directory.Entry{
			{PlayerID: "p1", Base: base.Base{Coord: geo.Coordinate{Lat: 1, Lon: 2}, Health: 100, Level: 1, Username: "alice"}},
			{PlayerID: "p2", Base: base.Base{Coord: geo.Coordinate{Lat: 3, Lon: 4}, Health: 50, Level: 2, Username: "bob"}},
		},
		troops: []troop.View{
			{ID: "t1", Class: "Ghost", AttackerID: "p1", TargetID: "p2", Current: geo.Coordinate{Lat: 2, Lon: 3}, End: geo.Coordinate{Lat: 3, Lon: 4}, Remaining: 250, RemainingTime: 10 * time.Second},
		},
	}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func get(t *testing.T, h http.Handler, path string, v any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if v != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
	}
	return rec.Code
}

func TestHandler_Status(t *testing.T) {
	s := NewService(Dependencies{Source: newSource(), Logger: quiet()}, Config{})

	var st game.Status
	require.Equal(t, http.StatusOK, get(t, s.Handler(), "/status", &st))
	assert.Equal(t, "alice", st.Username)
	assert.Equal(t, int64(42), st.Score)
}

func TestHandler_Bases(t *testing.T) {
	s := NewService(Dependencies{Source: newSource(), Logger: quiet()}, Config{})
	h := s.Handler()

	var all []BaseView
	require.Equal(t, http.StatusOK, get(t, h, "/bases", &all))
	require.Len(t, all, 2)
	assert.Equal(t, "bob", all[1].Username)

	var one BaseView
	require.Equal(t, http.StatusOK, get(t, h, "/bases/p2", &one))
	assert.Equal(t, int64(50), one.Health)
	assert.Equal(t, 3.0, one.Lat)
	assert.Greater(t, one.X, 0.0)
	assert.Greater(t, one.Y, 0.0)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/bases/nobody", nil))
}

func TestHandler_Troops(t *testing.T) {
	s := NewService(Dependencies{Source: newSource(), Logger: quiet()}, Config{})

	var troops []TroopView
	require.Equal(t, http.StatusOK, get(t, s.Handler(), "/troops", &troops))
	require.Len(t, troops, 1)
	assert.Equal(t, "Ghost", troops[0].Class)
	assert.Equal(t, 10.0, troops[0].RemainingSeconds)
	assert.Len(t, troops[0].Path, trackSegments+1)
}

func TestHandler_RejectsWrites(t *testing.T) {
	s := NewService(Dependencies{Source: newSource(), Logger: quiet()}, Config{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSnapshot_WritesFileAndJournal(t *testing.T) {
	dir := t.TempDir()
	sink := jmemory.New(0)
	s := NewService(Dependencies{
		Source:  newSource(),
		Journal: journal.New(sink, quiet(), nil),
		Logger:  quiet(),
		DataDir: dir,
	}, Config{})

	require.NoError(t, s.Snapshot())
	st, err := ReadStatus(dir)
	require.NoError(t, err)
	assert.Equal(t, "p1", st.PlayerID)
	assert.Equal(t, 1, st.Troops)

	entries := sink.Filter(journal.KindStatus)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(42), entries[0].Amount)
	assert.Equal(t, "has_base", entries[0].Details["state"])
}

func TestService_StartStop(t *testing.T) {
	dir := t.TempDir()
	src := newSource()
	s := NewService(Dependencies{Source: src, Logger: quiet(), DataDir: dir},
		Config{Interval: 10 * time.Millisecond, Listen: "127.0.0.1:0"})
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())

	assert.Eventually(t, func() bool {
		_, err := ReadStatus(dir)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/bases/p1", s.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	src.setScore(7)
	s.Stop()
	assert.False(t, s.IsRunning())
	st, err := ReadStatus(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(7), st.Score, "stop writes a final snapshot")
	s.Stop()
}
