package gormjournal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/OCAP2/basewars/internal/database"
	"github.com/OCAP2/basewars/internal/journal"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenSqlite(database.MemoryDSN(uuid.NewString()), zerolog.Nop())
	require.NoError(t, err)
	return db
}

func count(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&Row{}).Count(&n).Error)
	return n
}

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestSink_FlushOnClose(t *testing.T) {
	db := openDB(t)
	s := New(Dependencies{DB: db}, Config{FlushInterval: time.Hour})
	require.NoError(t, s.Init())

	require.NoError(t, s.Record(journal.Entry{Time: t0, Kind: journal.KindBasePlaced, PlayerID: "p1"}))
	require.NoError(t, s.Record(journal.Entry{Time: t0, Kind: journal.KindDamageApplied, PlayerID: "p1", TargetID: "p2", Amount: 10}))
	assert.Equal(t, 2, s.Pending())
	assert.Equal(t, int64(0), count(t, db))

	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, int64(2), count(t, db))
}

func TestSink_WriterFlushesOnTicker(t *testing.T) {
	db := openDB(t)
	s := New(Dependencies{DB: db}, Config{FlushInterval: 10 * time.Millisecond})
	require.NoError(t, s.Init())
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Record(journal.Entry{Time: t0, Kind: journal.KindStatus}))
	assert.Eventually(t, func() bool { return s.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), count(t, db))
}

func TestSink_Recent(t *testing.T) {
	db := openDB(t)
	s := New(Dependencies{DB: db}, Config{FlushInterval: time.Hour})
	require.NoError(t, s.Init())

	require.NoError(t, s.Record(journal.Entry{Time: t0, Kind: journal.KindTroopSpawned, TroopID: "t1", Class: "Robot"}))
	require.NoError(t, s.Record(journal.Entry{Time: t0.Add(time.Second), Kind: journal.KindTroopArrived, TroopID: "t1"}))
	require.NoError(t, s.Record(journal.Entry{
		Time: t0.Add(2 * time.Second), Kind: journal.KindBaseDestroyed, TargetID: "p2",
		Details: map[string]any{"mode": "guarded"},
	}))
	require.NoError(t, s.Close())

	all, err := s.Recent("", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, journal.KindBaseDestroyed, all[0].Kind)
	assert.Equal(t, "guarded", all[0].Details["mode"])

	spawned, err := s.Recent(journal.KindTroopSpawned, 10)
	require.NoError(t, err)
	require.Len(t, spawned, 1)
	assert.Equal(t, "Robot", spawned[0].Class)

	limited, err := s.Recent("", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSink_DumpOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s := New(Dependencies{DB: openDB(t)}, Config{FlushInterval: time.Hour, DumpPath: path})
	require.NoError(t, s.Init())
	require.NoError(t, s.Record(journal.Entry{Time: t0, Kind: journal.KindPOICollected, Amount: 5}))
	require.NoError(t, s.Close())

	disk, err := database.OpenSqlite(path, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count(t, disk))
}

func TestSink_InitWithoutDB(t *testing.T) {
	assert.Error(t, New(Dependencies{}, Config{}).Init())
}
