package zstdfile

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/basewars/internal/journal"
)

var t0 = time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)

func TestSink_WriteAndRead(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "")
	require.NoError(t, s.Init())

	require.NoError(t, s.Record(journal.Entry{Time: t0, Kind: journal.KindBasePlaced, PlayerID: "p1", Lat: 51.5, Lon: -0.12}))
	require.NoError(t, s.Record(journal.Entry{Time: t0.Add(time.Minute), Kind: journal.KindBaseUpgraded, PlayerID: "p1", Amount: 2}))

	require.NoError(t, s.Close())

	entries, err := ReadFile(s.Path(t0))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, journal.KindBasePlaced, entries[0].Kind)
	assert.Equal(t, 51.5, entries[0].Lat)
	assert.True(t, entries[0].Time.Equal(t0))
	assert.Equal(t, int64(2), entries[1].Amount)
}

func TestSink_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "bw")
	require.NoError(t, s.Init())

	require.NoError(t, s.Record(journal.Entry{Time: t0, Kind: journal.KindTroopSpawned}))
	require.NoError(t, s.Record(journal.Entry{Time: t0.Add(time.Hour), Kind: journal.KindTroopArrived}))
	require.NoError(t, s.Close())

	assert.FileExists(t, s.Path(t0))
	assert.FileExists(t, s.Path(t0.Add(time.Hour)))
	assert.Contains(t, s.Path(t0), "bw-2026-03-01-10.jsonl.zst")

	entries, err := ReadDir(dir, "bw")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, journal.KindTroopSpawned, entries[0].Kind)
	assert.Equal(t, journal.KindTroopArrived, entries[1].Kind)
}

func TestSink_AppendsAcrossSessions(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		s := New(dir, "")
		require.NoError(t, s.Init())
		require.NoError(t, s.Record(journal.Entry{Time: t0, Kind: journal.KindStatus, Amount: int64(i)}))
		require.NoError(t, s.Close())
	}

	entries, err := ReadDir(dir, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[1].Amount)
}

func TestSink_InitRequiresDir(t *testing.T) {
	assert.Error(t, New("", "").Init())
}

func TestSink_CloseWithoutWrites(t *testing.T) {
	s := New(t.TempDir(), "")
	require.NoError(t, s.Init())
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestReadFile_Missing(t *testing.T) {
	_, err := ReadFile(t.TempDir() + "/nope.jsonl.zst")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
