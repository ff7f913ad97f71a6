package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/basewars/internal/config"
	"github.com/OCAP2/basewars/internal/game"
	"github.com/OCAP2/basewars/internal/identity"
)

// testConfig writes a config that keeps every file under a temp dir.
func testConfig(t *testing.T) (configDir, dataDir string) {
	t.Helper()
	t.Cleanup(viper.Reset)
	root := t.TempDir()
	dataDir = filepath.Join(root, "data")
	body := fmt.Sprintf(`{
		"logLevel": "error",
		"dataDir": %q,
		"logsDir": %q,
		"journal": { "sinks": ["memory", "file"] },
		"monitor": { "enabled": false }
	}`, dataDir, filepath.Join(root, "logs"))
	require.NoError(t, os.WriteFile(filepath.Join(root, config.FileName), []byte(body), 0644))
	return root, dataDir
}

func TestFindCommand(t *testing.T) {
	c, ok := findCommand("attack")
	require.True(t, ok)
	assert.False(t, c.offline)

	c, ok = findCommand("journal")
	require.True(t, ok)
	assert.True(t, c.offline)

	_, ok = findCommand("launch")
	assert.False(t, ok)
}

func TestRun_Usage(t *testing.T) {
	assert.Equal(t, 2, run(nil))
	assert.Equal(t, 2, run([]string{"launch"}))
}

func TestRun_Status(t *testing.T) {
	dir, dataDir := testConfig(t)
	assert.Equal(t, 0, run([]string{"-config", dir, "status"}))

	p, err := identity.Load(dataDir)
	require.NoError(t, err)
	assert.NotEmpty(t, p.PlayerID, "the profile is created on first run")
}

func TestRun_PlaceWritesJournal(t *testing.T) {
	dir, dataDir := testConfig(t)
	require.Equal(t, 0, run([]string{"-config", dir, "place", "51.5,-0.12"}))

	a := &app{DataDir: dataDir}
	cfg := config.GetJournalConfig()
	assert.DirExists(t, a.journalDir(cfg))
	assert.Equal(t, 0, run([]string{"-config", dir, "journal", "-kind", "base_placed"}))
}

func TestRun_PlaceRejectsBadCoordinate(t *testing.T) {
	dir, _ := testConfig(t)
	assert.Equal(t, 1, run([]string{"-config", dir, "place", "91,0"}))
	assert.Equal(t, 2, run([]string{"-config", dir, "place"}))
}

func TestRun_Snapshot(t *testing.T) {
	dir, dataDir := testConfig(t)
	require.NoError(t, os.MkdirAll(dataDir, 0755))
	raw, err := json.Marshal(game.Status{PlayerID: "p1", Score: 7})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "status.json"), raw, 0644))

	assert.Equal(t, 0, run([]string{"-config", dir, "snapshot"}))
}

func TestRun_SnapshotMissing(t *testing.T) {
	dir, _ := testConfig(t)
	assert.Equal(t, 1, run([]string{"-config", dir, "snapshot"}))
}
