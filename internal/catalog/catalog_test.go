package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, int64(50), c.StartingScore)
	assert.Equal(t, int64(50), c.UpgradeCost)
	assert.Equal(t, 3*time.Second, c.SpawnInterval)
	assert.Equal(t, 1.0, c.ArrivalEpsilonMeters)

	ghost, ok := c.Class("Ghost")
	require.True(t, ok)
	assert.Equal(t, Class{Name: "Ghost", Cost: 20, Damage: 50, Speed: 25}, ghost)

	robot, ok := c.Class("Robot")
	require.True(t, ok)
	assert.Equal(t, int64(45), robot.Cost)
	assert.Equal(t, int64(120), robot.Damage)

	_, ok = c.Class("Dragon")
	assert.False(t, ok)
	assert.Equal(t, "Ghost", c.Default().Name)
	assert.Equal(t, []string{"Ghost", "Alien", "Robot"}, c.Names())
}

func TestRules(t *testing.T) {
	c := Default()
	assert.Equal(t, int64(0), c.Refund(1))
	assert.Equal(t, int64(50), c.Refund(3))
	assert.Equal(t, int64(300), c.Reward(3))
	assert.Equal(t, int64(200), c.RestoreHealth(2))
}

func TestClass_TravelTime(t *testing.T) {
	ghost, _ := Default().Class("Ghost")
	assert.Equal(t, 40*time.Second, ghost.TravelTime(1000))
}

func TestParse_PartialOverride(t *testing.T) {
	c, err := Parse([]byte("upgradeCost: 80\nspawnInterval: 500ms\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(80), c.UpgradeCost)
	assert.Equal(t, 500*time.Millisecond, c.SpawnInterval)
	assert.Equal(t, int64(50), c.StartingScore)
	assert.Len(t, c.Classes, 3)
}

func TestParse_ReplacesClasses(t *testing.T) {
	c, err := Parse([]byte(`
defaultClass: Tank
classes:
  - {name: Tank, cost: 100, damage: 300, speedMps: 4}
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"Tank"}, c.Names())
}

func TestValidate_Rejects(t *testing.T) {
	tests := map[string]string{
		"duplicate":     "classes: [{name: A, cost: 1, damage: 1, speedMps: 1}, {name: A, cost: 1, damage: 1, speedMps: 1}]\ndefaultClass: A",
		"zero cost":     "classes: [{name: A, cost: 0, damage: 1, speedMps: 1}]\ndefaultClass: A",
		"zero damage":   "classes: [{name: A, cost: 1, damage: 0, speedMps: 1}]\ndefaultClass: A",
		"zero speed":    "classes: [{name: A, cost: 1, damage: 1, speedMps: 0}]\ndefaultClass: A",
		"negative cost": "upgradeCost: -1",
		"empty classes": "classes: []",
		"bad default":   "defaultClass: Nope",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.ErrorIs(t, err, ErrInvalidTuning)
		})
	}
}

func TestLoad(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(50), c.StartingScore)

	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("startingScore: 75\n"), 0o644))
	c, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(75), c.StartingScore)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeFaithful, m)

	m, err = ParseMode("guarded")
	require.NoError(t, err)
	assert.Equal(t, ModeGuarded, m)

	_, err = ParseMode("chaos")
	assert.Error(t, err)
}
