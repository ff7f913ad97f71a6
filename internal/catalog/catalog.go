// Package catalog holds the game rules: troop classes and economy constants.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed tuning.yaml
var defaultTuning []byte

var ErrInvalidTuning = errors.New("invalid tuning")

// Class is one troop type.
type Class struct {
	Name   string  `yaml:"name"`
	Cost   int64   `yaml:"cost"`
	Damage int64   `yaml:"damage"`
	Speed  float64 `yaml:"speedMps"`
}

// TravelTime returns how long the class needs to cover meters.
func (c Class) TravelTime(meters float64) time.Duration {
	return time.Duration(meters / c.Speed * float64(time.Second))
}

// Tuning is the full rule set.
type Tuning struct {
	StartingScore        int64         `yaml:"startingScore"`
	UpgradeCost          int64         `yaml:"upgradeCost"`
	UpgradeHealth        int64         `yaml:"upgradeHealth"`
	BaseHealth           int64         `yaml:"baseHealth"`
	HealthPerLevel       int64         `yaml:"healthPerLevel"`
	RewardPerLevel       int64         `yaml:"rewardPerLevel"`
	SpawnInterval        time.Duration `yaml:"spawnInterval"`
	ArrivalEpsilonMeters float64       `yaml:"arrivalEpsilonMeters"`
	POIReward            int64         `yaml:"poiReward"`
	POIRadiusMeters      float64       `yaml:"poiRadiusMeters"`
	DefaultClass         string        `yaml:"defaultClass"`
	Classes              []Class       `yaml:"classes"`
}

// Catalog indexes a validated tuning.
type Catalog struct {
	Tuning
	byName map[string]Class
}

// Default returns the built-in rules.
func Default() *Catalog {
	c, err := build(defaults())
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded tuning: %v", err))
	}
	return c
}

// Load reads rules from a YAML file. An empty path returns the defaults.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes YAML over the defaults, so files may set only what they change.
// A file that lists classes replaces the whole class set.
func Parse(raw []byte) (*Catalog, error) {
	t := defaults()
	classes := t.Classes
	t.Classes = nil
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("tuning: %w", err)
	}
	if t.Classes == nil {
		t.Classes = classes
	}
	return build(t)
}

func defaults() Tuning {
	var t Tuning
	if err := yaml.Unmarshal(defaultTuning, &t); err != nil {
		panic(fmt.Sprintf("catalog: embedded tuning: %v", err))
	}
	return t
}

func build(t Tuning) (*Catalog, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	c := &Catalog{Tuning: t, byName: make(map[string]Class, len(t.Classes))}
	for _, cl := range t.Classes {
		c.byName[cl.Name] = cl
	}
	return c, nil
}

// Validate checks the rule set for values the game cannot run with.
func (t Tuning) Validate() error {
	if len(t.Classes) == 0 {
		return fmt.Errorf("%w: no troop classes", ErrInvalidTuning)
	}
	seen := make(map[string]bool, len(t.Classes))
	for _, c := range t.Classes {
		switch {
		case c.Name == "":
			return fmt.Errorf("%w: class without name", ErrInvalidTuning)
		case seen[c.Name]:
			return fmt.Errorf("%w: duplicate class %q", ErrInvalidTuning, c.Name)
		case c.Cost <= 0:
			return fmt.Errorf("%w: class %q cost must be positive", ErrInvalidTuning, c.Name)
		case c.Damage <= 0:
			return fmt.Errorf("%w: class %q damage must be positive", ErrInvalidTuning, c.Name)
		case c.Speed <= 0:
			return fmt.Errorf("%w: class %q speed must be positive", ErrInvalidTuning, c.Name)
		}
		seen[c.Name] = true
	}
	if t.UpgradeCost < 0 {
		return fmt.Errorf("%w: upgradeCost must not be negative", ErrInvalidTuning)
	}
	if t.ArrivalEpsilonMeters <= 0 {
		return fmt.Errorf("%w: arrivalEpsilonMeters must be positive", ErrInvalidTuning)
	}
	if t.DefaultClass != "" && !seen[t.DefaultClass] {
		return fmt.Errorf("%w: unknown default class %q", ErrInvalidTuning, t.DefaultClass)
	}
	return nil
}

// Class looks up a troop class by name.
func (c *Catalog) Class(name string) (Class, bool) {
	cl, ok := c.byName[name]
	return cl, ok
}

// Default returns the class used for troop records with an unknown type.
func (c *Catalog) Default() Class {
	if cl, ok := c.byName[c.Tuning.DefaultClass]; ok {
		return cl
	}
	return c.Classes[0]
}

// Names returns the class names in cost order.
func (c *Catalog) Names() []string {
	classes := append([]Class(nil), c.Classes...)
	sort.SliceStable(classes, func(i, j int) bool { return classes[i].Cost < classes[j].Cost })
	names := make([]string, len(classes))
	for i, cl := range classes {
		names[i] = cl.Name
	}
	return names
}

// Refund is the amount returned when a base of the given level is removed.
func (c *Catalog) Refund(level int64) int64 {
	if level <= 1 {
		return 0
	}
	return (level - 1) * c.UpgradeCost / 2
}

// Reward is paid to the attacker for destroying a base of the given level.
func (c *Catalog) Reward(level int64) int64 {
	return level * c.RewardPerLevel
}

// RestoreHealth is the health an attacker's base is restored to.
func (c *Catalog) RestoreHealth(level int64) int64 {
	return level * c.HealthPerLevel
}

// Mode selects how concurrent writers resolve shared counters.
type Mode string

const (
	// ModeFaithful uses plain read-modify-write, as every client historically did.
	ModeFaithful Mode = "faithful"
	// ModeGuarded uses claims and atomic increments so each troop resolves once.
	ModeGuarded Mode = "guarded"
)

// ParseMode validates a configured resolution mode. Empty means faithful.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeFaithful:
		return ModeFaithful, nil
	case ModeGuarded:
		return ModeGuarded, nil
	default:
		return "", fmt.Errorf("unknown resolution mode %q", s)
	}
}
