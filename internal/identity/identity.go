// Package identity persists the stable installation id and the username.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const fileName = "profile.yaml"

var ErrEmptyUsername = errors.New("username must not be empty")

// Profile is the local player.
type Profile struct {
	PlayerID string `yaml:"playerId"`
	Username string `yaml:"username"`
}

// DefaultUsername derives the initial username from the player id.
func DefaultUsername(id string) string {
	short := id
	if len(short) > 5 {
		short = short[:5]
	}
	return "Player_" + short
}

// Load returns the profile stored in dir, creating it with a fresh id on
// first use. The id never changes afterwards.
func Load(dir string) (Profile, error) {
	path := filepath.Join(dir, fileName)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		var p Profile
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return Profile{}, fmt.Errorf("%s: %w", path, err)
		}
		if p.PlayerID == "" {
			return Profile{}, fmt.Errorf("%s: missing playerId", path)
		}
		if strings.TrimSpace(p.Username) == "" {
			p.Username = DefaultUsername(p.PlayerID)
		}
		return p, nil
	case errors.Is(err, os.ErrNotExist):
		id := uuid.NewString()
		p := Profile{PlayerID: id, Username: DefaultUsername(id)}
		if err := save(dir, p); err != nil {
			return Profile{}, err
		}
		return p, nil
	default:
		return Profile{}, err
	}
}

// NormalizeUsername trims name and rejects empty names.
func NormalizeUsername(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmptyUsername
	}
	return name, nil
}

// SaveUsername persists a rename and returns the updated profile.
func SaveUsername(dir, name string) (Profile, error) {
	name, err := NormalizeUsername(name)
	if err != nil {
		return Profile{}, err
	}
	p, err := Load(dir)
	if err != nil {
		return Profile{}, err
	}
	p.Username = name
	if err := save(dir, p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func save(dir string, p Profile) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	raw, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, fileName+".tmp")
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, fileName))
}
