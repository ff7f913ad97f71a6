// Package poi loads points of interest and credits the player for visiting them.
package poi

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/OCAP2/basewars/internal/catalog"
	"github.com/OCAP2/basewars/internal/geo"
	"github.com/OCAP2/basewars/internal/journal"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed overpass.schema.json
var schemaSource string

var schema = jsonschema.MustCompileString("overpass.schema.json", schemaSource)

// POI is one collectible point.
type POI struct {
	ID      int64
	Coord   geo.Coordinate
	Amenity string
	Ref     string
	Brand   string
}

type export struct {
	Elements []struct {
		Type string   `json:"type"`
		ID   int64    `json:"id"`
		Lat  *float64 `json:"lat"`
		Lon  *float64 `json:"lon"`
		Tags struct {
			Amenity string `json:"amenity"`
			Ref     string `json:"ref"`
			Brand   string `json:"brand"`
		} `json:"tags"`
	} `json:"elements"`
}

// Load reads an Overpass export from path.
func Load(path string) ([]POI, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read POI file: %w", err)
	}
	pois, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pois, nil
}

// Parse validates and decodes an Overpass export. Elements without a
// position, such as ways, are skipped.
func Parse(raw []byte) ([]POI, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode POI file: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid POI file: %w", err)
	}

	var ex export
	if err := json.Unmarshal(raw, &ex); err != nil {
		return nil, fmt.Errorf("decode POI file: %w", err)
	}
	pois := make([]POI, 0, len(ex.Elements))
	for _, e := range ex.Elements {
		if e.Lat == nil || e.Lon == nil {
			continue
		}
		pois = append(pois, POI{
			ID:      e.ID,
			Coord:   geo.Coordinate{Lat: *e.Lat, Lon: *e.Lon},
			Amenity: e.Tags.Amenity,
			Ref:     e.Tags.Ref,
			Brand:   e.Tags.Brand,
		})
	}
	return pois, nil
}

// Wallet receives collection rewards.
type Wallet interface {
	AddPoints(delta int64)
}

type Dependencies struct {
	Wallet   Wallet
	Rules    *catalog.Catalog
	Journal  *journal.Journal
	Logger   *slog.Logger
	PlayerID string
}

// Collector hands out each POI once. It runs on the dispatcher loop.
type Collector struct {
	deps      Dependencies
	log       *slog.Logger
	remaining []POI
	collected int
}

func NewCollector(deps Dependencies, pois []POI) *Collector {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	remaining := append([]POI(nil), pois...)
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].ID < remaining[j].ID })
	return &Collector{deps: deps, log: log.With("component", "poi"), remaining: remaining}
}

// Visit collects every remaining POI within the collection radius of pos.
func (c *Collector) Visit(pos geo.Coordinate) []POI {
	if !pos.Valid() {
		return nil
	}
	var got []POI
	kept := c.remaining[:0]
	for _, p := range c.remaining {
		d := geo.DistanceMeters(pos, p.Coord)
		if d >= c.deps.Rules.POIRadiusMeters {
			kept = append(kept, p)
			continue
		}
		got = append(got, p)
		c.collected++
		c.deps.Wallet.AddPoints(c.deps.Rules.POIReward)
		c.log.Info("collected POI", "poi", p.ID, "distance", d)
		c.deps.Journal.Record(journal.Entry{
			Kind:     journal.KindPOICollected,
			PlayerID: c.deps.PlayerID,
			Amount:   c.deps.Rules.POIReward,
			Lat:      p.Coord.Lat,
			Lon:      p.Coord.Lon,
			Details:  map[string]any{"poi": p.ID, "amenity": p.Amenity},
		})
	}
	c.remaining = kept
	return got
}

// Remaining returns the POIs not yet collected.
func (c *Collector) Remaining() []POI {
	return append([]POI(nil), c.remaining...)
}

func (c *Collector) Collected() int { return c.collected }
