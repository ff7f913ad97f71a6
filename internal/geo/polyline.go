package geo

import (
	"encoding/json"
	"fmt"

	geom "github.com/peterstace/simplefeatures/geom"
)

// Path is a projected line string in its JSON form: [[x1,y1],[x2,y2],...].
type Path [][2]float64

// PathOf flattens a line string into a Path.
func PathOf(ls geom.LineString) Path {
	seq := ls.Coordinates()
	out := make(Path, seq.Length())
	for i := range out {
		xy := seq.GetXY(i)
		out[i] = [2]float64{xy.X, xy.Y}
	}
	return out
}

// ParsePolyline parses a JSON array of coordinates into a geom.LineString.
// Input format: "[[x1,y1],[x2,y2],...]"
func ParsePolyline(input string) (geom.LineString, error) {
	var coords [][]float64
	if err := json.Unmarshal([]byte(input), &coords); err != nil {
		return geom.LineString{}, fmt.Errorf("failed to parse polyline JSON: %w", err)
	}

	if len(coords) < 2 {
		return geom.LineString{}, fmt.Errorf("polyline must have at least 2 points, got %d", len(coords))
	}

	flat := make([]float64, 0, len(coords)*2)
	for i, coord := range coords {
		if len(coord) < 2 {
			return geom.LineString{}, fmt.Errorf("coordinate %d has insufficient values", i)
		}
		flat = append(flat, coord[0], coord[1])
	}

	return geom.NewLineString(geom.NewSequence(flat, geom.DimXY)), nil
}
