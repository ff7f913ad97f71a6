package geo

import (
	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// Positions handed to renderers are Web Mercator (EPSG:3857) points.
// Everything stored or simulated stays in EPSG:4326.

// Project converts a WGS84 coordinate to a Web Mercator point.
func Project(c Coordinate) (geom.Point, error) {
	if !c.Valid() {
		return geom.NewEmptyPoint(geom.DimXY), ErrInvalidCoordinates
	}
	f := wgs84.EPSG().Transform(4326, 3857)
	x, y, _ := f(c.Lon, c.Lat, 0)
	return geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: x, Y: y},
		Type: geom.DimXY,
	}), nil
}

// Track samples the great-circle path from start to end as a Web Mercator line string.
func Track(start, end Coordinate, segments int) (geom.LineString, error) {
	if !start.Valid() || !end.Valid() {
		return geom.LineString{}, ErrInvalidCoordinates
	}
	if segments < 1 {
		segments = 1
	}

	f := wgs84.EPSG().Transform(4326, 3857)
	flat := make([]float64, 0, 2*(segments+1))
	for i := 0; i <= segments; i++ {
		p := Interpolate(start, end, float64(i)/float64(segments))
		x, y, _ := f(p.Lon, p.Lat, 0)
		flat = append(flat, x, y)
	}
	seq := geom.NewSequence(flat, geom.DimXY)
	return geom.NewLineString(seq), nil
}
