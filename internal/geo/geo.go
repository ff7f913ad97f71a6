package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// EarthRadiusMeters is the mean earth radius used by all great-circle math.
const EarthRadiusMeters = 6371000.0

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// Coordinate is a WGS84 position in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is within WGS84 bounds.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// ParseCoordinate parses a string in the format "lat,lon".
func ParseCoordinate(s string) (Coordinate, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return Coordinate{}, ErrInvalidCoordinates
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Coordinate{}, ErrInvalidCoordinates
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Coordinate{}, ErrInvalidCoordinates
	}
	c := Coordinate{Lat: lat, Lon: lon}
	if !c.Valid() {
		return Coordinate{}, ErrInvalidCoordinates
	}
	return c, nil
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }

// DistanceMeters returns the haversine great-circle distance between a and b.
func DistanceMeters(a, b Coordinate) float64 {
	if a == b {
		return 0
	}
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLat := lat2 - lat1
	dLon := radians(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	// rounding can push h just outside [0,1] for antipodal points
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// InitialBearing returns the forward azimuth from a to b in degrees [0, 360).
func InitialBearing(a, b Coordinate) float64 {
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLon := radians(b.Lon - a.Lon)
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	return math.Mod(degrees(math.Atan2(y, x))+360, 360)
}

type vec3 struct{ x, y, z float64 }

func toVec(c Coordinate) vec3 {
	lat, lon := radians(c.Lat), radians(c.Lon)
	return vec3{
		x: math.Cos(lat) * math.Cos(lon),
		y: math.Cos(lat) * math.Sin(lon),
		z: math.Sin(lat),
	}
}

func fromVec(v vec3) Coordinate {
	return Coordinate{
		Lat: degrees(math.Atan2(v.z, math.Hypot(v.x, v.y))),
		Lon: degrees(math.Atan2(v.y, v.x)),
	}
}

// Interpolate returns the point at fraction f (0..1) along the great circle from a to b.
func Interpolate(a, b Coordinate, f float64) Coordinate {
	if f <= 0 {
		return a
	}
	if f >= 1 {
		return b
	}
	delta := DistanceMeters(a, b) / EarthRadiusMeters
	if delta == 0 {
		return a
	}
	sinDelta := math.Sin(delta)
	if sinDelta < 1e-12 {
		// antipodal: any great circle works, fall back to a linear blend of the angles
		return Coordinate{Lat: a.Lat + (b.Lat-a.Lat)*f, Lon: a.Lon + (b.Lon-a.Lon)*f}
	}
	wa := math.Sin((1-f)*delta) / sinDelta
	wb := math.Sin(f*delta) / sinDelta
	va, vb := toVec(a), toVec(b)
	return fromVec(vec3{
		x: wa*va.x + wb*vb.x,
		y: wa*va.y + wb*vb.y,
		z: wa*va.z + wb*vb.z,
	})
}

// StepToward moves meters along the great circle from "from" toward "to".
// It never overshoots: a step at least as long as the remaining distance lands on "to".
func StepToward(from, to Coordinate, meters float64) Coordinate {
	if meters <= 0 {
		return from
	}
	remaining := DistanceMeters(from, to)
	if meters >= remaining {
		return to
	}
	return Interpolate(from, to, meters/remaining)
}
