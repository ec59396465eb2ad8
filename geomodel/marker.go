package geomodel

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

const (
	MinZoom = 0
	MaxZoom = 22
)

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether both components are finite and inside the WGS84 range.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || math.IsNaN(c.Lon) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Point returns c in orb order (lon, lat).
func (c Coordinate) Point() orb.Point {
	return orb.Point{c.Lon, c.Lat}
}

func CoordinateFromPoint(p orb.Point) Coordinate {
	return Coordinate{Lat: p.Lat(), Lon: p.Lon()}
}

type Kind uint8

const (
	KindSingle Kind = iota
	KindCluster
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindCluster:
		return "cluster"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case KindSingle, KindCluster:
		return []byte(k.String()), nil
	}
	return nil, fmt.Errorf("unknown marker kind %d", uint8(k))
}

func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "single", "":
		*k = KindSingle
	case "cluster":
		*k = KindCluster
	default:
		return fmt.Errorf("unknown marker kind %q", text)
	}
	return nil
}

// Marker is a renderable point: a single entity or a synthetic cluster.
// For clusters Lat/Lon hold the centroid of Members.
type Marker struct {
	ID       string            `json:"id"`
	Lat      float64           `json:"lat"`
	Lon      float64           `json:"lon"`
	Kind     Kind              `json:"kind"`
	Title    string            `json:"title,omitempty"`
	Category string            `json:"category,omitempty"`
	Facts    map[string]string `json:"facts,omitempty"`
	Members  []Marker          `json:"members,omitempty"`
}

func (m Marker) Coordinate() Coordinate {
	return Coordinate{Lat: m.Lat, Lon: m.Lon}
}

func (m Marker) IsCluster() bool {
	return m.Kind == KindCluster
}

// Valid reports whether m can take part in clustering.
func (m Marker) Valid() bool {
	return m.ID != "" && m.Coordinate().Valid()
}

// Size is the number of entities m stands for.
func (m Marker) Size() int {
	if m.Kind == KindCluster {
		return len(m.Members)
	}
	return 1
}

// Bound covers the marker itself, or every member of a cluster.
func (m Marker) Bound() orb.Bound {
	if m.Kind != KindCluster || len(m.Members) == 0 {
		return m.Coordinate().Point().Bound()
	}
	b := m.Members[0].Bound()
	for _, member := range m.Members[1:] {
		b = b.Union(member.Bound())
	}
	return b
}

type Viewport struct {
	Zoom   int        `json:"zoom"`
	Center Coordinate `json:"center"`
}

// ClampZoom bounds zoom into [MinZoom, MaxZoom].
func ClampZoom(zoom int) int {
	return max(MinZoom, min(MaxZoom, zoom))
}

// BoundOf covers every marker (cluster members included) and extra points.
// ok is false when there is nothing to cover.
func BoundOf(markers []Marker, extra ...Coordinate) (b orb.Bound, ok bool) {
	for _, m := range markers {
		if !ok {
			b, ok = m.Bound(), true
			continue
		}
		b = b.Union(m.Bound())
	}
	for _, c := range extra {
		if !c.Valid() {
			continue
		}
		if !ok {
			b, ok = c.Point().Bound(), true
			continue
		}
		b = b.Extend(c.Point())
	}
	return b, ok
}

// ParseBound reads "minLon,minLat,maxLon,maxLat", the GeoJSON bbox order.
func ParseBound(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bound %q: want 4 comma separated values", s)
	}
	var v [4]float64
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bound %q: %w", s, err)
		}
		v[i] = f
	}

	b := orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}
	if b.Min.X() >= b.Max.X() || b.Min.Y() >= b.Max.Y() {
		return orb.Bound{}, fmt.Errorf("bound %q: empty area", s)
	}
	if !CoordinateFromPoint(b.Min).Valid() || !CoordinateFromPoint(b.Max).Valid() {
		return orb.Bound{}, fmt.Errorf("bound %q: outside lon/lat range", s)
	}
	return b, nil
}
