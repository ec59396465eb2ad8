package distcache

import (
	"math"

	"github.com/royalcat/geocluster/geomodel"
)

const EarthRadiusKm = 6371.0

// Haversine is the uncached great-circle distance in kilometers.
func Haversine(a, b geomodel.Coordinate) float64 {
	φ1 := a.Lat * math.Pi / 180
	φ2 := b.Lat * math.Pi / 180
	Δφ := (b.Lat - a.Lat) * math.Pi / 180
	Δλ := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(Δφ/2)*math.Sin(Δφ/2) +
		math.Cos(φ1)*math.Cos(φ2)*math.Sin(Δλ/2)*math.Sin(Δλ/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusKm * c
}

// KmToDegrees converts a great-circle distance to the equivalent arc in degrees.
func KmToDegrees(km float64) float64 {
	return km / EarthRadiusKm * 180 / math.Pi
}
