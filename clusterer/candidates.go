package clusterer

import (
	"math"
	"slices"

	"github.com/paulmach/orb"
	"github.com/royalcat/geocluster/distcache"
	"github.com/royalcat/geocluster/geomodel"
	"github.com/royalcat/geocluster/kdbush"
)

// candidates yields, in ascending order, indices j > seed of the
// latitude-sorted markers that may lie within the radius of sorted[seed].
type candidates func(seed int, yield func(j int))

// distances are measured between coordinates rounded by the distance cache,
// so every window is widened by two rounding steps
const windowSlack = 2 * distcache.Quantum

func latWindow(radiusKm float64) float64 {
	return distcache.KmToDegrees(radiusKm)*(1+1e-9) + windowSlack
}

func scanCandidates(sorted []geomodel.Marker, radiusKm float64) candidates {
	window := latWindow(radiusKm)
	return func(seed int, yield func(int)) {
		lat := sorted[seed].Lat
		for j := seed + 1; j < len(sorted); j++ {
			// sorted by latitude, nothing further can be in range
			if sorted[j].Lat-lat > window {
				return
			}
			yield(j)
		}
	}
}

func indexCandidates(sorted []geomodel.Marker, radiusKm float64) candidates {
	points := make([]kdbush.Point[int], len(sorted))
	for i, m := range sorted {
		points[i] = kdbush.Point[int]{X: m.Lon, Y: m.Lat, Data: i}
	}
	bush := kdbush.NewBush(points, kdbush.DefaultNodeSize)

	return func(seed int, yield func(int)) {
		found := bush.Range(searchBound(sorted[seed].Coordinate(), radiusKm))
		slices.Sort(found)
		for _, j := range found {
			if j > seed {
				yield(j)
			}
		}
	}
}

// searchBound is the lat/lon box holding every point within radiusKm of c.
// It falls back to the full longitude range near the poles and across the
// antimeridian.
func searchBound(c geomodel.Coordinate, radiusKm float64) orb.Bound {
	latDeg := latWindow(radiusKm)
	minLat, maxLat := c.Lat-latDeg, c.Lat+latDeg
	minLon, maxLon := -180.0, 180.0

	if minLat > -90 && maxLat < 90 {
		δ := radiusKm / distcache.EarthRadiusKm
		φ := (math.Abs(c.Lat) + distcache.Quantum) * math.Pi / 180
		if s := math.Sin(δ) / math.Cos(φ); δ < math.Pi/2 && s < 1 {
			Δλ := math.Asin(s)*180/math.Pi*(1+1e-9) + windowSlack
			if c.Lon-Δλ >= -180 && c.Lon+Δλ <= 180 {
				minLon, maxLon = c.Lon-Δλ, c.Lon+Δλ
			}
		}
	}

	return orb.Bound{
		Min: orb.Point{minLon, max(minLat, -90)},
		Max: orb.Point{maxLon, min(maxLat, 90)},
	}
}
