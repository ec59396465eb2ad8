package server

import (
	"github.com/paulmach/orb/geojson"
	"github.com/royalcat/geocluster/geomodel"
)

// featureCollection renders processed markers as GeoJSON points. Clusters
// carry their member extent as the feature bbox.
func featureCollection(markers []geomodel.Marker) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, m := range markers {
		fc.Append(feature(m))
	}
	return fc
}

func feature(m geomodel.Marker) *geojson.Feature {
	f := geojson.NewFeature(m.Coordinate().Point())
	f.ID = m.ID
	f.Properties["kind"] = m.Kind.String()
	f.Properties["count"] = m.Size()
	if m.Title != "" {
		f.Properties["title"] = m.Title
	}
	if m.Category != "" {
		f.Properties["category"] = m.Category
	}
	if len(m.Facts) > 0 {
		f.Properties["facts"] = m.Facts
	}
	if m.IsCluster() {
		f.BBox = geojson.NewBBox(m.Bound())
		members := make([]string, len(m.Members))
		for i, member := range m.Members {
			members[i] = member.ID
		}
		f.Properties["members"] = members
	}
	return f
}
