package scheduler

import (
	"cmp"
	"encoding/binary"
	"math"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/royalcat/geocluster/geomodel"
)

// ContentHash fingerprints the parts of a marker set that affect clustering:
// identifier, coordinates and kind. Input order does not matter.
func ContentHash(markers []geomodel.Marker) uint64 {
	sorted := make([]*geomodel.Marker, len(markers))
	for i := range markers {
		sorted[i] = &markers[i]
	}
	slices.SortFunc(sorted, func(a, b *geomodel.Marker) int {
		if c := cmp.Compare(a.ID, b.ID); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Lat, b.Lat); c != 0 {
			return c
		}
		return cmp.Compare(a.Lon, b.Lon)
	})

	d := xxhash.New()
	var buf [21]byte
	for _, m := range sorted {
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(m.ID)))
		_, _ = d.Write(buf[0:4])
		_, _ = d.WriteString(m.ID)
		buf[4] = byte(m.Kind)
		binary.LittleEndian.PutUint64(buf[5:13], math.Float64bits(m.Lat))
		binary.LittleEndian.PutUint64(buf[13:21], math.Float64bits(m.Lon))
		_, _ = d.Write(buf[4:])
	}
	return d.Sum64()
}
