package popupcache

import (
	"fmt"
	"maps"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/royalcat/geocluster/geomodel"
)

// maxMemberLines caps the member titles listed for a cluster.
const maxMemberLines = 10

// Payload is the rendered content of a marker's detail overlay.
type Payload struct {
	MarkerID string        `json:"marker_id"`
	Kind     geomodel.Kind `json:"kind"`
	Title    string        `json:"title"`
	Category string        `json:"category,omitempty"`
	Distance string        `json:"distance,omitempty"`
	Count    int           `json:"count"`
	Lines    []string      `json:"lines,omitempty"`
}

type RenderFunc func(marker geomodel.Marker, distanceKm *float64) Payload

// DefaultRender lists member titles for clusters and facts for single
// markers. The distance, when known, is humanized ("850 m", "1.2 km").
func DefaultRender(marker geomodel.Marker, distanceKm *float64) Payload {
	p := Payload{
		MarkerID: marker.ID,
		Kind:     marker.Kind,
		Title:    marker.Title,
		Category: marker.Category,
		Count:    marker.Size(),
	}
	if distanceKm != nil {
		p.Distance = FormatDistance(*distanceKm)
	}

	if marker.IsCluster() {
		for i, m := range marker.Members {
			if i == maxMemberLines {
				p.Lines = append(p.Lines, fmt.Sprintf("and %d more", len(marker.Members)-i))
				break
			}
			title := m.Title
			if title == "" {
				title = m.ID
			}
			p.Lines = append(p.Lines, title)
		}
		return p
	}

	for _, k := range slices.Sorted(maps.Keys(marker.Facts)) {
		p.Lines = append(p.Lines, k+": "+marker.Facts[k])
	}
	return p
}

func FormatDistance(km float64) string {
	if km < 1 {
		return humanize.SIWithDigits(km*1000, 0, "m")
	}
	return humanize.SIWithDigits(km*1000, 1, "m")
}
