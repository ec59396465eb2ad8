package clusterer

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/royalcat/geocluster/distcache"
	"github.com/royalcat/geocluster/geomodel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/royalcat/geocluster/clusterer")

// Clusterer groups nearby markers with a greedy single pass over the
// latitude-sorted input. The partition depends on input order: it is a visual
// aid, not an optimal nearest-neighbour clustering.
type Clusterer struct {
	opts  Options
	cache *distcache.Cache
	log   *slog.Logger

	metricPasses   metric.Int64Counter
	metricDuration metric.Float64Histogram
}

// New validates opts. A nil cache means the process-wide distcache.Default.
func New(opts Options, cache *distcache.Cache) (*Clusterer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyAuto
	}
	if cache == nil {
		cache = distcache.Default()
	}

	metricPasses, err := meter.Int64Counter("cluster_passes_total")
	if err != nil {
		return nil, err
	}
	metricDuration, err := meter.Float64Histogram("cluster_pass_duration_ms")
	if err != nil {
		return nil, err
	}

	return &Clusterer{
		opts:  opts,
		cache: cache,
		log:   slog.With("component", "clusterer"),

		metricPasses:   metricPasses,
		metricDuration: metricDuration,
	}, nil
}

func (c *Clusterer) Options() Options {
	return c.opts
}

func (c *Clusterer) Cache() *distcache.Cache {
	return c.cache
}

// Cluster partitions markers into singletons and synthetic cluster markers.
// Malformed markers are dropped. Below the threshold or above the zoom
// ceiling the valid markers are returned as they are.
func (c *Clusterer) Cluster(markers []geomodel.Marker, zoom int) []geomodel.Marker {
	valid := geomodel.ValidMarkers(markers)
	if len(valid) <= c.opts.Threshold || zoom > c.opts.ZoomCeiling {
		return valid
	}

	start := time.Now()
	radius := c.opts.Radius.RadiusKm(zoom)

	sorted := slices.Clone(valid)
	slices.SortStableFunc(sorted, func(a, b geomodel.Marker) int {
		return cmp.Compare(a.Lat, b.Lat)
	})

	strategy := c.opts.Strategy
	if strategy == StrategyAuto {
		strategy = StrategyScan
		if len(sorted) > indexStrategyThreshold {
			strategy = StrategyIndex
		}
	}
	var next candidates
	if strategy == StrategyIndex {
		next = indexCandidates(sorted, radius)
	} else {
		next = scanCandidates(sorted, radius)
	}

	processed := make([]bool, len(sorted))
	out := make([]geomodel.Marker, 0, len(sorted))
	group := make([]int, 0, 16)
	for i := range sorted {
		if processed[i] {
			continue
		}
		processed[i] = true
		group = append(group[:0], i)

		seed := sorted[i].Coordinate()
		next(i, func(j int) {
			if processed[j] {
				return
			}
			if c.cache.Distance(seed, sorted[j].Coordinate()) <= radius {
				processed[j] = true
				group = append(group, j)
			}
		})

		if len(group) == 1 {
			out = append(out, sorted[i])
			continue
		}
		out = append(out, newCluster(sorted, group))
	}

	elapsed := time.Since(start)
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("strategy", string(strategy)))
	c.metricPasses.Add(ctx, 1, attrs)
	c.metricDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	c.log.Debug("clustered markers",
		"input", len(valid),
		"output", len(out),
		"zoom", zoom,
		"radius_km", radius,
		"strategy", strategy,
		"elapsed", elapsed,
	)

	return out
}

func newCluster(sorted []geomodel.Marker, group []int) geomodel.Marker {
	members := make([]geomodel.Marker, len(group))
	categories := map[string]int{}
	var sumLat, sumLon float64
	for k, i := range group {
		m := sorted[i]
		members[k] = m
		sumLat += m.Lat
		sumLon += m.Lon
		if m.Category != "" {
			categories[m.Category]++
		}
	}
	n := len(members)

	return geomodel.Marker{
		ID:       ClusterID(members),
		Lat:      sumLat / float64(n),
		Lon:      sumLon / float64(n),
		Kind:     geomodel.KindCluster,
		Title:    fmt.Sprintf("%d items", n),
		Category: dominantCategory(categories),
		Facts:    map[string]string{"count": strconv.Itoa(n)},
		Members:  members,
	}
}

// dominantCategory breaks ties by name to stay deterministic.
func dominantCategory(categories map[string]int) string {
	best, bestCount := "", 0
	for name, count := range categories {
		if count > bestCount || (count == bestCount && name < best) {
			best, bestCount = name, count
		}
	}
	return best
}

// Stats summarises one clustering pass.
type Stats struct {
	Original         int     `json:"original"`
	Processed        int     `json:"processed"`
	Clusters         int     `json:"clusters"`
	Singletons       int     `json:"singletons"`
	ReductionPercent float64 `json:"reduction_percent"`
}

func Summarize(original int, processed []geomodel.Marker) Stats {
	s := Stats{
		Original:  original,
		Processed: len(processed),
	}
	for _, m := range processed {
		if m.IsCluster() {
			s.Clusters++
		} else {
			s.Singletons++
		}
	}
	if original > 0 {
		s.ReductionPercent = float64(original-len(processed)) / float64(original) * 100
	}
	return s
}

// Members returns the members of the cluster with the given id among markers.
func Members(markers []geomodel.Marker, clusterID string) ([]geomodel.Marker, bool) {
	for _, m := range markers {
		if m.ID == clusterID && m.IsCluster() {
			return m.Members, true
		}
	}
	return nil, false
}
