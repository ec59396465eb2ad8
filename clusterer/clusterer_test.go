package clusterer_test

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/royalcat/geocluster/clusterer"
	"github.com/royalcat/geocluster/distcache"
	"github.com/royalcat/geocluster/geomodel"
)

func newClusterer(t testing.TB, opts clusterer.Options) *clusterer.Clusterer {
	t.Helper()
	cache, err := distcache.New(distcache.DefaultCapacity)
	if err != nil {
		t.Fatal(err)
	}
	c, err := clusterer.New(opts, cache)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// aroundPoint spreads n markers uniformly within radiusKm of center.
func aroundPoint(rnd *rand.Rand, n int, center geomodel.Coordinate, radiusKm float64) []geomodel.Marker {
	markers := make([]geomodel.Marker, n)
	for i := range markers {
		r := radiusKm * math.Sqrt(rnd.Float64())
		θ := rnd.Float64() * 2 * math.Pi
		dLat := distcache.KmToDegrees(r * math.Sin(θ))
		dLon := distcache.KmToDegrees(r*math.Cos(θ)) / math.Cos(center.Lat*math.Pi/180)
		markers[i] = geomodel.Marker{
			ID:       fmt.Sprintf("item-%03d", i),
			Lat:      center.Lat + dLat,
			Lon:      center.Lon + dLon,
			Title:    fmt.Sprintf("Item %d", i),
			Category: []string{"books", "tools", "toys"}[i%3],
		}
	}
	return markers
}

func scattered(rnd *rand.Rand, n int) []geomodel.Marker {
	markers := make([]geomodel.Marker, n)
	for i := range markers {
		markers[i] = geomodel.Marker{
			ID:  fmt.Sprintf("m%d", i),
			Lat: 48 + rnd.Float64()*2,
			Lon: 2 + rnd.Float64()*3,
		}
	}
	return markers
}

var center = geomodel.Coordinate{Lat: 48.8566, Lon: 2.3522}

func TestSixtyMarkersWithinOneKm(t *testing.T) {
	c := newClusterer(t, clusterer.DefaultOptions())
	markers := aroundPoint(rand.New(rand.NewPCG(1, 1)), 60, center, 1)

	out := c.Cluster(markers, 10)
	if len(out) != 1 {
		t.Fatalf("expected a single cluster, got %d markers", len(out))
	}
	if out[0].Kind != geomodel.KindCluster || len(out[0].Members) != 60 {
		t.Fatalf("expected a cluster of 60, got %s with %d members", out[0].Kind, len(out[0].Members))
	}
	if !clusterer.IsClusterID(out[0].ID) {
		t.Fatalf("unexpected cluster id %q", out[0].ID)
	}
	if distcache.Haversine(out[0].Coordinate(), center) > 1 {
		t.Fatalf("centroid %v too far from %v", out[0].Coordinate(), center)
	}
}

func TestBelowThreshold(t *testing.T) {
	c := newClusterer(t, clusterer.DefaultOptions())
	markers := aroundPoint(rand.New(rand.NewPCG(2, 2)), 5, center, 0.1)

	for _, zoom := range []int{0, 10, 15, 22} {
		out := c.Cluster(markers, zoom)
		if diff := cmp.Diff(markers, out); diff != "" {
			t.Fatalf("zoom %d: expected pass-through (-want +got):\n%s", zoom, diff)
		}
	}
}

func TestAboveZoomCeiling(t *testing.T) {
	c := newClusterer(t, clusterer.DefaultOptions())
	markers := aroundPoint(rand.New(rand.NewPCG(3, 3)), 200, center, 0.1)

	out := c.Cluster(markers, clusterer.DefaultZoomCeiling+1)
	if diff := cmp.Diff(markers, out); diff != "" {
		t.Fatalf("expected pass-through (-want +got):\n%s", diff)
	}

	out = c.Cluster(markers, clusterer.DefaultZoomCeiling)
	if len(out) >= len(markers) {
		t.Fatalf("expected clustering at the ceiling, got %d markers", len(out))
	}
}

func TestDeterminism(t *testing.T) {
	c := newClusterer(t, clusterer.DefaultOptions())
	markers := scattered(rand.New(rand.NewPCG(4, 4)), 800)

	for _, zoom := range []int{4, 8, 12} {
		first := c.Cluster(markers, zoom)
		second := c.Cluster(markers, zoom)
		if diff := cmp.Diff(first, second); diff != "" {
			t.Fatalf("zoom %d: output differs between passes:\n%s", zoom, diff)
		}
	}
}

func TestContainment(t *testing.T) {
	c := newClusterer(t, clusterer.DefaultOptions())
	markers := scattered(rand.New(rand.NewPCG(5, 5)), 600)

	for zoom := 5; zoom <= 15; zoom++ {
		seen := map[string]int{}
		for _, m := range c.Cluster(markers, zoom) {
			if m.IsCluster() {
				if len(m.Members) < 2 {
					t.Fatalf("zoom %d: cluster %s has %d members", zoom, m.ID, len(m.Members))
				}
				for _, member := range m.Members {
					seen[member.ID]++
				}
				continue
			}
			seen[m.ID]++
		}
		for _, m := range markers {
			if seen[m.ID] != 1 {
				t.Fatalf("zoom %d: marker %s appears %d times", zoom, m.ID, seen[m.ID])
			}
		}
		if len(seen) != len(markers) {
			t.Fatalf("zoom %d: expected %d markers, got %d", zoom, len(markers), len(seen))
		}
	}
}

func TestBoundaryInclusive(t *testing.T) {
	cache, err := distcache.New(16)
	if err != nil {
		t.Fatal(err)
	}
	a := geomodel.Marker{ID: "a", Lat: 10, Lon: 20}
	b := geomodel.Marker{ID: "b", Lat: 10.01, Lon: 20.01}
	d := cache.Distance(a.Coordinate(), b.Coordinate())

	for _, strategy := range []clusterer.Strategy{clusterer.StrategyScan, clusterer.StrategyIndex} {
		t.Run(string(strategy), func(t *testing.T) {
			opts := clusterer.Options{
				Threshold:   0,
				ZoomCeiling: 15,
				Radius:      clusterer.RadiusPolicy{BaseKm: d, ReferenceZoom: 12},
				Strategy:    strategy,
			}
			c, err := clusterer.New(opts, cache)
			if err != nil {
				t.Fatal(err)
			}
			if out := c.Cluster([]geomodel.Marker{a, b}, 12); len(out) != 1 {
				t.Fatalf("markers exactly radius apart: expected one cluster, got %d markers", len(out))
			}

			opts.Radius.BaseKm = math.Nextafter(d, 0)
			c, err = clusterer.New(opts, cache)
			if err != nil {
				t.Fatal(err)
			}
			if out := c.Cluster([]geomodel.Marker{a, b}, 12); len(out) != 2 {
				t.Fatalf("markers past radius: expected two singletons, got %d markers", len(out))
			}
		})
	}
}

func TestStrategiesAgree(t *testing.T) {
	markers := scattered(rand.New(rand.NewPCG(6, 6)), 1500)
	markers = append(markers,
		geomodel.Marker{ID: "am-west", Lat: 0, Lon: 179.999},
		geomodel.Marker{ID: "am-east", Lat: 0, Lon: -179.999},
		geomodel.Marker{ID: "pole-a", Lat: 89.999, Lon: 0},
		geomodel.Marker{ID: "pole-b", Lat: 89.999, Lon: 180},
	)

	opts := clusterer.DefaultOptions()
	opts.Strategy = clusterer.StrategyScan
	scan := newClusterer(t, opts)
	opts.Strategy = clusterer.StrategyIndex
	index := newClusterer(t, opts)

	for _, zoom := range []int{2, 6, 9, 12, 15} {
		if diff := cmp.Diff(scan.Cluster(markers, zoom), index.Cluster(markers, zoom)); diff != "" {
			t.Fatalf("zoom %d: strategies disagree (-scan +index):\n%s", zoom, diff)
		}
	}
}

func TestEdgeCases(t *testing.T) {
	opts := clusterer.DefaultOptions()
	opts.Threshold = 0
	c := newClusterer(t, opts)

	if out := c.Cluster(nil, 10); len(out) != 0 {
		t.Fatalf("expected empty output, got %v", out)
	}

	coincident := make([]geomodel.Marker, 10)
	for i := range coincident {
		coincident[i] = geomodel.Marker{ID: fmt.Sprintf("c%d", i), Lat: 1, Lon: 1}
	}
	out := c.Cluster(coincident, 15)
	if len(out) != 1 || len(out[0].Members) != 10 {
		t.Fatalf("expected one cluster of 10, got %+v", out)
	}
	if out[0].Lat != 1 || out[0].Lon != 1 {
		t.Fatalf("unexpected centroid %v", out[0].Coordinate())
	}

	reversed := make([]geomodel.Marker, len(coincident))
	for i, m := range coincident {
		reversed[len(coincident)-1-i] = m
	}
	if again := c.Cluster(reversed, 15); again[0].ID != out[0].ID {
		t.Fatalf("cluster id depends on member order: %s vs %s", again[0].ID, out[0].ID)
	}
}

func TestMalformedSkipped(t *testing.T) {
	opts := clusterer.DefaultOptions()
	opts.Threshold = 0
	c := newClusterer(t, opts)

	markers := []geomodel.Marker{
		{ID: "a", Lat: 1, Lon: 1},
		{ID: "nan", Lat: math.NaN(), Lon: 1},
		{ID: "inf", Lat: 1, Lon: math.Inf(-1)},
		{ID: "", Lat: 1, Lon: 1},
		{ID: "b", Lat: 1, Lon: 1},
	}
	out := c.Cluster(markers, 10)
	if len(out) != 1 || len(out[0].Members) != 2 {
		t.Fatalf("expected one cluster of the two valid markers, got %+v", out)
	}
}

func TestClusterMetadata(t *testing.T) {
	opts := clusterer.DefaultOptions()
	opts.Threshold = 0
	c := newClusterer(t, opts)

	out := c.Cluster([]geomodel.Marker{
		{ID: "a", Lat: 1, Lon: 1, Category: "tools"},
		{ID: "b", Lat: 1, Lon: 1, Category: "books"},
		{ID: "c", Lat: 1, Lon: 1, Category: "tools"},
	}, 10)
	if len(out) != 1 {
		t.Fatalf("expected one cluster, got %d", len(out))
	}
	if out[0].Category != "tools" || out[0].Title != "3 items" || out[0].Facts["count"] != "3" {
		t.Fatalf("unexpected cluster metadata %+v", out[0])
	}

	members, ok := clusterer.Members(out, out[0].ID)
	if !ok || len(members) != 3 {
		t.Fatalf("expected 3 members, got %v", members)
	}
}

func TestSummarize(t *testing.T) {
	s := clusterer.Summarize(10, []geomodel.Marker{
		{ID: "a"},
		{ID: "c", Kind: geomodel.KindCluster, Members: make([]geomodel.Marker, 9)},
	})
	expected := clusterer.Stats{Original: 10, Processed: 2, Clusters: 1, Singletons: 1, ReductionPercent: 80}
	if s != expected {
		t.Fatalf("expected %+v, got %+v", expected, s)
	}
	if z := clusterer.Summarize(0, nil); z.ReductionPercent != 0 {
		t.Fatalf("expected zero reduction, got %v", z.ReductionPercent)
	}
}

func TestRadiusShrinksWithZoom(t *testing.T) {
	p := clusterer.DefaultRadiusPolicy()
	for zoom := 1; zoom <= 22; zoom++ {
		if p.RadiusKm(zoom) >= p.RadiusKm(zoom-1) {
			t.Fatalf("radius did not shrink from zoom %d to %d", zoom-1, zoom)
		}
	}
	if r := p.RadiusKm(10); r < 2 {
		t.Fatalf("radius at zoom 10 too small to group a 1 km neighbourhood: %f", r)
	}
}

func TestOptionsValidate(t *testing.T) {
	base := clusterer.DefaultOptions()
	cases := map[string]func(o *clusterer.Options){
		"negative threshold": func(o *clusterer.Options) { o.Threshold = -1 },
		"ceiling too high":   func(o *clusterer.Options) { o.ZoomCeiling = geomodel.MaxZoom + 1 },
		"zero radius":        func(o *clusterer.Options) { o.Radius.BaseKm = 0 },
		"nan radius":         func(o *clusterer.Options) { o.Radius.BaseKm = math.NaN() },
		"unknown strategy":   func(o *clusterer.Options) { o.Strategy = "quadtree" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			opts := base
			mutate(&opts)
			if _, err := clusterer.New(opts, nil); !errors.Is(err, clusterer.ErrInvalidOptions) {
				t.Fatalf("expected ErrInvalidOptions, got %v", err)
			}
		})
	}
}

func BenchmarkCluster(b *testing.B) {
	markers := scattered(rand.New(rand.NewPCG(7, 7)), 5000)
	for _, strategy := range []clusterer.Strategy{clusterer.StrategyScan, clusterer.StrategyIndex} {
		opts := clusterer.DefaultOptions()
		opts.Strategy = strategy
		c := newClusterer(b, opts)
		b.Run(string(strategy), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				c.Cluster(markers, 12)
			}
		})
	}
}
