package engine_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/royalcat/geocluster/clusterer"
	"github.com/royalcat/geocluster/distcache"
	"github.com/royalcat/geocluster/engine"
	"github.com/royalcat/geocluster/geomodel"
	"github.com/royalcat/geocluster/popupcache"
	"github.com/royalcat/geocluster/reconciler"
	"github.com/royalcat/geocluster/surface"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const quiet = 20 * time.Millisecond

func float(v float64) *float64 {
	return &v
}

// grid lays out n entities 0.001 degrees apart around Paris, within ~1 km.
func grid(n int) []geomodel.Entity {
	entities := make([]geomodel.Entity, n)
	for i := range entities {
		entities[i] = geomodel.Entity{
			ID:       fmt.Sprintf("item-%02d", i),
			Lat:      float(48.8566 + float64(i/8)*0.001),
			Lon:      float(2.3522 + float64(i%8)*0.001),
			Title:    fmt.Sprintf("Item %d", i),
			Category: "tools",
		}
	}
	return entities
}

func newEngine(t *testing.T, mem *surface.Memory, opts ...engine.Option) *engine.Engine[surface.Handle] {
	t.Helper()
	dist, err := distcache.New(1000)
	if err != nil {
		t.Fatal(err)
	}
	popups, err := popupcache.New(10, nil)
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]engine.Option{
		engine.WithQuietWindow(quiet),
		engine.WithDistanceCache(dist),
		engine.WithPopupCache(popups),
	}, opts...)

	e, err := engine.New[surface.Handle](mem, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// rendered is true once a pass with n markers has been reconciled.
func rendered(e *engine.Engine[surface.Handle], n int) func() bool {
	return func() bool {
		return len(e.Markers()) == n
	}
}

func TestClustersOntoSurface(t *testing.T) {
	mem := surface.NewMemory()
	e := newEngine(t, mem, engine.WithFitPolicy(reconciler.DefaultFitPolicy()))

	entities := grid(60)
	entities = append(entities, geomodel.Entity{ID: "broken", Lat: float(48.85)})

	e.SetViewport(geomodel.Viewport{Zoom: 10})
	e.SetEntities(entities)
	waitFor(t, "first pass", rendered(e, 1))

	markers := mem.Markers()
	if !clusterer.IsClusterID(markers[0].Marker.ID) || markers[0].Marker.Size() != 60 {
		t.Fatalf("surface marker = %s of size %d, want one cluster of 60", markers[0].Marker.ID, markers[0].Marker.Size())
	}

	stats := e.Stats()
	if stats.Original != 60 || stats.Clusters != 1 || stats.Processed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.DistanceCacheSize == 0 {
		t.Error("distance cache was not used")
	}

	members, ok := e.ClusterMembers(markers[0].Marker.ID)
	if !ok || len(members) != 60 {
		t.Errorf("cluster members = %d, %v", len(members), ok)
	}

	// zooming past the ceiling shows every entity without moving the viewport
	e.SetViewport(geomodel.Viewport{Zoom: 16})
	waitFor(t, "zoomed pass", rendered(e, 60))
	if got := len(mem.Fits()); got != 1 {
		t.Errorf("fits = %d, want 1", got)
	}
	if got := e.Viewport().Zoom; got != 16 {
		t.Errorf("viewport zoom = %d", got)
	}
}

func TestBelowThreshold(t *testing.T) {
	mem := surface.NewMemory()
	e := newEngine(t, mem)

	e.SetViewport(geomodel.Viewport{Zoom: 10})
	e.SetEntities(grid(5))
	waitFor(t, "pass", rendered(e, 5))

	for _, o := range mem.Markers() {
		if o.Marker.IsCluster() {
			t.Errorf("unexpected cluster %s", o.Marker.ID)
		}
	}
}

func TestUnchangedInputSkipped(t *testing.T) {
	mem := surface.NewMemory()
	e := newEngine(t, mem)

	e.SetViewport(geomodel.Viewport{Zoom: 10})
	e.SetEntities(grid(5))
	waitFor(t, "pass", rendered(e, 5))

	e.SetEntities(grid(5))
	e.SetViewport(geomodel.Viewport{Zoom: 10})
	time.Sleep(5 * quiet)

	if got := e.Stats().Recomputations; got != 1 {
		t.Errorf("recomputations = %d, want 1", got)
	}
	if got := mem.Counters().Created; got != 5 {
		t.Errorf("created = %d, want 5", got)
	}
}

func TestActivationAndDetail(t *testing.T) {
	mem := surface.NewMemory()
	var mu sync.Mutex
	var activated []string
	e := newEngine(t, mem,
		engine.WithActivation(func(id string) {
			mu.Lock()
			defer mu.Unlock()
			activated = append(activated, id)
		}),
		engine.WithReference(geomodel.Coordinate{Lat: 48.8566, Lon: 2.3622}),
	)

	e.SetViewport(geomodel.Viewport{Zoom: 10})
	e.SetEntities(grid(60))
	waitFor(t, "pass", rendered(e, 1))

	o := mem.Markers()[0]
	if !mem.Activate(o.Handle) {
		t.Fatal("activation failed")
	}
	mu.Lock()
	if len(activated) != 1 || activated[0] != o.Marker.ID {
		t.Errorf("activated = %v, want %s", activated, o.Marker.ID)
	}
	mu.Unlock()

	payload, err := e.ShowDetail(o.Marker.ID)
	if err != nil {
		t.Fatal(err)
	}
	if payload.Count != 60 || payload.Distance == "" {
		t.Errorf("payload = %+v", payload)
	}
	if _, ok := mem.Overlay(); !ok {
		t.Error("no overlay on the surface")
	}

	// members of a rendered cluster have details too
	if p, err := e.ShowDetail("item-07"); err != nil || p.Title != "Item 7" {
		t.Errorf("member detail = %+v, %v", p, err)
	}

	if _, err := e.ShowDetail("missing"); !errors.Is(err, engine.ErrUnknownMarker) {
		t.Errorf("ShowDetail(missing) = %v, want ErrUnknownMarker", err)
	}

	if err := e.HideDetail(); err != nil {
		t.Fatal(err)
	}
	if _, ok := mem.Overlay(); ok {
		t.Error("overlay still open")
	}
}

func TestSetReference(t *testing.T) {
	mem := surface.NewMemory()
	e := newEngine(t, mem,
		engine.WithFitPolicy(reconciler.DefaultFitPolicy()),
		engine.WithReference(geomodel.Coordinate{Lat: 48.8566, Lon: 2.3622}),
	)

	e.SetViewport(geomodel.Viewport{Zoom: 10})
	e.SetEntities(grid(60))
	waitFor(t, "pass", rendered(e, 1))
	if n := len(mem.Fits()); n != 1 {
		t.Fatalf("fits = %d, want 1", n)
	}
	id := e.Markers()[0].ID

	near, err := e.ShowDetail(id)
	if err != nil {
		t.Fatal(err)
	}

	far := geomodel.Coordinate{Lat: 48.95, Lon: 2.45}
	e.SetReference(&far)
	if err := e.ForceRecompute(); err != nil {
		t.Fatal(err)
	}
	fits := mem.Fits()
	if len(fits) != 2 {
		t.Fatalf("fits after moving the reference = %d, want 2", len(fits))
	}
	if !fits[1].Bound.Contains(far.Point()) {
		t.Errorf("fitted bound %v does not contain the new reference", fits[1].Bound)
	}

	moved, err := e.ShowDetail(id)
	if err != nil {
		t.Fatal(err)
	}
	if moved.Distance == "" || moved.Distance == near.Distance {
		t.Errorf("distance = %q after moving the reference, was %q", moved.Distance, near.Distance)
	}

	e.SetReference(nil)
	cleared, err := e.ShowDetail(id)
	if err != nil {
		t.Fatal(err)
	}
	if cleared.Distance != "" {
		t.Errorf("distance without a reference = %q", cleared.Distance)
	}
}

func TestConcurrentInputAndViewport(t *testing.T) {
	mem := surface.NewMemory()
	e := newEngine(t, mem)

	shifted := func(k int) []geomodel.Entity {
		entities := grid(60)
		for i := range entities {
			*entities[i].Lat += float64(k) * 0.0001
		}
		return entities
	}

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.SetEntities(shifted(i))
		}()
		go func() {
			defer wg.Done()
			e.SetViewport(geomodel.Viewport{Zoom: []int{5, 17}[i%2]})
		}()
	}
	wg.Wait()

	if err := e.ForceRecompute(); err != nil {
		t.Fatal(err)
	}
	want := 1
	if e.Viewport().Zoom == 17 {
		want = 60
	}
	if got := len(e.Markers()); got != want {
		t.Errorf("markers = %d at zoom %d, want %d", got, e.Viewport().Zoom, want)
	}
}

func TestForceAndInvalidate(t *testing.T) {
	mem := surface.NewMemory()
	e := newEngine(t, mem)

	e.SetViewport(geomodel.Viewport{Zoom: 10})
	e.SetEntities(grid(60))
	waitFor(t, "pass", rendered(e, 1))

	e.InvalidateCaches()
	if got := e.Stats().DistanceCacheSize; got != 0 {
		t.Errorf("distance cache size after invalidate = %d", got)
	}

	if err := e.ForceRecompute(); err != nil {
		t.Fatal(err)
	}
	stats := e.Stats()
	if stats.Recomputations != 2 {
		t.Errorf("recomputations = %d, want 2", stats.Recomputations)
	}
	if stats.DistanceCacheSize == 0 {
		t.Error("forced pass did not refill the distance cache")
	}
	if stats.LastReport.Unchanged != 1 {
		t.Errorf("forced pass report = %+v, want the cluster unchanged", stats.LastReport)
	}
}

func TestCreateFailureRecovers(t *testing.T) {
	mem := surface.NewMemory()
	mem.SetReady(false)
	e := newEngine(t, mem)

	e.SetViewport(geomodel.Viewport{Zoom: 10})
	e.SetEntities(grid(3))
	waitFor(t, "failed pass", func() bool { return e.Stats().LastReport.Failed == 3 })
	if mem.Len() != 0 {
		t.Fatal("surface accepted markers before it was ready")
	}

	mem.SetReady(true)
	e.SetViewport(geomodel.Viewport{Zoom: 11})
	waitFor(t, "retry", func() bool { return mem.Len() == 3 })
}

func TestClose(t *testing.T) {
	mem := surface.NewMemory()
	e := newEngine(t, mem)

	e.SetViewport(geomodel.Viewport{Zoom: 10})
	e.SetEntities(grid(5))
	waitFor(t, "pass", rendered(e, 5))

	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if mem.Len() != 0 {
		t.Errorf("surface still holds %d markers", mem.Len())
	}

	e.SetEntities(grid(8))
	time.Sleep(5 * quiet)
	if mem.Len() != 0 {
		t.Error("closed engine rendered markers")
	}
	if err := e.ForceRecompute(); !errors.Is(err, reconciler.ErrClosed) {
		t.Errorf("ForceRecompute after close = %v, want ErrClosed", err)
	}
}

func TestInvalidOptions(t *testing.T) {
	opts := clusterer.DefaultOptions()
	opts.Threshold = -1
	if _, err := engine.New[surface.Handle](surface.NewMemory(), engine.WithClusterOptions(opts)); !errors.Is(err, clusterer.ErrInvalidOptions) {
		t.Errorf("New with invalid options = %v", err)
	}
	if _, err := engine.New[surface.Handle](surface.NewMemory(), engine.WithQuietWindow(-time.Second)); err == nil {
		t.Error("negative quiet window accepted")
	}
}
