package distcache_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/royalcat/geocluster/distcache"
	"github.com/royalcat/geocluster/geomodel"
	"go.uber.org/goleak"
)

var (
	paris = geomodel.Coordinate{Lat: 48.8566, Lon: 2.3522}
	lyon  = geomodel.Coordinate{Lat: 45.7640, Lon: 4.8357}
)

func TestNewInvalidCapacity(t *testing.T) {
	for _, capacity := range []int{0, -1} {
		_, err := distcache.New(capacity)
		if !errors.Is(err, distcache.ErrInvalidCapacity) {
			t.Fatalf("capacity %d: expected ErrInvalidCapacity, got %v", capacity, err)
		}
	}
}

func TestParisLyon(t *testing.T) {
	c, err := distcache.New(16)
	if err != nil {
		t.Fatal(err)
	}

	direct := distcache.Haversine(paris, lyon)
	if math.Abs(direct-392) > 1 {
		t.Fatalf("expected ~392 km, got %f", direct)
	}

	cold := c.Distance(paris, lyon)
	warm := c.Distance(paris, lyon)
	if cold != warm {
		t.Fatalf("cold %f != warm %f", cold, warm)
	}
	if math.Abs(cold-direct) > 1e-6 {
		t.Fatalf("cached %f differs from direct %f", cold, direct)
	}
	if math.Abs(cold-direct) > 1 {
		t.Fatalf("expected within 1 km of %f, got %f", direct, cold)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Len())
	}
}

func TestOffGridDistance(t *testing.T) {
	c, err := distcache.New(16)
	if err != nil {
		t.Fatal(err)
	}

	a := geomodel.Coordinate{Lat: 48.85664, Lon: 2.35224}
	b := geomodel.Coordinate{Lat: 48.85665, Lon: 2.35226}
	direct := distcache.Haversine(a, b)
	if direct > 0.003 {
		t.Fatalf("expected about 1.8 m, got %f km", direct)
	}

	cold := c.Distance(a, b)
	warm := c.Distance(b, a)
	if math.Abs(cold-direct) > 1e-6 {
		t.Fatalf("cached %f differs from direct %f", cold, direct)
	}
	if cold != warm {
		t.Fatalf("cold %f != warm %f", cold, warm)
	}
}

func TestSymmetricKey(t *testing.T) {
	c, err := distcache.New(16)
	if err != nil {
		t.Fatal(err)
	}

	ab := c.Distance(paris, lyon)
	ba := c.Distance(lyon, paris)
	if ab != ba {
		t.Fatalf("expected symmetric distances, got %f and %f", ab, ba)
	}
	if c.Len() != 1 {
		t.Fatalf("expected a shared entry, got %d entries", c.Len())
	}
}

func TestBound(t *testing.T) {
	const capacity = 100
	c, err := distcache.New(capacity)
	if err != nil {
		t.Fatal(err)
	}

	for i := range 1000 {
		a := geomodel.Coordinate{Lat: float64(i) / 100, Lon: 0}
		c.Distance(a, paris)
		if c.Len() > capacity {
			t.Fatalf("cache grew to %d entries past capacity %d", c.Len(), capacity)
		}
	}
	if c.Len() != capacity {
		t.Fatalf("expected full cache, got %d", c.Len())
	}
}

func TestSweep(t *testing.T) {
	c, err := distcache.New(100)
	if err != nil {
		t.Fatal(err)
	}

	for i := range 80 {
		c.Distance(geomodel.Coordinate{Lat: float64(i) / 100}, paris)
	}
	if n := c.Sweep(); n != 0 {
		t.Fatalf("expected no sweep at the high-water mark, removed %d", n)
	}

	for i := 80; i < 100; i++ {
		c.Distance(geomodel.Coordinate{Lat: float64(i) / 100}, paris)
	}
	if n := c.Sweep(); n != 25 {
		t.Fatalf("expected oldest quartile (25) removed, got %d", n)
	}
	if c.Len() != 75 {
		t.Fatalf("expected 75 entries, got %d", c.Len())
	}
}

func TestRunSweeperStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, err := distcache.New(10)
	if err != nil {
		t.Fatal(err)
	}
	for i := range 10 {
		c.Distance(geomodel.Coordinate{Lat: float64(i)}, paris)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for c.Len() == 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if c.Len() >= 10 {
		t.Fatalf("expected sweeper to trim the cache, got %d entries", c.Len())
	}
}

func FuzzDistance(f *testing.F) {
	f.Add(48.8566, 2.3522, 45.7640, 4.8357)
	f.Add(0.0, 0.0, 0.0, 0.0)
	f.Add(-89.9, 179.9, 89.9, -179.9)

	c, err := distcache.New(64)
	if err != nil {
		f.Fatal(err)
	}

	f.Fuzz(func(t *testing.T, lat1, lon1, lat2, lon2 float64) {
		a := geomodel.Coordinate{Lat: lat1, Lon: lon1}
		b := geomodel.Coordinate{Lat: lat2, Lon: lon2}
		if !a.Valid() || !b.Valid() {
			t.Skip()
		}

		c.Purge()
		cold := c.Distance(a, b)
		warm := c.Distance(b, a)
		if cold != warm {
			t.Fatalf("distance not stable: %f vs %f", cold, warm)
		}
		direct := distcache.Haversine(a, b)
		if math.Abs(cold-direct) > 1e-6 {
			t.Fatalf("cached %f differs from direct %f", cold, direct)
		}
	})
}

func BenchmarkDistance(b *testing.B) {
	c, err := distcache.New(distcache.DefaultCapacity)
	if err != nil {
		b.Fatal(err)
	}
	points := make([]geomodel.Coordinate, 256)
	for i := range points {
		points[i] = geomodel.Coordinate{Lat: 48 + float64(i)/1000, Lon: 2 + float64(i%16)/1000}
	}

	for _, warm := range []bool{false, true} {
		b.Run(fmt.Sprintf("warm=%v", warm), func(b *testing.B) {
			if !warm {
				c.Purge()
			}
			for i := 0; i < b.N; i++ {
				c.Distance(points[i%len(points)], points[(i*7)%len(points)])
			}
		})
	}
}
