package distcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/royalcat/geocluster/geomodel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultCapacity = 10_000

	// coordinates are rounded to 4 decimal places (~11 m) before lookup
	precision = 1e4
	// Quantum is the rounding step applied to coordinates, in degrees.
	Quantum = 1 / precision

	highWaterRatio = 0.8
)

var ErrInvalidCapacity = errors.New("distcache: capacity must be positive")

var meter = otel.Meter("github.com/royalcat/geocluster/distcache")

// Cache memoizes great-circle distances between quantized coordinate pairs.
// It is safe for concurrent use and may be shared between engines: values are
// a pure function of their keys.
type Cache struct {
	capacity int
	lru      *lru.Cache[string, float64]
	log      *slog.Logger

	metricHits      metric.Int64Counter
	metricMisses    metric.Int64Counter
	metricEvictions metric.Int64Counter
	metricSwept     metric.Int64Counter
}

func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}

	c := &Cache{
		capacity: capacity,
		log:      slog.With("component", "distcache"),
	}

	var err error
	if c.metricHits, err = meter.Int64Counter("distcache_hits_total"); err != nil {
		return nil, err
	}
	if c.metricMisses, err = meter.Int64Counter("distcache_misses_total"); err != nil {
		return nil, err
	}
	if c.metricEvictions, err = meter.Int64Counter("distcache_evictions_total"); err != nil {
		return nil, err
	}
	if c.metricSwept, err = meter.Int64Counter("distcache_swept_total"); err != nil {
		return nil, err
	}

	c.lru, err = lru.NewWithEvict(capacity, func(string, float64) {
		c.metricEvictions.Add(context.Background(), 1)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}

	return c, nil
}

var shared = sync.OnceValue(func() *Cache {
	c, err := New(DefaultCapacity)
	if err != nil {
		panic(err)
	}
	return c
})

// Default returns the process-wide cache used when none is injected.
func Default() *Cache {
	return shared()
}

// Distance returns the haversine distance in kilometers between a and b.
// Entries are keyed by both points rounded to Quantum, so the first pair seen
// for a key answers for every pair in the same cell. The argument order does
// not matter.
func (c *Cache) Distance(a, b geomodel.Coordinate) float64 {
	ka, kb := Round(a), Round(b)
	if less(kb, ka) {
		ka, kb = kb, ka
	}
	key := pairKey(ka, kb)

	if d, ok := c.lru.Get(key); ok {
		c.metricHits.Add(context.Background(), 1)
		return d
	}
	c.metricMisses.Add(context.Background(), 1)

	d := Haversine(a, b)
	c.lru.Add(key, d)
	return d
}

func (c *Cache) Len() int {
	return c.lru.Len()
}

func (c *Cache) Cap() int {
	return c.capacity
}

func (c *Cache) Purge() {
	c.lru.Purge()
}

// Sweep drops the oldest quarter of entries once the cache is past its
// high-water mark, so sustained load does not evict on every insert.
func (c *Cache) Sweep() int {
	n := c.lru.Len()
	if float64(n) <= float64(c.capacity)*highWaterRatio {
		return 0
	}

	removed := 0
	for range n / 4 {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		removed++
	}
	c.metricSwept.Add(context.Background(), int64(removed))
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.log.DebugContext(ctx, "swept distance cache", "removed", n, "size", c.lru.Len())
			}
		}
	}
}

// Round quantizes c to the cache precision.
func Round(c geomodel.Coordinate) geomodel.Coordinate {
	return geomodel.Coordinate{
		Lat: math.Round(c.Lat*precision) / precision,
		Lon: math.Round(c.Lon*precision) / precision,
	}
}

func less(a, b geomodel.Coordinate) bool {
	if a.Lat != b.Lat {
		return a.Lat < b.Lat
	}
	return a.Lon < b.Lon
}

func pairKey(a, b geomodel.Coordinate) string {
	buf := make([]byte, 0, 48)
	buf = strconv.AppendFloat(buf, a.Lat, 'f', 4, 64)
	buf = append(buf, ',')
	buf = strconv.AppendFloat(buf, a.Lon, 'f', 4, 64)
	buf = append(buf, '|')
	buf = strconv.AppendFloat(buf, b.Lat, 'f', 4, 64)
	buf = append(buf, ',')
	buf = strconv.AppendFloat(buf, b.Lon, 'f', 4, 64)
	return string(buf)
}
