package popupcache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/goware/singleflight"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/royalcat/geocluster/geomodel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const DefaultCapacity = 100

var ErrInvalidCapacity = errors.New("popupcache: capacity must be positive")

var meter = otel.Meter("github.com/royalcat/geocluster/popupcache")

// Cache memoizes rendered detail payloads. Entries are keyed by the fields
// that affect rendering, so a changed title, category or distance renders
// again; nothing else invalidates an entry.
type Cache struct {
	lru         *lru.Cache[string, Payload]
	renderGroup singleflight.Group[string, Payload]
	render      RenderFunc

	metricHits   metric.Int64Counter
	metricMisses metric.Int64Counter
}

// New creates a cache holding at most capacity payloads. A nil render uses
// DefaultRender.
func New(capacity int, render RenderFunc) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	if render == nil {
		render = DefaultRender
	}

	l, err := lru.New[string, Payload](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}

	c := &Cache{
		lru:    l,
		render: render,
	}
	if c.metricHits, err = meter.Int64Counter("popupcache_hits_total"); err != nil {
		return nil, err
	}
	if c.metricMisses, err = meter.Int64Counter("popupcache_misses_total"); err != nil {
		return nil, err
	}
	return c, nil
}

var shared = sync.OnceValue(func() *Cache {
	c, err := New(DefaultCapacity, nil)
	if err != nil {
		panic(err)
	}
	return c
})

func Default() *Cache {
	return shared()
}

// Render returns the payload for marker, rendering it at most once per key.
// Concurrent renders of the same key share one call.
func (c *Cache) Render(marker geomodel.Marker, distanceKm *float64) Payload {
	key := Key(marker, distanceKm)
	if p, ok := c.lru.Get(key); ok {
		c.metricHits.Add(context.Background(), 1)
		return clonePayload(p)
	}

	p, _, _ := c.renderGroup.Do(key, func() (Payload, error) {
		if p, ok := c.lru.Get(key); ok {
			return p, nil
		}
		c.metricMisses.Add(context.Background(), 1)
		p := c.render(marker, distanceKm)
		c.lru.Add(key, clonePayload(p))
		return p, nil
	})
	return clonePayload(p)
}

func (c *Cache) Len() int {
	return c.lru.Len()
}

func (c *Cache) Purge() {
	c.lru.Purge()
}

// Key is id|title|category|distance, the distance rounded to 0.1 km and
// empty when unknown.
func Key(marker geomodel.Marker, distanceKm *float64) string {
	var b strings.Builder
	b.WriteString(marker.ID)
	b.WriteByte('|')
	b.WriteString(marker.Title)
	b.WriteByte('|')
	b.WriteString(marker.Category)
	b.WriteByte('|')
	if distanceKm != nil {
		b.WriteString(strconv.FormatFloat(*distanceKm, 'f', 1, 64))
	}
	return b.String()
}

func clonePayload(p Payload) Payload {
	p.Lines = slices.Clone(p.Lines)
	return p
}
