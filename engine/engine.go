package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/royalcat/geocluster/clusterer"
	"github.com/royalcat/geocluster/distcache"
	"github.com/royalcat/geocluster/geomodel"
	"github.com/royalcat/geocluster/popupcache"
	"github.com/royalcat/geocluster/reconciler"
	"github.com/royalcat/geocluster/scheduler"
)

var ErrUnknownMarker = errors.New("engine: unknown marker")

// Engine drives one rendering surface: input changes are debounced,
// clustered for the current zoom and reconciled onto the surface.
type Engine[H any] struct {
	clusterer  *clusterer.Clusterer
	distances  *distcache.Cache
	popups     *popupcache.Cache
	reconciler *reconciler.Reconciler[H]
	scheduler  *scheduler.Scheduler
	onActivate func(id string)
	log        *slog.Logger

	// orders input and viewport changes with their submissions
	submitMu sync.Mutex

	mu        sync.Mutex
	input     []geomodel.Marker
	viewport  geomodel.Viewport
	reference *geomodel.Coordinate
	rendered  []geomodel.Marker
	original  int
	report    reconciler.Report
	closed    bool
}

func New[H any](surface reconciler.Surface[H], opts ...Option) (*Engine[H], error) {
	options := loadOptions(opts...)
	if options.quietWindow < 0 {
		return nil, fmt.Errorf("engine: negative quiet window %s", options.quietWindow)
	}

	c, err := clusterer.New(options.cluster, options.distances)
	if err != nil {
		return nil, fmt.Errorf("failed to create clusterer: %w", err)
	}

	log := options.logger.With("component", "engine")
	e := &Engine[H]{
		clusterer:  c,
		distances:  options.distances,
		popups:     options.popups,
		onActivate: options.onActivate,
		log:        log,
		reference:  options.reference,
	}

	fit := options.fit
	fit.Reference = options.reference
	e.reconciler, err = reconciler.New(surface, e.activate,
		reconciler.WithFitPolicy(fit),
		reconciler.WithLogger(options.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}

	e.scheduler = scheduler.New(c.Cluster, e.apply,
		scheduler.WithQuietWindow(options.quietWindow),
		scheduler.WithLogger(options.logger),
	)
	return e, nil
}

// SetEntities replaces the input with host records. Records without a usable
// location are dropped.
func (e *Engine[H]) SetEntities(entities []geomodel.Entity) {
	e.SetMarkers(geomodel.MarkersFromEntities(entities))
}

func (e *Engine[H]) SetMarkers(markers []geomodel.Marker) {
	valid := geomodel.ValidMarkers(markers)

	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.input = valid
	zoom := e.viewport.Zoom
	e.mu.Unlock()

	e.scheduler.Submit(valid, zoom)
}

func (e *Engine[H]) SetViewport(v geomodel.Viewport) {
	v.Zoom = geomodel.ClampZoom(v.Zoom)

	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.viewport = v
	input := e.input
	e.mu.Unlock()

	e.scheduler.Submit(input, v.Zoom)
}

func (e *Engine[H]) Viewport() geomodel.Viewport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewport
}

// SetReference moves the viewer location. nil clears it.
func (e *Engine[H]) SetReference(c *geomodel.Coordinate) {
	e.mu.Lock()
	e.reference = c
	e.mu.Unlock()

	e.reconciler.SetReference(c)
}

// apply receives settled scheduler results.
func (e *Engine[H]) apply(res scheduler.Result) {
	report, err := e.reconciler.Reconcile(res.Markers)
	if err != nil {
		e.log.Debug("Dropping result for closed surface", "error", err)
		return
	}

	e.mu.Lock()
	e.rendered = res.Markers
	e.original = len(res.Input)
	e.report = report
	e.mu.Unlock()

	e.log.Debug("Applied clustering result",
		"zoom", res.Zoom,
		"input", len(res.Input),
		"markers", len(res.Markers),
		"elapsed", res.Elapsed,
	)
}

func (e *Engine[H]) activate(id string) {
	if e.onActivate != nil {
		e.onActivate(id)
	}
}

// Markers returns the processed set last reconciled onto the surface.
func (e *Engine[H]) Markers() []geomodel.Marker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.rendered)
}

type Stats struct {
	clusterer.Stats
	DistanceCacheSize int               `json:"distance_cache_size"`
	PopupCacheSize    int               `json:"popup_cache_size"`
	Recomputations    int64             `json:"recomputations"`
	Loading           bool              `json:"loading"`
	Handles           int               `json:"handles"`
	LastReport        reconciler.Report `json:"last_report"`
}

func (e *Engine[H]) Stats() Stats {
	e.mu.Lock()
	stats := Stats{
		Stats:      clusterer.Summarize(e.original, e.rendered),
		LastReport: e.report,
	}
	e.mu.Unlock()

	stats.DistanceCacheSize = e.distances.Len()
	stats.PopupCacheSize = e.popups.Len()
	stats.Recomputations = e.scheduler.Recomputations()
	stats.Loading = e.scheduler.Loading()
	stats.Handles = e.reconciler.Len()
	return stats
}

func (e *Engine[H]) Loading() bool {
	return e.scheduler.Loading()
}

// ClusterMembers returns the members of a rendered cluster.
func (e *Engine[H]) ClusterMembers(id string) ([]geomodel.Marker, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return clusterer.Members(e.rendered, id)
}

// ShowDetail opens the detail overlay for a rendered marker, or for a member
// of a rendered cluster.
func (e *Engine[H]) ShowDetail(id string) (popupcache.Payload, error) {
	e.mu.Lock()
	m, ok := findMarker(e.rendered, id)
	ref := e.reference
	e.mu.Unlock()

	if !ok {
		return popupcache.Payload{}, fmt.Errorf("%w: %q", ErrUnknownMarker, id)
	}

	var dist *float64
	if ref != nil {
		d := e.distances.Distance(*ref, m.Coordinate())
		dist = &d
	}
	payload := e.popups.Render(m, dist)

	if err := e.reconciler.ShowOverlay(m.Coordinate(), payload); err != nil {
		return payload, err
	}
	return payload, nil
}

func findMarker(markers []geomodel.Marker, id string) (geomodel.Marker, bool) {
	for _, m := range markers {
		if m.ID == id {
			return m, true
		}
	}
	for _, m := range markers {
		for _, member := range m.Members {
			if member.ID == id {
				return member, true
			}
		}
	}
	return geomodel.Marker{}, false
}

func (e *Engine[H]) HideDetail() error {
	return e.reconciler.HideOverlay()
}

// InvalidateCaches purges the distance and popup caches. Shared caches are
// purged for every engine using them.
func (e *Engine[H]) InvalidateCaches() {
	e.distances.Purge()
	e.popups.Purge()
}

// ForceRecompute clusters and reconciles the latest input now, even when it
// is unchanged.
func (e *Engine[H]) ForceRecompute() error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return reconciler.ErrClosed
	}

	e.scheduler.Force()
	return nil
}

// Close stops the scheduler and releases every surface object.
func (e *Engine[H]) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.scheduler.Close()
	return e.reconciler.Close()
}
