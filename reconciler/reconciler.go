package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/paulmach/orb"
	"github.com/royalcat/geocluster/geomodel"
	"github.com/royalcat/geocluster/popupcache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var ErrClosed = errors.New("reconciler: closed")

var meter = otel.Meter("github.com/royalcat/geocluster/reconciler")

// Report counts the surface operations of one pass. Failed covers create,
// update and destroy calls the surface rejected.
type Report struct {
	Created   int  `json:"created"`
	Updated   int  `json:"updated"`
	Destroyed int  `json:"destroyed"`
	Unchanged int  `json:"unchanged"`
	Failed    int  `json:"failed"`
	Fitted    bool `json:"fitted"`
}

type entry[H any] struct {
	handle H
	coord  geomodel.Coordinate
}

// Reconciler owns every object on one surface. It converges the surface to
// each processed marker set with the fewest create, update and destroy calls,
// keyed by marker identifier.
//
// A Reconciler must not be shared between surfaces.
type Reconciler[H any] struct {
	surface    Surface[H]
	onActivate func(id string)
	fit        FitPolicy
	log        *slog.Logger

	mu         sync.Mutex
	handles    map[string]entry[H]
	overlay    H
	hasOverlay bool
	lastFit    orb.Bound
	hasFit     bool
	closed     bool

	metricOps metric.Int64Counter
}

// New creates a reconciler for surface. onActivate receives the identifier of
// a marker the user interacted with; cluster identifiers carry the
// clusterer.ClusterIDPrefix.
func New[H any](surface Surface[H], onActivate func(id string), opts ...Option) (*Reconciler[H], error) {
	if surface == nil {
		return nil, errors.New("reconciler: nil surface")
	}
	options := options{
		logger: slog.Default(),
	}
	for _, o := range opts {
		o.apply(&options)
	}

	metricOps, err := meter.Int64Counter("reconcile_operations_total")
	if err != nil {
		return nil, err
	}

	return &Reconciler[H]{
		surface:    surface,
		onActivate: onActivate,
		fit:        options.fit,
		log:        options.logger.With("component", "reconciler"),
		handles:    map[string]entry[H]{},
		metricOps:  metricOps,
	}, nil
}

// Reconcile applies next to the surface. Surface failures are logged and
// counted, never returned: a marker whose creation failed stays absent and is
// created again on the next pass, and a failed update keeps the previous
// position so it is retried as well. The only error is ErrClosed.
func (r *Reconciler[H]) Reconcile(next []geomodel.Marker) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Report{}, ErrClosed
	}

	var report Report

	next = geomodel.ValidMarkers(next)
	ids := make(map[string]struct{}, len(next))
	for _, m := range next {
		ids[m.ID] = struct{}{}
	}

	for _, id := range slices.Sorted(maps.Keys(r.handles)) {
		if _, ok := ids[id]; ok {
			continue
		}
		if err := r.surface.DestroyHandle(r.handles[id].handle); err != nil {
			r.log.Warn("Failed to destroy marker handle", "id", id, "error", err)
			report.Failed++
			continue
		}
		delete(r.handles, id)
		report.Destroyed++
	}

	seen := make(map[string]struct{}, len(next))
	for _, m := range next {
		if _, dup := seen[m.ID]; dup {
			r.log.Debug("Skipping duplicate marker id", "id", m.ID)
			continue
		}
		seen[m.ID] = struct{}{}

		c := m.Coordinate()
		if e, ok := r.handles[m.ID]; ok {
			if e.coord == c {
				report.Unchanged++
				continue
			}
			if err := r.surface.UpdateHandle(e.handle, c); err != nil {
				r.log.Warn("Failed to update marker handle", "id", m.ID, "error", err)
				report.Failed++
				continue
			}
			e.coord = c
			r.handles[m.ID] = e
			report.Updated++
			continue
		}

		id := m.ID
		h, err := r.surface.CreateMarkerHandle(m, func() { r.activate(id) })
		if err != nil {
			r.log.Warn("Failed to create marker handle", "id", id, "error", err)
			report.Failed++
			continue
		}
		r.handles[id] = entry[H]{handle: h, coord: c}
		report.Created++
	}

	report.Fitted = r.autoFit(next)

	r.record(report)
	r.log.Debug("Reconciled markers",
		"created", report.Created,
		"updated", report.Updated,
		"destroyed", report.Destroyed,
		"unchanged", report.Unchanged,
		"failed", report.Failed,
	)
	return report, nil
}

// autoFit asks the surface to fit the covered region when it differs from
// the last fitted one, so re-clustering the same entities at another zoom
// leaves the viewport alone.
func (r *Reconciler[H]) autoFit(markers []geomodel.Marker) bool {
	if !r.fit.Enabled || len(markers) == 0 {
		return false
	}

	var extra []geomodel.Coordinate
	if r.fit.Reference != nil {
		extra = append(extra, *r.fit.Reference)
	}
	bound, ok := geomodel.BoundOf(geomodel.ValidMarkers(markers), extra...)
	if !ok {
		return false
	}
	if r.hasFit && bound.Equal(r.lastFit) {
		return false
	}

	if err := r.surface.FitRegion(bound, r.fit.options()); err != nil {
		r.log.Warn("Failed to fit region", "error", err)
		return false
	}
	r.lastFit, r.hasFit = bound, true
	return true
}

func (r *Reconciler[H]) activate(id string) {
	if r.onActivate != nil {
		r.onActivate(id)
	}
}

func (r *Reconciler[H]) record(report Report) {
	ctx := context.Background()
	for op, n := range map[string]int{
		"create":  report.Created,
		"update":  report.Updated,
		"destroy": report.Destroyed,
		"failed":  report.Failed,
	} {
		if n > 0 {
			r.metricOps.Add(ctx, int64(n), metric.WithAttributes(attribute.String("op", op)))
		}
	}
}

// SetReference moves the point kept inside fitted regions. nil removes it.
func (r *Reconciler[H]) SetReference(c *geomodel.Coordinate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fit.Reference = c
}

// ShowOverlay replaces the detail overlay, if any, with one at c.
func (r *Reconciler[H]) ShowOverlay(c geomodel.Coordinate, payload popupcache.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if err := r.hideOverlay(); err != nil {
		return err
	}

	h, err := r.surface.CreateDetailOverlay(c, payload)
	if err != nil {
		r.log.Warn("Failed to create detail overlay", "id", payload.MarkerID, "error", err)
		return fmt.Errorf("failed to create detail overlay: %w", err)
	}
	r.overlay, r.hasOverlay = h, true
	return nil
}

func (r *Reconciler[H]) HideOverlay() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	return r.hideOverlay()
}

func (r *Reconciler[H]) hideOverlay() error {
	if !r.hasOverlay {
		return nil
	}
	if err := r.surface.DestroyHandle(r.overlay); err != nil {
		return fmt.Errorf("failed to destroy detail overlay: %w", err)
	}
	var zero H
	r.overlay, r.hasOverlay = zero, false
	return nil
}

// Handles returns a snapshot of the live marker handles by identifier.
func (r *Reconciler[H]) Handles() map[string]H {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]H, len(r.handles))
	for id, e := range r.handles {
		out[id] = e.handle
	}
	return out
}

func (r *Reconciler[H]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Close releases every handle and the overlay. Destroy failures are joined
// into the returned error; the handles are forgotten either way.
func (r *Reconciler[H]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if err := r.hideOverlay(); err != nil {
		errs = append(errs, err)
	}
	for _, id := range slices.Sorted(maps.Keys(r.handles)) {
		if err := r.surface.DestroyHandle(r.handles[id].handle); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy handle %q: %w", id, err))
		}
	}
	clear(r.handles)
	r.hasOverlay = false
	return errors.Join(errs...)
}
