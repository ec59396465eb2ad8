package reconciler

import (
	"time"

	"github.com/paulmach/orb"
	"github.com/royalcat/geocluster/geomodel"
	"github.com/royalcat/geocluster/popupcache"
)

// Surface is the rendering capability the reconciler drives: a map widget
// that owns the viewport and draws markers and detail overlays. H is the
// surface's own object handle.
type Surface[H any] interface {
	// CreateMarkerHandle draws marker and arranges for onActivate to be
	// called when the user interacts with it.
	CreateMarkerHandle(marker geomodel.Marker, onActivate func()) (H, error)
	UpdateHandle(handle H, c geomodel.Coordinate) error
	DestroyHandle(handle H) error
	CreateDetailOverlay(c geomodel.Coordinate, payload popupcache.Payload) (H, error)
	FitRegion(bound orb.Bound, opts FitOptions) error
}

type FitOptions struct {
	MaxZoom  int
	Padding  int
	Duration time.Duration
}

const (
	MaxFitPadding  = 256
	MaxFitDuration = 2 * time.Second
)

// FitPolicy controls whether the surface is asked to fit the rendered
// markers after a pass. Reference, when set, is kept inside the fitted region
// (for example the viewer's own location).
type FitPolicy struct {
	Enabled   bool
	MaxZoom   int
	Padding   int
	Duration  time.Duration
	Reference *geomodel.Coordinate
}

func DefaultFitPolicy() FitPolicy {
	return FitPolicy{
		Enabled:  true,
		MaxZoom:  16,
		Padding:  48,
		Duration: 500 * time.Millisecond,
	}
}

func (p FitPolicy) options() FitOptions {
	return FitOptions{
		MaxZoom:  geomodel.ClampZoom(p.MaxZoom),
		Padding:  max(0, min(MaxFitPadding, p.Padding)),
		Duration: max(0, min(MaxFitDuration, p.Duration)),
	}
}
