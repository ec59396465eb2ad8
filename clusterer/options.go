package clusterer

import (
	"errors"
	"fmt"
	"math"

	"github.com/royalcat/geocluster/geomodel"
)

const (
	DefaultThreshold   = 50
	DefaultZoomCeiling = 15

	// a 100px radius on a 512px tile spanning the equator at zoom 0
	defaultPixelRadius     = 100.0
	defaultExtent          = 512.0
	earthCircumferenceKm   = 40_075.0
	indexStrategyThreshold = 512
)

var ErrInvalidOptions = errors.New("clusterer: invalid options")

// RadiusPolicy maps a zoom level to a clustering radius in kilometers.
// The radius halves with every zoom step so a fixed on-screen radius groups
// a shrinking patch of ground.
type RadiusPolicy struct {
	BaseKm        float64 `json:"base_km"`
	ReferenceZoom int     `json:"reference_zoom"`
}

func DefaultRadiusPolicy() RadiusPolicy {
	return RadiusPolicy{
		BaseKm:        defaultPixelRadius / defaultExtent * earthCircumferenceKm,
		ReferenceZoom: 0,
	}
}

func (p RadiusPolicy) RadiusKm(zoom int) float64 {
	return p.BaseKm / math.Exp2(float64(zoom-p.ReferenceZoom))
}

type Strategy string

const (
	// StrategyAuto uses the index above a few hundred markers.
	StrategyAuto Strategy = "auto"
	// StrategyScan walks the latitude-sorted list.
	StrategyScan Strategy = "scan"
	// StrategyIndex looks candidates up in a KD index. Output is identical to scan.
	StrategyIndex Strategy = "index"
)

type Options struct {
	// Clustering runs only when there are more than Threshold valid markers.
	Threshold int `json:"threshold"`
	// Clustering runs only when zoom <= ZoomCeiling.
	ZoomCeiling int          `json:"zoom_ceiling"`
	Radius      RadiusPolicy `json:"radius"`
	Strategy    Strategy     `json:"strategy"`
}

func DefaultOptions() Options {
	return Options{
		Threshold:   DefaultThreshold,
		ZoomCeiling: DefaultZoomCeiling,
		Radius:      DefaultRadiusPolicy(),
		Strategy:    StrategyAuto,
	}
}

func (o Options) Validate() error {
	if o.Threshold < 0 {
		return fmt.Errorf("%w: negative threshold %d", ErrInvalidOptions, o.Threshold)
	}
	if o.ZoomCeiling < geomodel.MinZoom || o.ZoomCeiling > geomodel.MaxZoom {
		return fmt.Errorf("%w: zoom ceiling %d outside [%d, %d]", ErrInvalidOptions, o.ZoomCeiling, geomodel.MinZoom, geomodel.MaxZoom)
	}
	if !(o.Radius.BaseKm > 0) || math.IsInf(o.Radius.BaseKm, 0) {
		return fmt.Errorf("%w: base radius must be a positive number, got %v", ErrInvalidOptions, o.Radius.BaseKm)
	}
	switch o.Strategy {
	case "", StrategyAuto, StrategyScan, StrategyIndex:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidOptions, o.Strategy)
	}
	return nil
}
