package engine

import (
	"log/slog"
	"time"

	"github.com/royalcat/geocluster/clusterer"
	"github.com/royalcat/geocluster/distcache"
	"github.com/royalcat/geocluster/geomodel"
	"github.com/royalcat/geocluster/popupcache"
	"github.com/royalcat/geocluster/reconciler"
	"github.com/royalcat/geocluster/scheduler"
)

type options struct {
	cluster     clusterer.Options
	distances   *distcache.Cache
	popups      *popupcache.Cache
	quietWindow time.Duration
	fit         reconciler.FitPolicy
	onActivate  func(id string)
	logger      *slog.Logger
	reference   *geomodel.Coordinate
}

type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) {
	f(o)
}

func WithClusterOptions(opts clusterer.Options) Option {
	return optionFunc(func(o *options) {
		o.cluster = opts
	})
}

// WithDistanceCache replaces the process-wide distance cache.
func WithDistanceCache(c *distcache.Cache) Option {
	return optionFunc(func(o *options) {
		o.distances = c
	})
}

// WithPopupCache replaces the process-wide popup cache.
func WithPopupCache(c *popupcache.Cache) Option {
	return optionFunc(func(o *options) {
		o.popups = c
	})
}

func WithQuietWindow(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.quietWindow = d
	})
}

func WithFitPolicy(p reconciler.FitPolicy) Option {
	return optionFunc(func(o *options) {
		o.fit = p
	})
}

// WithActivation sets the callback for user interaction with a marker.
// Cluster identifiers satisfy clusterer.IsClusterID.
func WithActivation(fn func(id string)) Option {
	return optionFunc(func(o *options) {
		o.onActivate = fn
	})
}

func WithLogger(log *slog.Logger) Option {
	return optionFunc(func(o *options) {
		o.logger = log
	})
}

// WithReference sets the viewer location. It is kept inside fitted regions
// and used for detail distances.
func WithReference(c geomodel.Coordinate) Option {
	return optionFunc(func(o *options) {
		o.reference = &c
	})
}

func loadOptions(opts ...Option) options {
	options := options{
		cluster:     clusterer.DefaultOptions(),
		quietWindow: scheduler.DefaultQuietWindow,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o.apply(&options)
	}
	if options.distances == nil {
		options.distances = distcache.Default()
	}
	if options.popups == nil {
		options.popups = popupcache.Default()
	}
	return options
}
