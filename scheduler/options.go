package scheduler

import (
	"log/slog"
	"time"
)

const DefaultQuietWindow = 120 * time.Millisecond

type options struct {
	quietWindow time.Duration
	logger      *slog.Logger
}

type Option interface {
	apply(*options)
}

type quietWindow time.Duration

func (q quietWindow) apply(o *options) {
	o.quietWindow = time.Duration(q)
}

// Default: 120ms
func WithQuietWindow(d time.Duration) Option {
	return quietWindow(d)
}

type loggerOption struct {
	log *slog.Logger
}

func (l loggerOption) apply(o *options) {
	o.logger = l.log
}

func WithLogger(log *slog.Logger) Option {
	return loggerOption{log: log}
}

func loadOptions(opts ...Option) options {
	options := options{
		quietWindow: DefaultQuietWindow,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o.apply(&options)
	}
	return options
}
