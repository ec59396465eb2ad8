package reconciler

import "log/slog"

type options struct {
	fit    FitPolicy
	logger *slog.Logger
}

type Option interface {
	apply(*options)
}

type fitOption FitPolicy

func (f fitOption) apply(o *options) {
	o.fit = FitPolicy(f)
}

// WithFitPolicy enables auto-fit. Fitting is off by default.
func WithFitPolicy(p FitPolicy) Option {
	return fitOption(p)
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
