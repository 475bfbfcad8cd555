package wrapper

import (
	"time"

	"github.com/joeycumines/logiface"
)

type (
	// Option configures a Registry.
	Option interface {
		applyRegistry(*registryOptions)
	}

	// Reporter receives every failure detected by a Registry, see also the
	// report package. Implementations must not panic.
	Reporter interface {
		Report(err error)
	}

	// ReporterFunc implements Reporter.
	ReporterFunc func(err error)

	registryOptions struct {
		reporter     Reporter
		logger       *logiface.Logger[logiface.Event]
		now          func() time.Time
		stackCapture bool
	}

	registryOptionImpl struct {
		applyRegistryFunc func(*registryOptions)
	}
)

var _ Reporter = ReporterFunc(nil)

func (x ReporterFunc) Report(err error) { x(err) }

func (x *registryOptionImpl) applyRegistry(opts *registryOptions) {
	x.applyRegistryFunc(opts)
}

// WithReporter configures the error channel. Without one, failures are only
// logged.
func WithReporter(reporter Reporter) Option {
	return &registryOptionImpl{func(opts *registryOptions) {
		opts.reporter = reporter
	}}
}

// WithLogger configures diagnostic logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &registryOptionImpl{func(opts *registryOptions) {
		opts.logger = logger
	}}
}

// WithClock overrides time.Now, used to timestamp pending callbacks.
func WithClock(now func() time.Time) Option {
	return &registryOptionImpl{func(opts *registryOptions) {
		opts.now = now
	}}
}

// WithStackCapture toggles capturing the stack of each Wrap call, for
// DebugSnapshot. Enabled by default.
func WithStackCapture(enabled bool) Option {
	return &registryOptionImpl{func(opts *registryOptions) {
		opts.stackCapture = enabled
	}}
}

func resolveRegistryOptions(opts []Option) *registryOptions {
	cfg := &registryOptions{
		now:          time.Now,
		stackCapture: true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyRegistry(cfg)
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return cfg
}
