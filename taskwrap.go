// Package taskwrap assembles the callback tracking, task serialization, and
// retry components, for a single host application.
//
// A [Runtime] owns one of each component, all sharing the same error
// channel (a report.Reporter). Like the components, a Runtime must only be
// used from the host's dispatch thread, except for Close.
//
// Entry points (callbacks the host invokes, that were not created by a
// wrapped callback, e.g. event listeners) must be wrapped via
// [Runtime.Listen]. Everything else flows from there: host capabilities are
// called via the instrumented [Runtime.Wakes] and [Runtime.Storage], and
// units of work are serialized via [Runtime.Add].
package taskwrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joeycumines/go-microbatch"
	"github.com/joeycumines/go-taskwrap/attempt"
	"github.com/joeycumines/go-taskwrap/config"
	"github.com/joeycumines/go-taskwrap/host"
	"github.com/joeycumines/go-taskwrap/instrument"
	"github.com/joeycumines/go-taskwrap/report"
	"github.com/joeycumines/go-taskwrap/tasks"
	"github.com/joeycumines/go-taskwrap/wrapper"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

type (
	// Runtime is the explicit context shared by all components.
	Runtime struct {
		// Wakes is the instrumented wake service.
		Wakes    host.WakeService
		// Storage is the instrumented storage.
		Storage  host.Storage
		Registry *wrapper.Registry
		Facade   *instrument.Facade
		Tasks    *tasks.Serializer
		Reporter *report.Reporter
		logger   *logiface.Logger[logiface.Event]
	}

	// Option configures a Runtime.
	Option func(c *runtimeConfig)

	runtimeConfig struct {
		logger      *logiface.Logger[logiface.Event]
		sink        report.Sink
		notifier    report.Notifier
		conflicting func(a, b string) bool
		onFinish    func(name string)
		table       *instrument.Table
		logWriter   io.Writer
	}
)

// WithLogger replaces the default logger, see NewLogger.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(c *runtimeConfig) {
		c.logger = logger
	}
}

// WithLogWriter configures where the default logger writes, defaults to
// os.Stderr.
func WithLogWriter(w io.Writer) Option {
	return func(c *runtimeConfig) {
		c.logWriter = w
	}
}

// WithSink replaces the report.HTTPSink that would otherwise be configured
// from the report URL.
func WithSink(sink report.Sink) Option {
	return func(c *runtimeConfig) {
		c.sink = sink
	}
}

// WithNotifier configures how the critical error is surfaced, in debug mode.
// Defaults to writing it to the log writer, see WithLogWriter.
func WithNotifier(notifier report.Notifier) Option {
	return func(c *runtimeConfig) {
		c.notifier = notifier
	}
}

// WithConflicts configures the task conflict predicate, defaults to
// tasks.NameConflicts.
func WithConflicts(areConflicting func(a, b string) bool) Option {
	return func(c *runtimeConfig) {
		c.conflicting = areConflicting
	}
}

// WithFinishHook is passed through to tasks.WithFinishHook.
func WithFinishHook(fn func(name string)) Option {
	return func(c *runtimeConfig) {
		c.onFinish = fn
	}
}

// WithTable configures the capability table, allowing additional host
// capabilities to be instrumented via Runtime.Facade.
func WithTable(table *instrument.Table) Option {
	return func(c *runtimeConfig) {
		c.table = table
	}
}

// NewLogger builds the default JSON logger.
func NewLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

func writerNotifier(w io.Writer) report.Notifier {
	return report.NotifierFunc(func(err *report.Error) {
		_, _ = fmt.Fprintf(w, "taskwrap: critical error %s: %v\n", err.ID, err)
		if err.Stack != `` {
			_, _ = fmt.Fprintf(w, "%s\n", err.Stack)
		}
	})
}

// New assembles a Runtime, on the given host capabilities. A nil cfg uses
// the defaults, per config.Load.
func New(cfg *config.Config, wakes host.WakeService, store host.Storage, opts ...Option) (*Runtime, error) {
	if wakes == nil || store == nil {
		return nil, errors.New(`taskwrap: wakes and store are required`)
	}

	if cfg == nil {
		var err error
		if cfg, err = config.Load(``); err != nil {
			return nil, err
		}
	} else if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	c := runtimeConfig{
		conflicting: tasks.NameConflicts,
		logWriter:   os.Stderr,
	}
	for _, o := range opts {
		o(&c)
	}
	if c.logger == nil {
		c.logger = NewLogger(c.logWriter, cfg.Level())
	}
	if c.sink == nil && cfg.Report.URL != `` {
		c.sink = &report.HTTPSink{URL: cfg.Report.URL}
	}
	if c.table == nil {
		c.table = instrument.NewTable()
	}
	if c.notifier == nil && cfg.Debug {
		c.notifier = writerNotifier(c.logWriter)
	}

	reporterOpts := []report.Option{
		report.WithLogger(c.logger),
		report.WithDebug(cfg.Debug),
		report.WithNotifier(c.notifier),
		report.WithBatching(&microbatch.BatcherConfig{
			MaxSize:       cfg.Report.BatchSize,
			FlushInterval: cfg.Report.FlushInterval,
		}),
	}
	if c.sink != nil {
		reporterOpts = append(reporterOpts, report.WithSink(c.sink))
	}
	if cfg.Report.FollowUpPerHour > 0 {
		reporterOpts = append(reporterOpts, report.WithFollowUpRates(map[time.Duration]int{
			time.Hour: cfg.Report.FollowUpPerHour,
		}))
	}

	x := Runtime{
		Reporter: report.New(reporterOpts...),
		logger:   c.logger,
	}

	x.Registry = wrapper.New(
		wrapper.WithReporter(x.Reporter),
		wrapper.WithLogger(c.logger),
		wrapper.WithStackCapture(cfg.StackCapture),
	)

	x.Facade = instrument.New(x.Registry, c.table, instrument.WithLogger(c.logger))
	x.Wakes = instrument.Wakes(x.Facade, wakes)
	x.Storage = instrument.Storage(x.Facade, store)

	taskOpts := []tasks.Option{tasks.WithLogger(c.logger)}
	if c.onFinish != nil {
		taskOpts = append(taskOpts, tasks.WithFinishHook(c.onFinish))
	}
	x.Tasks = tasks.New(x.Registry, c.conflicting, taskOpts...)

	c.logger.Debug().
		Bool(`debug`, cfg.Debug).
		Bool(`remote_reports`, c.sink != nil).
		Log(`taskwrap runtime initialized`)

	return &x, nil
}

// Listen wraps an entry point, i.e. a callback the host may invoke any
// number of times.
func (x *Runtime) Listen(fn func(args ...any)) wrapper.Callback {
	return x.Registry.Wrap(func(args ...any) any {
		fn(args...)
		return nil
	}, true)
}

// Add is an alias for Runtime.Tasks.Add.
func (x *Runtime) Add(name string, work func()) {
	x.Tasks.Add(name, work)
}

// Attempt builds an attempt.Manager, on the instrumented host capabilities,
// reporting to the runtime's Reporter.
func (x *Runtime) Attempt(name string, fn func(), initial, maximum time.Duration, opts ...attempt.Option) *attempt.Manager {
	return attempt.New(
		name,
		fn,
		initial,
		maximum,
		x.Wakes,
		x.Storage,
		append([]attempt.Option{
			attempt.WithReporter(x.Reporter),
			attempt.WithLogger(x.logger),
		}, opts...)...,
	)
}

// CheckTeardown checks for queued tasks, and pending callbacks, reporting
// any as usage defects. It must be called from the host's dispatch thread.
// Returns true if there were none.
func (x *Runtime) CheckTeardown() bool {
	ok := x.Tasks.CheckTeardown()
	if x.Registry.CheckTeardown() != 0 {
		ok = false
	}
	return ok
}

// Close flushes any pending report deliveries, or abandons them, if ctx is
// canceled first.
func (x *Runtime) Close(ctx context.Context) error {
	return x.Reporter.Shutdown(ctx)
}
