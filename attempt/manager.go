// Package attempt implements a retry driver, with jittered exponential
// backoff, built on a host.WakeService and host.Storage.
//
// The current delay is persisted, so that the backoff survives restarts of
// the host process. The wake is periodic, with a period of the maximum
// delay, ensuring further attempts even if the process dies before the next
// attempt is scheduled.
package attempt

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/joeycumines/go-taskwrap/host"
	"github.com/joeycumines/go-taskwrap/report"
	"github.com/joeycumines/logiface"
)

const (
	wakePrefix  = `attempt-scheduler-`
	delayPrefix = `current-delay-`

	// JitterFactor is the maximum proportion of the delay added as jitter.
	JitterFactor = 0.2

	// maxPersistedSeconds bounds persisted delays, such that doubling them
	// cannot overflow a time.Duration.
	maxPersistedSeconds = float64(math.MaxInt64/2) / float64(time.Second)
)

type (
	// Manager schedules attempts, see the package docs.
	Manager struct {
		attempt  func()
		wakes    host.WakeService
		store    host.Storage
		reporter Reporter
		logger   *logiface.Logger[logiface.Event]
		rand     func() float64
		name     string
		initial  time.Duration
		maximum  time.Duration
	}

	// Reporter receives soft failures, e.g. a *report.Reporter.
	Reporter interface {
		Report(err error)
	}

	// Option configures a Manager.
	Option func(c *managerConfig)

	managerConfig struct {
		reporter Reporter
		logger   *logiface.Logger[logiface.Event]
		rand     func() float64
	}
)

// WithReporter configures where soft failures are reported.
func WithReporter(reporter Reporter) Option {
	return func(c *managerConfig) {
		c.reporter = reporter
	}
}

// WithLogger configures diagnostic logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(c *managerConfig) {
		c.logger = logger
	}
}

// WithRand overrides the source of randomness used for jitter, which must
// return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(c *managerConfig) {
		c.rand = fn
	}
}

// Jitter returns d increased by up to JitterFactor (scaled by r, in [0, 1)),
// capped at maximum.
func Jitter(d, maximum time.Duration, r float64) time.Duration {
	return min(time.Duration(float64(d)*(1+JitterFactor*r)), maximum)
}

// New initializes a Manager, and adds its wake listener. The name must be
// unique per host. The attempt function is called on each wake, while the
// manager is running.
func New(name string, attempt func(), initial, maximum time.Duration, wakes host.WakeService, store host.Storage, opts ...Option) *Manager {
	switch {
	case attempt == nil || wakes == nil || store == nil:
		panic(`attempt: attempt, wakes, and store are required`)
	case initial <= 0 || maximum < initial:
		panic(`attempt: invalid delays`)
	}

	c := managerConfig{rand: rand.Float64}
	for _, o := range opts {
		o(&c)
	}

	x := Manager{
		attempt:  attempt,
		wakes:    wakes,
		store:    store,
		reporter: c.reporter,
		logger:   c.logger,
		rand:     c.rand,
		name:     name,
		initial:  initial,
		maximum:  maximum,
	}

	wakes.OnWake(x.onWake)

	return &x
}

// WakeName is the name of the wake used by the manager.
func (x *Manager) WakeName() string { return wakePrefix + x.name }

// StorageKey is the key the current delay is persisted under, in seconds.
func (x *Manager) StorageKey() string { return delayPrefix + x.name }

// Start schedules the first attempt. If firstDelay is positive, it is used
// without jitter, and any persisted delay is cleared. Otherwise, the initial
// delay is used.
func (x *Manager) Start(firstDelay time.Duration) {
	if firstDelay > 0 {
		x.createWake(firstDelay)
		x.store.Remove([]string{x.StorageKey()}, nil)
		return
	}
	x.schedule(x.initial, nil)
}

// Stop cancels the wake, and clears the persisted delay. A wake that the host
// has already dispatched will be ignored, see IsRunning.
func (x *Manager) Stop() {
	x.logger.Debug().
		Str(`attempt`, x.name).
		Log(`attempt stopped`)
	x.wakes.Cancel(x.WakeName())
	x.store.Remove([]string{x.StorageKey()}, nil)
}

// ScheduleRetry doubles the persisted delay, or uses the initial delay if
// there is none, and schedules the next attempt accordingly. A failure to
// read the persisted delay is treated as though the maximum was persisted.
//
// The done callback, which may be nil, is called once the new delay has
// been persisted, with any error doing so.
func (x *Manager) ScheduleRetry(done func(err error)) {
	key := x.StorageKey()
	x.store.Get([]string{key}, func(values map[string]any, err error) {
		d := x.initial
		if err != nil {
			x.softFailure(err, `failed to read the current delay for %q`, x.name)
			d = x.maximum * 2
		} else if v, ok := values[key]; ok && v != nil {
			// the comparison also rejects NaN
			if seconds, ok := host.Float64(v); ok && seconds >= 0 && seconds <= maxPersistedSeconds {
				d = time.Duration(math.Round(seconds*float64(time.Second))) * 2
			} else {
				x.softFailure(nil, `invalid current delay %#v for %q`, v, x.name)
				d = x.maximum * 2
			}
		}
		if d < x.initial {
			d = x.initial
		}
		x.schedule(d, done)
	})
}

// IsRunning calls cb with true if the wake is scheduled.
func (x *Manager) IsRunning(cb func(running bool)) {
	x.wakes.Get(x.WakeName(), func(wake *host.Wake) {
		cb(wake != nil)
	})
}

func (x *Manager) createWake(d time.Duration) {
	x.logger.Debug().
		Str(`attempt`, x.name).
		Dur(`delay`, d).
		Log(`attempt scheduled`)
	x.wakes.Create(x.WakeName(), host.WakeInfo{
		Delay:  d,
		Period: x.maximum,
	})
}

func (x *Manager) schedule(d time.Duration, done func(err error)) {
	d = Jitter(d, x.maximum, x.rand())
	x.createWake(d)
	x.store.Set(map[string]any{x.StorageKey(): d.Seconds()}, func(err error) {
		if err != nil {
			x.softFailure(err, `failed to persist the current delay for %q`, x.name)
		}
		if done != nil {
			done(err)
		}
	})
}

func (x *Manager) onWake(wake host.Wake) {
	if wake.Name != x.WakeName() {
		return
	}
	x.IsRunning(func(running bool) {
		if !running {
			x.logger.Debug().
				Str(`attempt`, x.name).
				Log(`ignoring wake, attempt stopped`)
			return
		}
		x.logger.Debug().
			Str(`attempt`, x.name).
			Log(`attempt triggered`)
		x.attempt()
	})
}

func (x *Manager) softFailure(cause error, format string, args ...any) {
	err := report.PersistenceSoftFailure(cause, format, args...)
	if x.reporter != nil {
		x.reporter.Report(err)
		return
	}
	x.logger.Warning().
		Err(err).
		Log(`attempt persistence failure`)
}
