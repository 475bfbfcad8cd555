// Package loophost implements the host package on a go-eventloop Loop.
//
// Every callback, including wake listeners, is delivered on the loop
// goroutine. The WakeService and Storage methods must also be called from
// the loop goroutine, e.g. from a callback, or via Host.Post.
//
// Storage is in-memory.
package loophost

import (
	"maps"
	"slices"
	"time"

	"github.com/joeycumines/go-eventloop"
	"github.com/joeycumines/go-taskwrap/host"
	"github.com/joeycumines/logiface"
)

type (
	// Host binds the host capabilities to a loop.
	Host struct {
		js        *eventloop.JS
		logger    *logiface.Logger[logiface.Event]
		now       func() time.Time
		wakes     map[string]*wake
		data      map[string]any
		listeners []func(wake host.Wake)
	}

	// Option configures a Host.
	Option func(c *hostConfig)

	hostConfig struct {
		logger *logiface.Logger[logiface.Event]
	}

	// Wakes implements host.WakeService.
	Wakes struct{ host *Host }

	// Storage implements host.Storage.
	Storage struct{ host *Host }

	wake struct {
		info      host.Wake
		timeout   uint64
		interval  uint64
		cancelled bool
	}
)

var (
	// compile time assertions

	_ host.WakeService = Wakes{}
	_ host.Storage     = Storage{}
)

// WithLogger configures diagnostic logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(c *hostConfig) {
		c.logger = logger
	}
}

// New binds a Host to loop, which may or may not be running.
func New(loop *eventloop.Loop, opts ...Option) (*Host, error) {
	var c hostConfig
	for _, o := range opts {
		o(&c)
	}
	js, err := eventloop.NewJS(loop)
	if err != nil {
		return nil, err
	}
	return &Host{
		js:     js,
		logger: c.logger,
		now:    time.Now,
		wakes:  make(map[string]*wake),
		data:   make(map[string]any),
	}, nil
}

// Post schedules fn to run on the loop goroutine. It is safe to call from
// any goroutine.
func (x *Host) Post(fn func()) error {
	_, err := x.js.SetTimeout(fn, 0)
	return err
}

// Wakes returns the host.WakeService.
func (x *Host) Wakes() Wakes { return Wakes{x} }

// Storage returns the host.Storage.
func (x *Host) Storage() Storage { return Storage{x} }

func (x *Host) post(op string, fn func()) {
	if err := x.Post(fn); err != nil {
		x.logger.Warning().
			Err(err).
			Str(`op`, op).
			Log(`loophost: failed to schedule callback`)
	}
}

func (x Wakes) Create(name string, info host.WakeInfo) {
	h := x.host
	x.Cancel(name)

	w := &wake{info: host.Wake{
		Scheduled: h.now().Add(info.Delay),
		Name:      name,
		Period:    info.Period,
	}}
	h.wakes[name] = w

	id, err := h.js.SetTimeout(func() { h.fire(w) }, toMillis(info.Delay))
	if err != nil {
		delete(h.wakes, name)
		h.logger.Warning().
			Err(err).
			Str(`wake`, name).
			Log(`loophost: failed to create wake`)
		return
	}
	w.timeout = id
}

func (x Wakes) Cancel(name string) {
	h := x.host
	w, ok := h.wakes[name]
	if !ok {
		return
	}
	delete(h.wakes, name)
	w.cancelled = true
	if w.timeout != 0 {
		_ = h.js.ClearTimeout(w.timeout)
	}
	if w.interval != 0 {
		_ = h.js.ClearInterval(w.interval)
	}
}

func (x Wakes) Get(name string, cb func(wake *host.Wake)) {
	var result *host.Wake
	if w, ok := x.host.wakes[name]; ok {
		info := w.info
		result = &info
	}
	x.host.post(`wakes.get`, func() { cb(result) })
}

func (x Wakes) OnWake(listener func(wake host.Wake)) {
	x.host.listeners = append(x.host.listeners, listener)
}

func (x *Host) fire(w *wake) {
	if w.cancelled {
		return
	}

	event := w.info
	w.timeout = 0

	if period := w.info.Period; period > 0 {
		w.info.Scheduled = x.now().Add(period)
		if w.interval == 0 {
			id, err := x.js.SetInterval(func() { x.fire(w) }, toMillis(period))
			if err != nil {
				x.logger.Warning().
					Err(err).
					Str(`wake`, w.info.Name).
					Log(`loophost: failed to schedule periodic wake`)
			}
			w.interval = id
		}
	} else {
		delete(x.wakes, w.info.Name)
	}

	x.logger.Trace().
		Str(`wake`, event.Name).
		Log(`loophost: wake fired`)

	for _, listener := range slices.Clone(x.listeners) {
		listener(event)
	}
}

func (x Storage) Get(keys []string, cb func(values map[string]any, err error)) {
	values := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := x.host.data[k]; ok {
			values[k] = v
		}
	}
	x.host.post(`storage.get`, func() { cb(values, nil) })
}

func (x Storage) Set(items map[string]any, cb func(err error)) {
	maps.Copy(x.host.data, items)
	if cb != nil {
		x.host.post(`storage.set`, func() { cb(nil) })
	}
}

func (x Storage) Remove(keys []string, cb func(err error)) {
	for _, k := range keys {
		delete(x.host.data, k)
	}
	if cb != nil {
		x.host.post(`storage.remove`, func() { cb(nil) })
	}
}

func toMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
