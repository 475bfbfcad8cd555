// Package hosttest provides a deterministic, manually driven host, for
// testing code built on the host package.
//
// Nothing happens until the test calls Step, Flush, or Advance. The zero
// value is not usable, use New.
package hosttest

import (
	"errors"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/joeycumines/go-taskwrap/host"
)

type (
	// Host bundles a Dispatcher, with the Wakes and Storage that deliver
	// their callbacks through it.
	Host struct {
		*Dispatcher
		Wakes   *Wakes
		Storage *Storage
	}

	// Dispatcher is a FIFO queue of pending deliveries.
	Dispatcher struct {
		now   time.Time
		queue []func()
	}

	// Wakes implements host.WakeService.
	Wakes struct {
		dispatcher *Dispatcher
		wakes      map[string]*host.Wake
		// Created records every Create call, in order.
		Created   []CreateCall
		listeners []func(wake host.Wake)
		// Cancelled records every Cancel call, in order.
		Cancelled []string
	}

	// CreateCall records a call to Wakes.Create.
	CreateCall struct {
		Name string
		Info host.WakeInfo
	}

	// Storage implements host.Storage, backed by a map.
	Storage struct {
		// GetErr, SetErr, and RemoveErr, if non-nil, fail the respective
		// operations, without modifying the data.
		GetErr     error
		SetErr     error
		RemoveErr  error
		dispatcher *Dispatcher
		data       map[string]any
	}
)

var (
	// compile time assertions

	_ host.WakeService = (*Wakes)(nil)
	_ host.Storage     = (*Storage)(nil)

	// ErrStorage is a convenient error for fault injection.
	ErrStorage = errors.New(`hosttest: storage failure`)
)

// New initializes a Host, with its clock at the unix epoch.
func New() *Host {
	d := &Dispatcher{now: time.Unix(0, 0).UTC()}
	return &Host{
		Dispatcher: d,
		Wakes: &Wakes{
			dispatcher: d,
			wakes:      make(map[string]*host.Wake),
		},
		Storage: &Storage{
			dispatcher: d,
			data:       make(map[string]any),
		},
	}
}

// Now returns the current (fake) time.
func (x *Dispatcher) Now() time.Time { return x.now }

// Post schedules fn, to be run by Step or Flush.
func (x *Dispatcher) Post(fn func()) {
	x.queue = append(x.queue, fn)
}

// Len returns the number of queued deliveries.
func (x *Dispatcher) Len() int { return len(x.queue) }

// Step runs the oldest queued delivery, returning false if there was none.
func (x *Dispatcher) Step() bool {
	if len(x.queue) == 0 {
		return false
	}
	fn := x.queue[0]
	x.queue[0] = nil
	x.queue = x.queue[1:]
	fn()
	return true
}

// Flush runs deliveries until the queue is empty, including any queued while
// flushing, returning the number run.
func (x *Dispatcher) Flush() (n int) {
	for x.Step() {
		n++
	}
	return
}

// Advance moves the clock forward by d, firing due wakes in the order they
// are due, then flushes.
func (x *Host) Advance(d time.Duration) {
	deadline := x.now.Add(d)
	for {
		x.Flush()
		name, ok := x.Wakes.nextDue(deadline)
		if !ok {
			break
		}
		wake := x.Wakes.wakes[name]
		if wake.Scheduled.After(x.now) {
			x.now = wake.Scheduled
		}
		x.Wakes.fire(name)
	}
	x.now = deadline
	x.Flush()
}

func (x *Wakes) Create(name string, info host.WakeInfo) {
	x.Created = append(x.Created, CreateCall{Name: name, Info: info})
	x.wakes[name] = &host.Wake{
		Scheduled: x.dispatcher.now.Add(info.Delay),
		Name:      name,
		Period:    info.Period,
	}
}

func (x *Wakes) Cancel(name string) {
	x.Cancelled = append(x.Cancelled, name)
	delete(x.wakes, name)
}

func (x *Wakes) Get(name string, cb func(wake *host.Wake)) {
	var wake *host.Wake
	if v, ok := x.wakes[name]; ok {
		c := *v
		wake = &c
	}
	x.dispatcher.Post(func() { cb(wake) })
}

func (x *Wakes) OnWake(listener func(wake host.Wake)) {
	x.listeners = append(x.listeners, listener)
}

// Names returns the names of all scheduled wakes, sorted.
func (x *Wakes) Names() []string {
	return slices.Sorted(maps.Keys(x.wakes))
}

// Last returns the most recent Create call, or false if there were none.
func (x *Wakes) Last() (CreateCall, bool) {
	if len(x.Created) == 0 {
		return CreateCall{}, false
	}
	return x.Created[len(x.Created)-1], true
}

// Fire queues delivery of a wake event for name, to every listener,
// regardless of whether it is scheduled. Periodic wakes are rescheduled, and
// one-shot wakes removed.
func (x *Wakes) Fire(name string) {
	if _, ok := x.wakes[name]; ok {
		x.fire(name)
		return
	}
	x.deliver(host.Wake{Name: name, Scheduled: x.dispatcher.now})
}

func (x *Wakes) fire(name string) {
	wake := *x.wakes[name]
	if wake.Period > 0 {
		x.wakes[name].Scheduled = wake.Scheduled.Add(wake.Period)
	} else {
		delete(x.wakes, name)
	}
	x.deliver(wake)
}

func (x *Wakes) deliver(wake host.Wake) {
	for _, listener := range x.listeners {
		x.dispatcher.Post(func() { listener(wake) })
	}
}

func (x *Wakes) nextDue(deadline time.Time) (string, bool) {
	var due []*host.Wake
	for _, wake := range x.wakes {
		if !wake.Scheduled.After(deadline) {
			due = append(due, wake)
		}
	}
	if len(due) == 0 {
		return ``, false
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Scheduled.Equal(due[j].Scheduled) {
			return due[i].Name < due[j].Name
		}
		return due[i].Scheduled.Before(due[j].Scheduled)
	})
	return due[0].Name, true
}

func (x *Storage) Get(keys []string, cb func(values map[string]any, err error)) {
	if err := x.GetErr; err != nil {
		x.dispatcher.Post(func() { cb(nil, err) })
		return
	}
	values := make(map[string]any)
	for _, k := range keys {
		if v, ok := x.data[k]; ok {
			values[k] = v
		}
	}
	x.dispatcher.Post(func() { cb(values, nil) })
}

func (x *Storage) Set(items map[string]any, cb func(err error)) {
	err := x.SetErr
	if err == nil {
		for k, v := range items {
			x.data[k] = v
		}
	}
	if cb != nil {
		x.dispatcher.Post(func() { cb(err) })
	}
}

func (x *Storage) Remove(keys []string, cb func(err error)) {
	err := x.RemoveErr
	if err == nil {
		for _, k := range keys {
			delete(x.data, k)
		}
	}
	if cb != nil {
		x.dispatcher.Post(func() { cb(err) })
	}
}

// Data returns a copy of the stored values.
func (x *Storage) Data() map[string]any {
	return maps.Clone(x.data)
}

// Put stores a value directly, bypassing the dispatcher.
func (x *Storage) Put(key string, value any) {
	x.data[key] = value
}
