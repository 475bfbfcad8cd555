// Package instrument exposes host capabilities with their callbacks wrapped
// by a wrapper.Registry, so that every callback handed to the host is
// tracked.
//
// Capabilities are registered by dotted path in a [Table], e.g.
// "storage.local.get", then instrumented via [Facade.Instrument], which
// registers a replacement under the same path, in the facade's own
// namespace.
package instrument

import (
	"errors"
	"reflect"
	"slices"
	"strings"

	"github.com/joeycumines/go-taskwrap/report"
	"github.com/joeycumines/go-taskwrap/wrapper"
	"github.com/joeycumines/logiface"
)

// NoCallback may be passed to Facade.Instrument, for capabilities that do
// not accept a callback.
const NoCallback = -1

type (
	// Func is a host capability, or its instrumented replacement.
	Func func(args ...any) any

	// Table maps dotted paths to host capabilities.
	Table struct {
		funcs map[string]Func
	}

	// Facade holds the instrumented replacements, for a Table.
	Facade struct {
		registry *wrapper.Registry
		table    *Table
		logger   *logiface.Logger[logiface.Event]
		mirrored map[string]Func
	}

	// Option configures a Facade.
	Option func(c *facadeConfig)

	facadeConfig struct {
		logger *logiface.Logger[logiface.Event]
	}
)

// WithLogger configures diagnostic logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(c *facadeConfig) {
		c.logger = logger
	}
}

// NewTable initializes an empty Table.
func NewTable() *Table {
	return &Table{funcs: make(map[string]Func)}
}

// Set registers (or replaces) the capability at path. A nil fn removes it.
func (x *Table) Set(path string, fn Func) {
	if fn == nil {
		delete(x.funcs, path)
		return
	}
	x.funcs[path] = fn
}

// Lookup resolves path.
func (x *Table) Lookup(path string) (Func, bool) {
	fn, ok := x.funcs[path]
	return fn, ok
}

// New initializes a Facade. The table may be modified after the fact, as
// replacements resolve capabilities at call time.
func New(registry *wrapper.Registry, table *Table, opts ...Option) *Facade {
	if registry == nil || table == nil {
		panic(`instrument: registry and table are required`)
	}
	var c facadeConfig
	for _, o := range opts {
		o(&c)
	}
	return &Facade{
		registry: registry,
		table:    table,
		logger:   c.logger,
		mirrored: make(map[string]Func),
	}
}

// IsListenerPath returns true if the final segment of path names an event
// subscription, i.e. ends with addListener.
func IsListenerPath(path string) bool {
	name := path[strings.LastIndexByte(path, '.')+1:]
	return strings.HasSuffix(name, `addListener`) ||
		strings.HasSuffix(name, `AddListener`)
}

// Instrument builds and registers the replacement for the capability at
// path. When called, the replacement wraps the argument at callbackIndex
// (unless it is NoCallback) using the registry, then delegates to the
// capability, as resolved at that time.
//
// Failing to resolve path, at registration or call time, is reported as a
// host delegation failure. At call time, that failure is raised as a panic,
// with a *report.Error value, see also Call.
func (x *Facade) Instrument(path string, callbackIndex int) Func {
	if _, ok := x.table.Lookup(path); !ok {
		x.registry.Report(report.HostDelegationFailure(`capability %q does not resolve`, path))
	}

	listener := IsListenerPath(path)

	replacement := func(args ...any) any {
		if callbackIndex >= 0 {
			args = x.substitute(path, args, callbackIndex, listener)
		}
		fn, ok := x.table.Lookup(path)
		if !ok {
			err := report.HostDelegationFailure(`capability %q does not resolve`, path)
			x.registry.Report(err)
			panic(err)
		}
		return fn(args...)
	}

	x.mirrored[path] = replacement

	x.logger.Trace().
		Str(`path`, path).
		Int(`callback_index`, callbackIndex).
		Bool(`listener`, listener).
		Log(`instrumented capability`)

	return replacement
}

// Lookup returns the replacement registered for path, by Instrument.
func (x *Facade) Lookup(path string) (Func, bool) {
	fn, ok := x.mirrored[path]
	return fn, ok
}

// Call invokes the replacement registered for path, returning any host
// delegation failure as an error, rather than panicking.
func (x *Facade) Call(path string, args ...any) (result any, err error) {
	fn, ok := x.mirrored[path]
	if !ok {
		err = report.HostDelegationFailure(`capability %q is not instrumented`, path)
		x.registry.Report(err)
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			var e *report.Error
			if v, ok := r.(error); ok && errors.As(v, &e) && e.Kind == report.KindHostDelegationFailure {
				err = e
				return
			}
			panic(r)
		}
	}()
	return fn(args...), nil
}

func (x *Facade) substitute(path string, args []any, index int, listener bool) []any {
	if index >= len(args) {
		x.registry.Report(report.HostDelegationFailure(`capability %q called without a callback at index %d`, path, index))
		return args
	}
	cb, ok := x.wrapCallback(args[index], listener)
	if !ok {
		x.registry.Report(report.HostDelegationFailure(`capability %q called with a non-function callback (%T) at index %d`, path, args[index], index))
		return args
	}
	args = slices.Clone(args)
	args[index] = cb
	return args
}

// wrapCallback wraps any non-nil function value, returning a value of the
// same type.
func (x *Facade) wrapCallback(v any, listener bool) (any, bool) {
	switch cb := v.(type) {
	case nil:
		return nil, false
	case wrapper.Callback:
		if cb == nil {
			return nil, false
		}
		return x.registry.Wrap(cb, listener), true
	case func(...any) any:
		if cb == nil {
			return nil, false
		}
		return (func(...any) any)(x.registry.Wrap(cb, listener)), true
	case Func:
		if cb == nil {
			return nil, false
		}
		return Func(x.registry.Wrap(wrapper.Callback(cb), listener)), true
	case func():
		if cb == nil {
			return nil, false
		}
		w := x.registry.Wrap(func(...any) any { cb(); return nil }, listener)
		return func() { w() }, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return nil, false
	}
	t := rv.Type()

	var out []reflect.Value
	w := x.registry.Wrap(func(args ...any) any {
		in := args[0].([]reflect.Value)
		if t.IsVariadic() {
			out = rv.CallSlice(in)
		} else {
			out = rv.Call(in)
		}
		return nil
	}, listener)

	return reflect.MakeFunc(t, func(in []reflect.Value) []reflect.Value {
		out = nil
		w(in)
		if out == nil {
			out = make([]reflect.Value, t.NumOut())
			for i := range out {
				out[i] = reflect.Zero(t.Out(i))
			}
		}
		return out
	}).Interface(), true
}
