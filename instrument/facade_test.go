package instrument

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/joeycumines/go-taskwrap/host"
	"github.com/joeycumines/go-taskwrap/hosttest"
	"github.com/joeycumines/go-taskwrap/report"
	"github.com/joeycumines/go-taskwrap/wrapper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	registry *wrapper.Registry
	recorder *report.Recorder
	table    *Table
	facade   *Facade
	host     *hosttest.Host
}

func newHarness() *harness {
	var h harness
	h.recorder = new(report.Recorder)
	h.registry = wrapper.New(wrapper.WithReporter(h.recorder))
	h.table = NewTable()
	h.facade = New(h.registry, h.table)
	h.host = hosttest.New()
	return &h
}

// enter simulates the host dispatching a top-level event.
func (x *harness) enter(fn func()) {
	x.registry.Wrap(func(...any) any {
		fn()
		return nil
	}, true)()
}

func TestIsListenerPath(t *testing.T) {
	for _, tc := range [...]struct {
		path     string
		expected bool
	}{
		{`alarms.onAlarm.addListener`, true},
		{`runtime.onMessage.AddListener`, true},
		{`addListener`, true},
		{`alarms.get`, false},
		{`alarms.addListener.get`, false},
		{`storage.local.removeListener`, false},
		{``, false},
	} {
		if v := IsListenerPath(tc.path); v != tc.expected {
			t.Errorf(`%q: %v`, tc.path, v)
		}
	}
}

func TestFacade_Instrument_wrapsCallback(t *testing.T) {
	h := newHarness()

	var (
		hostArgs []any
		hostCB   func(string)
	)
	h.table.Set(`api.get`, func(args ...any) any {
		hostArgs = args
		hostCB = args[1].(func(string))
		return `returned`
	})

	get := h.facade.Instrument(`api.get`, 1)
	if fn, ok := h.facade.Lookup(`api.get`); !ok || fn == nil {
		t.Fatal(ok)
	}

	var received []string
	h.enter(func() {
		if v := get(`key`, func(s string) { received = append(received, s) }); v != `returned` {
			t.Error(v)
		}
	})

	require.Len(t, hostArgs, 2)
	assert.Equal(t, `key`, hostArgs[0])
	require.Len(t, h.registry.Pending(), 1)

	hostCB(`value`)
	assert.Equal(t, []string{`value`}, received)
	assert.Empty(t, h.registry.Pending())
	assert.Empty(t, h.recorder.Errors())
}

func TestFacade_Instrument_listener(t *testing.T) {
	h := newHarness()
	var listener wrapper.Callback
	h.table.Set(`events.onThing.addListener`, func(args ...any) any {
		listener = args[0].(wrapper.Callback)
		return nil
	})
	add := h.facade.Instrument(`events.onThing.addListener`, 0)

	var n int
	// listeners may be added from untracked entry points
	add(wrapper.Callback(func(...any) any { n++; return nil }))
	listener()
	listener()

	assert.Equal(t, 2, n)
	assert.Empty(t, h.registry.Pending())
	assert.Empty(t, h.recorder.Errors())
}

func TestFacade_Instrument_callbackShapes(t *testing.T) {
	for _, tc := range [...]struct {
		name string
		cb   func(called *int) any
		call func(v any)
	}{
		{
			`func()`,
			func(called *int) any { return func() { *called++ } },
			func(v any) { v.(func())() },
		},
		{
			`func(...any) any`,
			func(called *int) any { return func(...any) any { *called++; return nil } },
			func(v any) { v.(func(...any) any)() },
		},
		{
			`Func`,
			func(called *int) any { return Func(func(...any) any { *called++; return nil }) },
			func(v any) { v.(Func)() },
		},
		{
			`func(map[string]any, error)`,
			func(called *int) any { return func(map[string]any, error) { *called++ } },
			func(v any) { v.(func(map[string]any, error))(nil, nil) },
		},
		{
			`variadic`,
			func(called *int) any { return func(a int, b ...string) { *called += a + len(b) } },
			func(v any) { v.(func(int, ...string))(1, `x`, `y`) },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			var captured any
			h.table.Set(`api.call`, func(args ...any) any {
				captured = args[0]
				return nil
			})
			call := h.facade.Instrument(`api.call`, 0)
			var called int
			h.enter(func() { call(tc.cb(&called)) })
			if len(h.registry.Pending()) != 1 {
				t.Fatal(h.registry.DebugSnapshot())
			}
			tc.call(captured)
			if called == 0 {
				t.Fatal(`not called`)
			}
			if len(h.registry.Pending()) != 0 || len(h.recorder.Errors()) != 0 {
				t.Fatal(h.registry.DebugSnapshot(), h.recorder.Errors())
			}
		})
	}
}

func TestFacade_Instrument_returnValuePassthrough(t *testing.T) {
	h := newHarness()
	var captured func(int) (string, error)
	h.table.Set(`api.call`, func(args ...any) any {
		captured = args[0].(func(int) (string, error))
		return nil
	})
	call := h.facade.Instrument(`api.call`, 0)
	h.enter(func() {
		call(func(v int) (string, error) {
			return `v`, errors.New(`e`)
		})
	})
	s, err := captured(1)
	if s != `v` || err == nil || err.Error() != `e` {
		t.Fatal(s, err)
	}
}

func TestFacade_Instrument_badCallbackForwarded(t *testing.T) {
	for _, tc := range [...]struct {
		name string
		args []any
	}{
		{`missing`, []any{`a`}},
		{`nil`, []any{`a`, nil}},
		{`typed nil`, []any{`a`, (func())(nil)}},
		{`not a function`, []any{`a`, 5}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			var forwarded []any
			h.table.Set(`api.call`, func(args ...any) any {
				forwarded = args
				return nil
			})
			call := h.facade.Instrument(`api.call`, 1)
			h.enter(func() { call(tc.args...) })
			assert.Equal(t, tc.args, forwarded)
			assert.Equal(t, 1, h.recorder.Count(nil))
			assert.Equal(t, 1, h.recorder.Count(report.ErrHostDelegationFailure))
		})
	}
}

func TestFacade_Instrument_unresolved(t *testing.T) {
	h := newHarness()
	call := h.facade.Instrument(`api.missing`, NoCallback)
	require.Equal(t, 1, h.recorder.Count(report.ErrHostDelegationFailure))

	// resolves late
	var called bool
	h.table.Set(`api.missing`, func(...any) any { called = true; return nil })
	call()
	require.True(t, called)

	// unresolved at call time, within a wrapped callback
	h.table.Set(`api.missing`, nil)
	h.enter(func() { call() })
	var kinds []report.Kind
	for _, err := range h.recorder.Errors() {
		kinds = append(kinds, report.As(err).Kind)
	}
	assert.Equal(t, []report.Kind{
		report.KindHostDelegationFailure,
		report.KindHostDelegationFailure,
		report.KindCallbackException,
	}, kinds)
	assert.Equal(t, wrapper.StateIdle, h.registry.State())
}

func TestFacade_Call(t *testing.T) {
	h := newHarness()
	h.table.Set(`api.ok`, func(args ...any) any { return args[0] })
	h.facade.Instrument(`api.ok`, NoCallback)
	h.facade.Instrument(`api.gone`, NoCallback)

	v, err := h.facade.Call(`api.ok`, 5)
	if err != nil || v != 5 {
		t.Fatal(v, err)
	}

	_, err = h.facade.Call(`api.gone`)
	if !errors.Is(err, report.ErrHostDelegationFailure) {
		t.Fatal(err)
	}

	_, err = h.facade.Call(`api.never`)
	if !errors.Is(err, report.ErrHostDelegationFailure) {
		t.Fatal(err)
	}

	h.table.Set(`api.panics`, func(...any) any { panic(`other`) })
	h.facade.Instrument(`api.panics`, NoCallback)
	assert.PanicsWithValue(t, `other`, func() { _, _ = h.facade.Call(`api.panics`) })
}

func TestWakes(t *testing.T) {
	h := newHarness()
	wakes := Wakes(h.facade, h.host.Wakes)
	require.Empty(t, h.recorder.Errors())

	var fired []string
	wakes.OnWake(func(wake host.Wake) { fired = append(fired, wake.Name) })

	var got *host.Wake
	h.enter(func() {
		wakes.Create(`w`, host.WakeInfo{Delay: time.Second})
		wakes.Get(`w`, func(wake *host.Wake) { got = wake })
	})
	require.Len(t, h.registry.Pending(), 1)
	h.host.Flush()
	require.NotNil(t, got)
	assert.Equal(t, `w`, got.Name)
	assert.Empty(t, h.registry.Pending())

	h.host.Advance(time.Second)
	assert.Equal(t, []string{`w`}, fired)

	h.enter(func() { wakes.Cancel(`w`) })
	if diff := cmp.Diff([]hosttest.CreateCall{{Name: `w`, Info: host.WakeInfo{Delay: time.Second}}}, h.host.Wakes.Created); diff != "" {
		t.Errorf("unexpected create calls (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{`w`}, h.host.Wakes.Cancelled); diff != "" {
		t.Errorf("unexpected cancel calls (-want +got):\n%s", diff)
	}
	assert.Empty(t, h.recorder.Errors())
}

func TestStorage(t *testing.T) {
	h := newHarness()
	store := Storage(h.facade, h.host.Storage)

	var (
		values map[string]any
		log    []string
	)
	h.enter(func() {
		store.Set(map[string]any{`a`: 1.0}, nil)
		store.Get([]string{`a`}, func(v map[string]any, err error) {
			values = v
			log = append(log, `get`)
		})
		store.Remove([]string{`a`}, func(err error) { log = append(log, `remove`) })
	})
	require.Len(t, h.registry.Pending(), 3)
	h.host.Flush()
	assert.Empty(t, h.registry.Pending())
	assert.Equal(t, map[string]any{`a`: 1.0}, values)
	assert.Equal(t, []string{`get`, `remove`}, log)
	assert.Empty(t, h.host.Storage.Data())
	assert.Empty(t, h.recorder.Errors())
}

func TestProxies_nilGetCallback(t *testing.T) {
	h := newHarness()
	wakes := Wakes(h.facade, h.host.Wakes)
	store := Storage(h.facade, h.host.Storage)
	h.enter(func() {
		wakes.Create(`w`, host.WakeInfo{Delay: time.Second})
		wakes.Get(`w`, nil)
		store.Get([]string{`a`}, nil)
	})
	require.Len(t, h.registry.Pending(), 2)
	assert.NotPanics(t, func() { h.host.Flush() })
	assert.Empty(t, h.registry.Pending())
	assert.Empty(t, h.recorder.Errors())
}
