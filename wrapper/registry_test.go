package wrapper

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	diff "github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/joeycumines/go-taskwrap/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *report.Recorder) {
	t.Helper()
	var rec report.Recorder
	return New(append([]Option{WithReporter(&rec)}, opts...)...), &rec
}

// enter runs fn within a wrapped listener, i.e. a top-level entry point.
func enter(r *Registry, fn func()) {
	r.Wrap(func(...any) any {
		fn()
		return nil
	}, true)()
}

func TestRegistry_Wrap_outsideWrappedContext(t *testing.T) {
	r, rec := newTestRegistry(t)

	var calledWith []any
	wrapped := r.Wrap(func(args ...any) any {
		calledWith = args
		return `result`
	}, false)

	require.Equal(t, 1, rec.Count(nil))
	require.Equal(t, 1, rec.Count(report.ErrUsageDefect))
	require.Len(t, r.Pending(), 1)

	if v := wrapped(1, `two`); v != `result` {
		t.Fatal(v)
	}
	assert.Equal(t, []any{1, `two`}, calledWith)
	assert.Empty(t, r.Pending())
	assert.Equal(t, 1, rec.Count(nil))
	assert.Equal(t, StateIdle, r.State())
}

func TestRegistry_Wrap_listenerNotPending(t *testing.T) {
	r, rec := newTestRegistry(t)
	var n int
	wrapped := r.Wrap(func(...any) any { n++; return nil }, true)
	wrapped()
	wrapped()
	wrapped()
	if n != 3 {
		t.Fatal(n)
	}
	if len(r.Pending()) != 0 || rec.Count(nil) != 0 {
		t.Fatal(r.Pending(), rec.Errors())
	}
}

func TestRegistry_Wrap_reentrant(t *testing.T) {
	r, rec := newTestRegistry(t)

	var (
		innerCalled bool
		states      []State
	)
	var inner Callback
	enter(r, func() {
		inner = r.Wrap(func(...any) any {
			innerCalled = true
			return nil
		}, false)
		states = append(states, r.State())
		// synchronous invocation from within a wrapped callback
		if v := inner(); v != nil {
			t.Error(v)
		}
		states = append(states, r.State())
	})

	assert.False(t, innerCalled)
	assert.Equal(t, []State{StateInCallback, StateInCallback}, states)
	assert.Equal(t, StateIdle, r.State())
	require.Equal(t, 1, rec.Count(report.ErrUsageDefect), rec.Errors())
	// still pending, and still usable once the stack unwinds
	require.Len(t, r.Pending(), 1)

	inner()
	assert.True(t, innerCalled)
	assert.Empty(t, r.Pending())
	assert.Equal(t, 1, rec.Count(nil))
}

func TestRegistry_Wrap_drainsPending(t *testing.T) {
	for _, n := range [...]int{0, 1, 2, 7, 64} {
		r, rec := newTestRegistry(t)
		var wrapped []Callback
		enter(r, func() {
			for i := 0; i < n; i++ {
				wrapped = append(wrapped, r.Wrap(func(...any) any { return nil }, false))
			}
		})
		if len(r.Pending()) != n {
			t.Fatal(n, len(r.Pending()))
		}
		// invoke in reverse, order is up to the host
		for i := len(wrapped) - 1; i >= 0; i-- {
			wrapped[i]()
		}
		if len(r.Pending()) != 0 || rec.Count(nil) != 0 {
			t.Fatal(n, r.DebugSnapshot(), rec.Errors())
		}
		if r.CheckTeardown() != 0 {
			t.Fatal(n)
		}
	}
}

func TestRegistry_Wrap_panicRecovered(t *testing.T) {
	r, rec := newTestRegistry(t)
	var order []string
	r.RegisterHookFactory(func() Hook {
		return HookFuncs{
			BeforeFunc: func() { order = append(order, `before`) },
			AfterFunc:  func() { order = append(order, `after`) },
		}
	})

	cause := errors.New(`boom`)
	wrapped := r.Wrap(func(...any) any {
		order = append(order, `callback`)
		panic(cause)
	}, true)

	if v := wrapped(); v != nil {
		t.Fatal(v)
	}

	assert.Equal(t, []string{`before`, `callback`, `after`}, order)
	assert.Equal(t, StateIdle, r.State())
	require.Equal(t, 1, rec.Count(nil))
	assert.ErrorIs(t, rec.Errors()[0], report.ErrCallbackException)
	assert.ErrorIs(t, rec.Errors()[0], cause)

	// the registry remains usable
	order = nil
	r.Wrap(func(...any) any {
		order = append(order, `callback`)
		return nil
	}, true)()
	assert.Equal(t, []string{`before`, `callback`, `after`}, order)
}

func TestRegistry_Wrap_hookPanics(t *testing.T) {
	for _, tc := range [...]struct {
		name     string
		before   bool
		after    bool
		expected []string
	}{
		{`before`, true, false, []string{`before`, `after`}},
		{`after`, false, true, []string{`before`, `callback`, `after`}},
		{`both`, true, true, []string{`before`, `after`}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, rec := newTestRegistry(t)
			var order []string
			r.RegisterHookFactory(func() Hook {
				return HookFuncs{
					BeforeFunc: func() {
						order = append(order, `before`)
						if tc.before {
							panic(`before`)
						}
					},
					AfterFunc: func() {
						order = append(order, `after`)
						if tc.after {
							panic(`after`)
						}
					},
				}
			})
			r.Wrap(func(...any) any {
				order = append(order, `callback`)
				return nil
			}, true)()
			assert.Equal(t, tc.expected, order)
			assert.Equal(t, StateIdle, r.State())
			var expectedReports int
			if tc.before {
				expectedReports++
			}
			if tc.after {
				expectedReports++
			}
			assert.Equal(t, expectedReports, rec.Count(report.ErrCallbackException))
		})
	}
}

func TestRegistry_Wrap_nilCallback(t *testing.T) {
	r, rec := newTestRegistry(t)
	wrapped := r.Wrap(nil, true)
	if rec.Count(report.ErrUsageDefect) != 1 {
		t.Fatal(rec.Errors())
	}
	if v := wrapped(`x`); v != nil {
		t.Fatal(v)
	}
	if rec.Count(nil) != 1 {
		t.Fatal(rec.Errors())
	}
}

func TestRegistry_Wrap_hookPerWrap(t *testing.T) {
	r, _ := newTestRegistry(t)
	var created int
	r.RegisterHookFactory(func() Hook {
		created++
		if created%2 == 0 {
			return nil
		}
		return HookFuncs{}
	})
	a := r.Wrap(func(...any) any { return nil }, true)
	b := r.Wrap(func(...any) any { return nil }, true)
	a()
	a()
	b()
	if created != 2 {
		t.Fatal(created)
	}
}

func TestRegistry_RegisterHookFactory_twice(t *testing.T) {
	r, rec := newTestRegistry(t)
	var which string
	r.RegisterHookFactory(func() Hook { return HookFuncs{BeforeFunc: func() { which = `first` }} })
	if rec.Count(nil) != 0 {
		t.Fatal(rec.Errors())
	}
	r.RegisterHookFactory(func() Hook { return HookFuncs{BeforeFunc: func() { which = `second` }} })
	if rec.Count(nil) != 1 || rec.Count(report.ErrUsageDefect) != 1 {
		t.Fatal(rec.Errors())
	}
	r.Wrap(func(...any) any { return nil }, true)()
	if which != `second` {
		t.Fatal(which)
	}
}

func TestRegistry_AssertInWrappedContext(t *testing.T) {
	r, rec := newTestRegistry(t)
	if r.AssertInWrappedContext() || r.InWrappedContext() {
		t.Fatal()
	}
	if rec.Count(report.ErrUsageDefect) != 1 {
		t.Fatal(rec.Errors())
	}
	var ok, in bool
	enter(r, func() {
		ok = r.AssertInWrappedContext()
		in = r.InWrappedContext()
	})
	if !ok || !in || rec.Count(nil) != 1 {
		t.Fatal(ok, in, rec.Errors())
	}
}

func TestRegistry_DebugSnapshot(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r, _ := newTestRegistry(t, WithClock(func() time.Time { return created }))

	var wrapped []Callback
	enter(r, func() {
		for i := 0; i < 3; i++ {
			wrapped = append(wrapped, r.Wrap(func(...any) any { return nil }, false))
		}
	})
	wrapped[1]()

	snapshot := r.DebugSnapshot()
	assert.True(t, strings.HasPrefix(snapshot, "2 pending callback(s)\ncallback 1 created 2024-01-02T03:04:05Z\n\t"), snapshot)
	assert.Contains(t, snapshot, "callback 3 created 2024-01-02T03:04:05Z\n\t")
	assert.NotContains(t, snapshot, `callback 2 `)
	assert.Contains(t, snapshot, `TestRegistry_DebugSnapshot`)

	pending := r.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, uint64(1), pending[0].ID)
	assert.Equal(t, uint64(3), pending[1].ID)
}

func stringDiff(expected, actual string) string {
	return fmt.Sprint(diff.ToUnified(`expected`, `actual`, expected, myers.ComputeEdits(``, expected, actual)))
}

func TestRegistry_DebugSnapshot_noStackCapture(t *testing.T) {
	now := time.Unix(0, 0).UTC()
	r, _ := newTestRegistry(t, WithStackCapture(false), WithClock(func() time.Time {
		now = now.Add(time.Millisecond * 1500)
		return now
	}))
	enter(r, func() {
		r.Wrap(func(...any) any { return nil }, false)
		r.Wrap(func(...any) any { return nil }, true)
		r.Wrap(func(...any) any { return nil }, false)
	})
	const expected = "2 pending callback(s)\n" +
		"callback 1 created 1970-01-01T00:00:01.5Z\n" +
		"callback 2 created 1970-01-01T00:00:03Z\n"
	if s := r.DebugSnapshot(); s != expected {
		t.Errorf("unexpected snapshot:\n%s", stringDiff(expected, s))
	}
}

func TestRegistry_CheckTeardown(t *testing.T) {
	r, rec := newTestRegistry(t)
	enter(r, func() {
		r.Wrap(func(...any) any { return nil }, false)
		r.Wrap(func(...any) any { return nil }, false)
	})
	if n := r.CheckTeardown(); n != 2 {
		t.Fatal(n)
	}
	errs := rec.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], report.ErrUsageDefect)
	assert.Contains(t, errs[0].Error(), `2 callback(s) still pending at teardown`)
}

func TestState_String(t *testing.T) {
	for _, tc := range [...]struct {
		state    State
		expected string
	}{
		{StateIdle, `idle`},
		{StateInCallback, `in callback`},
		{State(9), `State(9)`},
	} {
		if s := tc.state.String(); s != tc.expected {
			t.Error(s)
		}
	}
}
