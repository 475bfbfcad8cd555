package wrapper

import (
	"fmt"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/joeycumines/go-taskwrap/report"
	"github.com/joeycumines/logiface"
)

// maxStackDepth bounds the number of frames captured per pending callback.
const maxStackDepth = 32

type (
	// Callback is the shape of every instrumentable callback.
	Callback func(args ...any) any

	// State models whether a wrapped callback is currently executing.
	State uint8

	// Registry tracks wrapped callbacks, see the package docs.
	Registry struct {
		reporter     Reporter
		logger       *logiface.Logger[logiface.Event]
		now          func() time.Time
		factory      HookFactory
		pending      map[uint64]*PendingCallback
		nextID       uint64
		state        State
		stackCapture bool
	}

	// PendingCallback is a one-shot callback that has been wrapped, but not
	// yet invoked.
	PendingCallback struct {
		// Created is when Wrap was called.
		Created time.Time
		// pcs is the stack at the Wrap call, if captured
		pcs []uintptr
		// ID is unique and increasing, per Registry.
		ID uint64
	}
)

const (
	// StateIdle indicates no wrapped callback is executing.
	StateIdle State = iota
	// StateInCallback indicates a wrapped callback is executing.
	StateInCallback
)

func (x State) String() string {
	switch x {
	case StateIdle:
		return `idle`
	case StateInCallback:
		return `in callback`
	default:
		return fmt.Sprintf(`State(%d)`, uint8(x))
	}
}

// Stack formats the creation stack, one frame per line, or returns an empty
// string if stack capture was disabled.
func (x *PendingCallback) Stack() string {
	return formatStack(x.pcs)
}

// New initializes a Registry.
func New(opts ...Option) *Registry {
	cfg := resolveRegistryOptions(opts)
	return &Registry{
		reporter:     cfg.reporter,
		logger:       cfg.logger,
		now:          cfg.now,
		pending:      make(map[uint64]*PendingCallback),
		stackCapture: cfg.stackCapture,
	}
}

// Wrap returns an instrumented version of cb, to be handed to the host in
// its place. Listener callbacks, which the host may invoke any number of
// times, are not tracked as pending.
//
// Wrapping a one-shot callback outside of a wrapped callback, or wrapping a
// nil callback, are reported as usage defects. The wrapper is still returned,
// and remains usable.
func (x *Registry) Wrap(cb Callback, listener bool) Callback {
	if cb == nil {
		x.Report(report.UsageDefect(`wrap called with a nil callback`))
	}

	var pending *PendingCallback
	if !listener {
		if x.state != StateInCallback {
			x.Report(report.UsageDefect(`one-shot callback wrapped outside of a wrapped context`))
		}
		x.nextID++
		pending = &PendingCallback{
			Created: x.now(),
			ID:      x.nextID,
		}
		if x.stackCapture {
			pending.pcs = captureStack(3)
		}
		x.pending[pending.ID] = pending
	}

	var hook Hook
	if x.factory != nil {
		x.guard(func() { hook = x.factory() })
	}

	return func(args ...any) (result any) {
		if x.state != StateIdle {
			x.Report(report.UsageDefect(`wrapped callback invoked while another wrapped callback is executing`))
			return nil
		}

		x.state = StateInCallback
		defer x.exit()

		if pending != nil {
			delete(x.pending, pending.ID)
		}

		if hook != nil {
			defer x.guard(hook.After)
			if !x.guard(hook.Before) {
				return nil
			}
		}

		if cb != nil {
			x.guard(func() { result = cb(args...) })
		}

		return result
	}
}

// RegisterHookFactory installs the factory used by subsequent Wrap calls. A
// factory may only be registered once: subsequent calls still replace it, but
// are reported as usage defects.
func (x *Registry) RegisterHookFactory(factory HookFactory) {
	if x.factory != nil {
		x.Report(report.UsageDefect(`hook factory registered more than once`))
	}
	x.factory = factory
}

// InWrappedContext returns true if a wrapped callback is executing.
func (x *Registry) InWrappedContext() bool {
	return x.state == StateInCallback
}

// AssertInWrappedContext reports a usage defect, and returns false, if no
// wrapped callback is executing.
func (x *Registry) AssertInWrappedContext() bool {
	if x.state == StateInCallback {
		return true
	}
	x.Report(report.UsageDefect(`expected to be running in a wrapped context`))
	return false
}

// State returns the current execution state.
func (x *Registry) State() State {
	return x.state
}

// Pending returns the pending callbacks, ordered by ID.
func (x *Registry) Pending() []PendingCallback {
	pending := make([]PendingCallback, 0, len(x.pending))
	for _, p := range x.pending {
		pending = append(pending, *p)
	}
	slices.SortFunc(pending, func(a, b PendingCallback) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return pending
}

// DebugSnapshot describes every pending callback, for diagnosing leaks.
func (x *Registry) DebugSnapshot() string {
	pending := x.Pending()
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "%d pending callback(s)\n", len(pending))
	for _, p := range pending {
		_, _ = fmt.Fprintf(&b, "callback %d created %s\n", p.ID, p.Created.Format(time.RFC3339Nano))
		if stack := p.Stack(); stack != `` {
			for _, line := range strings.Split(stack, "\n") {
				b.WriteString("\t")
				b.WriteString(line)
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

// CheckTeardown should be called when the session ends. Any callbacks still
// pending are logged, and reported as a usage defect. Returns the number of
// pending callbacks.
func (x *Registry) CheckTeardown() int {
	n := len(x.pending)
	if n == 0 {
		return 0
	}
	snapshot := x.DebugSnapshot()
	x.logger.Warning().
		Int(`pending`, n).
		Str(`snapshot`, snapshot).
		Log(`pending callbacks at teardown`)
	x.Report(report.UsageDefect("%d callback(s) still pending at teardown\n%s", n, snapshot))
	return n
}

func (x *Registry) exit() {
	x.state = StateIdle
}

// guard calls fn, recovering and reporting any panic, returning false if fn
// panicked.
func (x *Registry) guard(fn func()) (ok bool) {
	defer func() {
		if !ok {
			x.Report(report.CallbackException(recover()))
		}
	}()
	fn()
	return true
}

// Report delivers err to the configured Reporter, or logs it, if there is
// none. It is shared by components built on the Registry.
func (x *Registry) Report(err error) {
	if err == nil {
		return
	}
	if x.reporter != nil {
		x.reporter.Report(err)
		return
	}
	x.logger.Err().
		Err(err).
		Log(`unreported error`)
}

func captureStack(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	return pcs[:runtime.Callers(skip, pcs)]
}

func formatStack(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ``
	}
	var b strings.Builder
	frames := runtime.CallersFrames(pcs)
	for {
		frame, more := frames.Next()
		if frame.Function != `` {
			if b.Len() != 0 {
				b.WriteByte('\n')
			}
			_, _ = fmt.Fprintf(&b, `%s (%s:%d)`, frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return b.String()
}
