// Package tasks serializes named units of work, such that only one runs at a
// time, where a unit of work is only finished once every callback it
// (transitively) handed to the host has been invoked.
//
// Tracking relies on a wrapper.Registry, to which a Serializer contributes a
// hook. Like the Registry, a Serializer is not safe for concurrent use.
package tasks

import (
	"fmt"
	"strings"

	"github.com/joeycumines/go-taskwrap/report"
	"github.com/joeycumines/go-taskwrap/wrapper"
	"github.com/joeycumines/logiface"
)

type (
	// Serializer is a FIFO queue of tasks, where the head of the queue is the
	// active task.
	Serializer struct {
		registry    *wrapper.Registry
		conflicting func(a, b string) bool
		logger      *logiface.Logger[logiface.Event]
		onFinish    func(name string)
		queue       []*task
		pending     int
		accepted    uint64
		rejected    uint64
		finished    uint64
		state       State
	}

	// State models whether a task body, or a callback spawned by a task, is
	// currently executing.
	State uint8

	// Stats is a point in time summary of a Serializer.
	Stats struct {
		// Active is the name of the active task, if any.
		Active string
		// Step is the step name of the active task, see SetStep.
		Step     string
		Queued   int
		Pending  int
		Accepted uint64
		Rejected uint64
		Finished uint64
		State    State
	}

	// Option configures a Serializer.
	Option func(c *serializerConfig)

	serializerConfig struct {
		logger   *logiface.Logger[logiface.Event]
		onFinish func(name string)
	}

	task struct {
		work func()
		name string
		step string
	}

	taskHook struct {
		serializer *Serializer
		spent      bool
	}
)

const (
	// StateIdle indicates no task code is executing.
	StateIdle State = iota
	// StateInTask indicates a task body, or one of its callbacks, is
	// executing.
	StateInTask
)

var _ wrapper.Hook = (*taskHook)(nil)

func (x State) String() string {
	switch x {
	case StateIdle:
		return `idle`
	case StateInTask:
		return `in task`
	default:
		return fmt.Sprintf(`State(%d)`, uint8(x))
	}
}

// WithLogger configures diagnostic logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(c *serializerConfig) {
		c.logger = logger
	}
}

// WithFinishHook configures a function that is called each time a task
// finishes, prior to starting the next task.
func WithFinishHook(fn func(name string)) Option {
	return func(c *serializerConfig) {
		c.onFinish = fn
	}
}

// NameConflicts is a conflict predicate, where tasks conflict if they have
// the same name.
func NameConflicts(a, b string) bool {
	return a == b
}

// New initializes a Serializer, registering its hook factory with the
// registry. The areConflicting predicate determines whether a new task (a)
// conflicts with a queued task (b).
func New(registry *wrapper.Registry, areConflicting func(a, b string) bool, opts ...Option) *Serializer {
	if registry == nil || areConflicting == nil {
		panic(`tasks: registry and areConflicting are required`)
	}
	var c serializerConfig
	for _, o := range opts {
		o(&c)
	}
	x := Serializer{
		registry:    registry,
		conflicting: areConflicting,
		logger:      c.logger,
		onFinish:    c.onFinish,
	}
	registry.RegisterHookFactory(x.newHook)
	return &x
}

// Add enqueues a task, unless it conflicts with any queued task (including
// the active one), in which case it is dropped. If the queue was empty, the
// task is started immediately, and synchronously.
//
// Add must be called from within a wrapped callback.
func (x *Serializer) Add(name string, work func()) {
	x.registry.AssertInWrappedContext()

	if work == nil {
		x.registry.Report(report.UsageDefect(`task %q added with a nil work function`, name))
		work = func() {}
	}

	for _, t := range x.queue {
		if x.conflicting(name, t.name) {
			x.rejected++
			x.logger.Debug().
				Str(`task`, name).
				Str(`conflict`, t.name).
				Log(`task dropped due to conflict`)
			return
		}
	}

	x.queue = append(x.queue, &task{work: work, name: name})
	x.accepted++

	x.logger.Debug().
		Str(`task`, name).
		Int(`queued`, len(x.queue)).
		Log(`task added`)

	if len(x.queue) == 1 {
		x.startFirst()
	}
}

// SetStep names the current step of the active task, for diagnostics.
func (x *Serializer) SetStep(step string) {
	if len(x.queue) == 0 {
		x.registry.Report(report.UsageDefect(`step %q set with no active task`, step))
		return
	}
	x.queue[0].step = step
	x.logger.Trace().
		Str(`task`, x.queue[0].name).
		Str(`step`, step).
		Log(`task step`)
}

// Stats returns a summary of the current state.
func (x *Serializer) Stats() Stats {
	s := Stats{
		Queued:   len(x.queue),
		Pending:  x.pending,
		Accepted: x.accepted,
		Rejected: x.rejected,
		Finished: x.finished,
		State:    x.state,
	}
	if len(x.queue) != 0 {
		s.Active = x.queue[0].name
		s.Step = x.queue[0].step
	}
	return s
}

// CheckTeardown should be called when the session ends, returning false (and
// reporting a usage defect) if any tasks remain queued.
func (x *Serializer) CheckTeardown() bool {
	if len(x.queue) == 0 {
		return true
	}
	dump := x.dump()
	x.logger.Warning().
		Int(`queued`, len(x.queue)).
		Int(`pending`, x.pending).
		Str(`queue`, dump).
		Log(`tasks queued at teardown`)
	x.registry.Report(report.UsageDefect("%d task(s) still queued at teardown\n%s%s", len(x.queue), dump, x.registry.DebugSnapshot()))
	return false
}

func (x *Serializer) startFirst() {
	t := x.queue[0]

	if x.pending != 0 {
		x.registry.Report(report.UsageDefect("task %q started with %d callback(s) still pending\n%s", t.name, x.pending, x.dump()))
	}

	x.logger.Debug().
		Str(`task`, t.name).
		Log(`task started`)

	x.state = StateInTask
	x.run(t)
	x.state = StateIdle

	if x.pending == 0 {
		x.finish()
	}
}

func (x *Serializer) run(t *task) {
	defer func() {
		if r := recover(); r != nil {
			x.registry.Report(report.CallbackException(r))
		}
	}()
	t.work()
}

func (x *Serializer) finish() {
	if len(x.queue) == 0 {
		x.registry.Report(report.UsageDefect(`task finished with an empty queue`))
		return
	}

	t := x.queue[0]
	x.queue[0] = nil
	x.queue = x.queue[1:]
	x.finished++

	x.logger.Debug().
		Str(`task`, t.name).
		Int(`queued`, len(x.queue)).
		Log(`task finished`)

	if x.onFinish != nil {
		x.callFinishHook(t.name)
	}

	if len(x.queue) != 0 {
		x.startFirst()
	}
}

// callFinishHook reports a panicking hook, so the next task still starts.
func (x *Serializer) callFinishHook(name string) {
	defer func() {
		if r := recover(); r != nil {
			x.registry.Report(report.CallbackException(r))
		}
	}()
	x.onFinish(name)
}

func (x *Serializer) dump() string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "task queue (%d), %d pending callback(s):\n", len(x.queue), x.pending)
	for i, t := range x.queue {
		_, _ = fmt.Fprintf(&b, "\t%d: %s", i, t.name)
		if t.step != `` {
			_, _ = fmt.Fprintf(&b, ` [%s]`, t.step)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// newHook is the wrapper.HookFactory, it returns nil for callbacks wrapped
// outside of a task.
func (x *Serializer) newHook() wrapper.Hook {
	if x.state != StateInTask {
		return nil
	}
	x.pending++
	return &taskHook{serializer: x}
}

func (x *taskHook) Before() {
	if x.spent {
		return
	}
	s := x.serializer
	if s.state == StateInTask {
		s.registry.Report(report.UsageDefect(`task callback invoked while already in a task`))
	}
	s.state = StateInTask
}

// After releases the pending count held by the hook, at most once, finishing
// the task if it was the last.
func (x *taskHook) After() {
	if x.spent {
		return
	}
	x.spent = true
	s := x.serializer
	s.state = StateIdle
	s.pending--
	if s.pending == 0 {
		s.finish()
	}
}
