package wrapper

type (
	// Hook runs around the execution of a single wrapped callback. An
	// instance is created once per Wrap call, and may be invoked zero or more
	// times, depending on how often the host invokes the wrapper.
	//
	// After is called whenever Before was called, even if Before or the
	// callback panicked.
	Hook interface {
		Before()
		After()
	}

	// HookFactory is called once per Wrap call, listener or not. It may
	// return nil, indicating no hook for that callback.
	HookFactory func() Hook

	// HookFuncs implements Hook, nil fields are no-ops.
	HookFuncs struct {
		BeforeFunc func()
		AfterFunc  func()
	}
)

var _ Hook = HookFuncs{}

func (x HookFuncs) Before() {
	if x.BeforeFunc != nil {
		x.BeforeFunc()
	}
}

func (x HookFuncs) After() {
	if x.AfterFunc != nil {
		x.AfterFunc()
	}
}
