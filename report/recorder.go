package report

import (
	"errors"
	"sync"
)

// Recorder is an in-memory error channel, intended for tests.
type Recorder struct {
	errs []error
	mu   sync.Mutex
}

func (x *Recorder) Report(err error) {
	if err == nil {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.errs = append(x.errs, err)
}

// Errors returns a copy of all recorded errors.
func (x *Recorder) Errors() []error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]error(nil), x.errs...)
}

// Count returns the number of recorded errors matching target, per
// errors.Is, or all errors if target is nil.
func (x *Recorder) Count(target error) (n int) {
	for _, err := range x.Errors() {
		if target == nil || errors.Is(err, target) {
			n++
		}
	}
	return
}

// Reset clears all recorded errors.
func (x *Recorder) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.errs = nil
}
