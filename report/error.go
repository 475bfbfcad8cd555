package report

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// Kind classifies a reported failure.
type Kind int8

const (
	// KindUnknown is used for errors that did not originate from this module.
	KindUnknown Kind = iota
	// KindUsageDefect indicates a caller violated a precondition.
	KindUsageDefect
	// KindHostDelegationFailure indicates a host capability did not resolve,
	// or was invoked with a malformed callback argument.
	KindHostDelegationFailure
	// KindCallbackException indicates a caller-supplied callback panicked.
	KindCallbackException
	// KindPersistenceSoftFailure indicates a storage operation failed, and a
	// fallback was used.
	KindPersistenceSoftFailure
)

var (
	ErrUsageDefect            = errors.New(`taskwrap: usage defect`)
	ErrHostDelegationFailure  = errors.New(`taskwrap: host delegation failure`)
	ErrCallbackException      = errors.New(`taskwrap: callback exception`)
	ErrPersistenceSoftFailure = errors.New(`taskwrap: persistence soft failure`)
)

type (
	// Error is the structured error delivered to a Reporter.
	//
	// It matches the sentinel for its Kind, via errors.Is, e.g.
	// errors.Is(err, ErrUsageDefect).
	Error struct {
		// Time is when the error was constructed.
		Time time.Time
		// Cause is the underlying error, if any.
		Cause error
		// Value is the recovered panic value, for KindCallbackException.
		Value any
		// ID is assigned by Reporter, on first report.
		ID string
		// Message describes the failure.
		Message string
		// Stack is the goroutine stack at construction (or recovery).
		Stack string
		Kind  Kind
	}
)

// String returns the lower case, human-readable name of the kind.
func (x Kind) String() string {
	switch x {
	case KindUsageDefect:
		return `usage defect`
	case KindHostDelegationFailure:
		return `host delegation failure`
	case KindCallbackException:
		return `callback exception`
	case KindPersistenceSoftFailure:
		return `persistence soft failure`
	default:
		return `unknown`
	}
}

func (x Kind) sentinel() error {
	switch x {
	case KindUsageDefect:
		return ErrUsageDefect
	case KindHostDelegationFailure:
		return ErrHostDelegationFailure
	case KindCallbackException:
		return ErrCallbackException
	case KindPersistenceSoftFailure:
		return ErrPersistenceSoftFailure
	default:
		return nil
	}
}

func (x *Error) Error() string {
	msg := `taskwrap: ` + x.Kind.String()
	if x.Message != `` {
		msg += `: ` + x.Message
	}
	if x.Cause != nil {
		msg += `: ` + x.Cause.Error()
	}
	return msg
}

func (x *Error) Unwrap() error {
	return x.Cause
}

// Is matches the sentinel error for the kind.
func (x *Error) Is(target error) bool {
	if s := x.Kind.sentinel(); s != nil && s == target {
		return true
	}
	return false
}

// UsageDefect constructs a KindUsageDefect error, capturing the stack.
func UsageDefect(format string, args ...any) *Error {
	return newError(KindUsageDefect, nil, format, args...)
}

// HostDelegationFailure constructs a KindHostDelegationFailure error,
// capturing the stack.
func HostDelegationFailure(format string, args ...any) *Error {
	return newError(KindHostDelegationFailure, nil, format, args...)
}

// PersistenceSoftFailure constructs a KindPersistenceSoftFailure error,
// wrapping cause.
func PersistenceSoftFailure(cause error, format string, args ...any) *Error {
	return newError(KindPersistenceSoftFailure, cause, format, args...)
}

// CallbackException constructs a KindCallbackException error, from a value
// returned by recover. It must be called from the deferred function that
// recovered, so that the stack includes the panic site.
func CallbackException(recovered any) *Error {
	e := newError(KindCallbackException, nil, `%v`, recovered)
	e.Value = recovered
	if err, ok := recovered.(error); ok {
		e.Cause = err
		// avoid repeating the cause in Error
		e.Message = `panic`
	}
	return e
}

// As converts any error to an *Error, wrapping it as KindUnknown if
// necessary. A nil error returns nil.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Time:    time.Now(),
		Cause:   err,
		Stack:   string(debug.Stack()),
		Kind:    KindUnknown,
		Message: ``,
	}
}

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{
		Time:    time.Now(),
		Cause:   cause,
		Message: fmt.Sprintf(format, args...),
		Stack:   string(debug.Stack()),
		Kind:    kind,
	}
}
