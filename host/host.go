// Package host models the asynchronous capabilities provided by the host
// application: a wake (alarm) service, and key-value storage.
//
// All callbacks are invoked asynchronously, on the host's dispatch thread,
// never synchronously from within the call that accepted them.
package host

import (
	"time"
)

type (
	// WakeInfo configures a wake. A positive Period makes the wake periodic,
	// firing every Period after the first (Delay) firing.
	WakeInfo struct {
		Delay  time.Duration
		Period time.Duration
	}

	// Wake describes a scheduled wake, or a wake event.
	Wake struct {
		// Scheduled is when the wake will next fire.
		Scheduled time.Time
		Name      string
		Period    time.Duration
	}

	// WakeService schedules named wakes. Creating a wake replaces any
	// existing wake with the same name.
	WakeService interface {
		Create(name string, info WakeInfo)
		Cancel(name string)
		// Get calls cb with the named wake, or nil if none is scheduled.
		Get(name string, cb func(wake *Wake))
		// OnWake adds a listener, called each time any wake fires.
		OnWake(listener func(wake Wake))
	}

	// Storage is an asynchronous key-value store. Values must be of a type
	// that the implementation is able to persist, e.g. float64, string.
	Storage interface {
		// Get calls cb with the values present for keys. Absent keys are
		// omitted from the map.
		Get(keys []string, cb func(values map[string]any, err error))
		Set(items map[string]any, cb func(err error))
		Remove(keys []string, cb func(err error))
	}
)

// WithDefaults returns a copy of values, with each key in defaults that is
// absent from values set to the default.
func WithDefaults(values, defaults map[string]any) map[string]any {
	result := make(map[string]any, len(values)+len(defaults))
	for k, v := range defaults {
		result[k] = v
	}
	for k, v := range values {
		result[k] = v
	}
	return result
}

// Float64 extracts a numeric value, as stored by Storage implementations that
// may round-trip numbers as other types.
func Float64(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case uint32:
		return float64(v), true
	default:
		return 0, false
	}
}
