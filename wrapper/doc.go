// Package wrapper tracks asynchronous callbacks, handed to a host that
// invokes them later, on a single cooperative dispatch thread.
//
// Every callback passed to the host is first wrapped via [Registry.Wrap].
// The wrapper enforces that at most one wrapped callback executes at any
// instant, keeps one-shot callbacks in a pending set until the host invokes
// them, runs the [Hook] (if any) around the callback, and recovers any panic,
// delivering it to the configured [Reporter] rather than the host.
//
// A Registry is not safe for concurrent use. All methods, and all wrappers
// it returns, must be called from the host's dispatch thread.
package wrapper
