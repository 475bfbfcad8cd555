package instrument

import (
	"github.com/joeycumines/go-taskwrap/host"
)

// Capability paths registered by Wakes and Storage.
const (
	PathWakesCreate      = `alarms.create`
	PathWakesClear       = `alarms.clear`
	PathWakesGet         = `alarms.get`
	PathWakesAddListener = `alarms.onAlarm.addListener`
	PathStorageGet       = `storage.local.get`
	PathStorageSet       = `storage.local.set`
	PathStorageRemove    = `storage.local.remove`
)

type (
	wakesProxy struct {
		create Func
		clear  Func
		get    Func
		listen Func
	}

	storageProxy struct {
		get    Func
		set    Func
		remove Func
	}
)

var (
	// compile time assertions

	_ host.WakeService = (*wakesProxy)(nil)
	_ host.Storage     = (*storageProxy)(nil)
)

// Wakes registers the capabilities of svc in the facade's table, instruments
// them, and returns a host.WakeService that uses the instrumented versions.
// A nil callback passed to Get is replaced by a no-op.
func Wakes(f *Facade, svc host.WakeService) host.WakeService {
	f.table.Set(PathWakesCreate, func(args ...any) any {
		svc.Create(args[0].(string), args[1].(host.WakeInfo))
		return nil
	})
	f.table.Set(PathWakesClear, func(args ...any) any {
		svc.Cancel(args[0].(string))
		return nil
	})
	f.table.Set(PathWakesGet, func(args ...any) any {
		svc.Get(args[0].(string), args[1].(func(*host.Wake)))
		return nil
	})
	f.table.Set(PathWakesAddListener, func(args ...any) any {
		svc.OnWake(args[0].(func(host.Wake)))
		return nil
	})
	return &wakesProxy{
		create: f.Instrument(PathWakesCreate, NoCallback),
		clear:  f.Instrument(PathWakesClear, NoCallback),
		get:    f.Instrument(PathWakesGet, 1),
		listen: f.Instrument(PathWakesAddListener, 0),
	}
}

func (x *wakesProxy) Create(name string, info host.WakeInfo) { x.create(name, info) }

func (x *wakesProxy) Cancel(name string) { x.clear(name) }

func (x *wakesProxy) Get(name string, cb func(wake *host.Wake)) {
	if cb == nil {
		cb = func(*host.Wake) {}
	}
	x.get(name, cb)
}

func (x *wakesProxy) OnWake(listener func(wake host.Wake)) { x.listen(listener) }

// Storage registers the capabilities of store in the facade's table,
// instruments them, and returns a host.Storage that uses the instrumented
// versions. A nil callback is replaced by a no-op, so that completion is
// still tracked.
func Storage(f *Facade, store host.Storage) host.Storage {
	f.table.Set(PathStorageGet, func(args ...any) any {
		store.Get(args[0].([]string), args[1].(func(map[string]any, error)))
		return nil
	})
	f.table.Set(PathStorageSet, func(args ...any) any {
		store.Set(args[0].(map[string]any), args[1].(func(error)))
		return nil
	})
	f.table.Set(PathStorageRemove, func(args ...any) any {
		store.Remove(args[0].([]string), args[1].(func(error)))
		return nil
	})
	return &storageProxy{
		get:    f.Instrument(PathStorageGet, 1),
		set:    f.Instrument(PathStorageSet, 1),
		remove: f.Instrument(PathStorageRemove, 1),
	}
}

func (x *storageProxy) Get(keys []string, cb func(values map[string]any, err error)) {
	if cb == nil {
		cb = func(map[string]any, error) {}
	}
	x.get(keys, cb)
}

func (x *storageProxy) Set(items map[string]any, cb func(err error)) {
	x.set(items, orNoop(cb))
}

func (x *storageProxy) Remove(keys []string, cb func(err error)) {
	x.remove(keys, orNoop(cb))
}

func orNoop(cb func(err error)) func(err error) {
	if cb == nil {
		return func(error) {}
	}
	return cb
}
