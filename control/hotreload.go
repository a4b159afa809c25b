// control/hotreload.go
// Author: momentics <momentics@gmail.com>
//
// Per-key hot-reload hooks on top of ConfigStore.

package control

import (
	"reflect"
	"sync"
)

// ReloadHook receives the new value of a changed configuration key.
type ReloadHook func(value any)

// HotReloader calls the hooks of every key whose value changed between two
// consecutive ConfigStore snapshots.
type HotReloader struct {
	store *ConfigStore
	mu    sync.Mutex
	last  map[string]any
	hooks map[string][]ReloadHook
}

// NewHotReloader attaches a reloader to cs. The current snapshot is the
// baseline, so hooks only fire for later changes.
func NewHotReloader(cs *ConfigStore) *HotReloader {
	hr := &HotReloader{
		store: cs,
		last:  cs.GetSnapshot(),
		hooks: make(map[string][]ReloadHook),
	}
	cs.OnReload(hr.Trigger)
	return hr
}

// On registers fn for key.
func (hr *HotReloader) On(key string, fn ReloadHook) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.hooks[key] = append(hr.hooks[key], fn)
}

// Trigger diffs the store against the last snapshot and runs hooks
// synchronously. ConfigStore calls it after every SetConfig.
func (hr *HotReloader) Trigger() {
	snap := hr.store.GetSnapshot()
	hr.mu.Lock()
	var fire []func()
	for k, v := range snap {
		if old, ok := hr.last[k]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		for _, fn := range hr.hooks[k] {
			fn, v := fn, v
			fire = append(fire, func() { fn(v) })
		}
	}
	hr.last = snap
	hr.mu.Unlock()

	for _, f := range fire {
		f()
	}
}
