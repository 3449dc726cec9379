// Package fleet holds the in-memory device registry shared by the push and
// pull coordinators.
//
// Each Registry has a single writer (its coordinator). Writes are
// serialized and publish a fresh immutable map, so readers load the current
// map atomically and never take a lock.
package fleet

import (
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/HerbHall/miningops/pkg/models"
)

type devices = map[netip.Addr]models.DeviceState

// Registry maps device identity to its current state for one device kind.
type Registry struct {
	kind models.DeviceKind

	mu      sync.Mutex // serializes writers
	current atomic.Pointer[devices]
}

// New returns an empty registry for devices of the given kind.
func New(kind models.DeviceKind) *Registry {
	r := &Registry{kind: kind}
	empty := make(devices)
	r.current.Store(&empty)
	return r
}

// Kind returns the device kind held by the registry.
func (r *Registry) Kind() models.DeviceKind { return r.kind }

// Get returns a copy of the state for addr.
func (r *Registry) Get(addr netip.Addr) (models.DeviceState, bool) {
	d, ok := (*r.current.Load())[addr]
	if !ok {
		return models.DeviceState{}, false
	}
	return d.Clone(), true
}

// List returns copies of every device ordered by address.
func (r *Registry) List() []models.DeviceState {
	m := *r.current.Load()
	out := make([]models.DeviceState, 0, len(m))
	for _, d := range m {
		out = append(out, d.Clone())
	}
	slices.SortFunc(out, func(a, b models.DeviceState) int {
		return a.Identity.Compare(b.Identity)
	})
	return out
}

// Len returns the number of devices.
func (r *Registry) Len() int {
	return len(*r.current.Load())
}

// Update applies fn to the state for addr and commits the result. A device
// not yet present starts from a zero state carrying addr and the registry
// kind; created reports that case. fn runs under the writer lock and must
// not call back into the registry.
func (r *Registry) Update(addr netip.Addr, fn func(d *models.DeviceState)) (state models.DeviceState, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.current.Load()
	d, ok := old[addr]
	if ok {
		d = d.Clone()
	} else {
		d = models.DeviceState{Identity: addr, Kind: r.kind}
	}
	fn(&d)
	d.Identity = addr
	d.Kind = r.kind

	next := make(devices, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[addr] = d
	r.current.Store(&next)
	return d.Clone(), !ok
}

// UpdateAll applies fn to every device and commits the changed ones in a
// single swap. fn reports whether it modified the state.
func (r *Registry) UpdateAll(fn func(d *models.DeviceState) bool) []models.DeviceState {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.current.Load()
	var changed []models.DeviceState
	next := make(devices, len(old))
	for k, v := range old {
		c := v.Clone()
		if fn(&c) {
			next[k] = c
			changed = append(changed, c.Clone())
			continue
		}
		next[k] = v
	}
	if len(changed) == 0 {
		return nil
	}
	r.current.Store(&next)
	slices.SortFunc(changed, func(a, b models.DeviceState) int {
		return a.Identity.Compare(b.Identity)
	})
	return changed
}

// Delete removes addr and reports whether it was present.
func (r *Registry) Delete(addr netip.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.current.Load()
	if _, ok := old[addr]; !ok {
		return false
	}
	next := make(devices, len(old))
	for k, v := range old {
		if k != addr {
			next[k] = v
		}
	}
	r.current.Store(&next)
	return true
}
