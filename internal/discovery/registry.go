package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/types"
)

type registryEntry struct {
	device   types.NetworkDevice
	lastSeen time.Time
}

// Registry tracks discovered servers and ages them out.
type Registry struct {
	staleAfter time.Duration

	mu      sync.Mutex
	entries map[string]registryEntry
	dirty   bool
}

func NewRegistry(staleAfter time.Duration) *Registry {
	return &Registry{
		staleAfter: staleAfter,
		entries:    make(map[string]registryEntry),
	}
}

// Seen records a sighting and reports whether the device was new.
func (r *Registry) Seen(device types.NetworkDevice, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := device.Key()
	_, known := r.entries[key]
	r.entries[key] = registryEntry{device: device, lastSeen: now}
	if !known {
		r.dirty = true
	}
	return !known
}

// Sweep evicts entries last seen more than staleAfter before now. It returns the
// remaining devices and whether the set changed since the previous Sweep.
func (r *Registry) Sweep(now time.Time) ([]types.NetworkDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, entry := range r.entries {
		if now.Sub(entry.lastSeen) > r.staleAfter {
			delete(r.entries, key)
			r.dirty = true
		}
	}

	changed := r.dirty
	r.dirty = false
	return r.snapshotLocked(), changed
}

func (r *Registry) Snapshot() []types.NetworkDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []types.NetworkDevice {
	devices := make([]types.NetworkDevice, 0, len(r.entries))
	for _, entry := range r.entries {
		devices = append(devices, entry.device)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Key() < devices[j].Key()
	})
	return devices
}
