// Package discovery finds peer devices on the local network via UDP
// beacons and a concurrent TCP probe scan, and keeps a TTL-evicted
// registry of what it has found.
package discovery

import (
	"errors"
	"sync"
	"time"

	"github.com/syndro-project/syndro/internal/model"
)

// ErrDeviceNotFound is returned by Get for an id the registry doesn't hold.
var ErrDeviceNotFound = errors.New("discovery: device not found")

// DeviceTTL is how long a device is kept after its last beacon or probe hit.
const DeviceTTL = 60 * time.Second

// SweepInterval is how often the registry scans for and evicts stale devices.
const SweepInterval = 30 * time.Second

// OnEvicted, if set, is called (outside the registry's lock) whenever a
// device ages out.
type Registry struct {
	mu         sync.RWMutex
	devices    map[string]model.Device
	onEvicted  func(model.Device)
	selfID     string
}

// NewRegistry creates an empty device registry. selfID is the local
// device's own id, used to ignore self-beacons and self-probes.
func NewRegistry(selfID string) *Registry {
	return &Registry{
		devices: make(map[string]model.Device),
		selfID:  selfID,
	}
}

// OnEviction registers a callback invoked when a device is evicted by Sweep.
func (r *Registry) OnEviction(fn func(model.Device)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvicted = fn
}

// Upsert records a sighting of device, refreshing LastSeen and IsOnline.
// A self-sighting (device.ID == selfID) is ignored.
func (r *Registry) Upsert(device model.Device) {
	if device.ID == r.selfID {
		return
	}
	device.LastSeen = time.Now()
	device.IsOnline = true

	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[device.ID] = device
}

// Get returns the device registered under id.
func (r *Registry) Get(id string) (model.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return model.Device{}, ErrDeviceNotFound
	}
	return d, nil
}

// List returns every currently-registered device, online or not yet swept.
func (r *Registry) List() []model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// Sweep evicts every device whose LastSeen exceeds DeviceTTL, returning the
// evicted devices and invoking the OnEviction callback for each.
func (r *Registry) Sweep() []model.Device {
	now := time.Now()

	r.mu.Lock()
	var evicted []model.Device
	for id, d := range r.devices {
		if now.Sub(d.LastSeen) > DeviceTTL {
			evicted = append(evicted, d)
			delete(r.devices, id)
		}
	}
	cb := r.onEvicted
	r.mu.Unlock()

	if cb != nil {
		for _, d := range evicted {
			cb(d)
		}
	}
	return evicted
}

// Run sweeps the registry every SweepInterval until stop is closed.
func (r *Registry) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-stop:
			return
		}
	}
}
