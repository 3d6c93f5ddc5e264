// Package domain provides core domain implementations.
package domain

import (
	"context"
	"sort"
	"sync"
)

// DeviceRegistry implements the Registry interface.
type DeviceRegistry struct {
	devices map[string]DeviceStatus
	mutex   sync.RWMutex
}

// NewDeviceRegistry creates a new device registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		devices: make(map[string]DeviceStatus),
	}
}

// Update stores the latest status of a device.
func (r *DeviceRegistry) Update(status DeviceStatus) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	status.Snapshot = status.Snapshot.Clone()
	r.devices[status.Name] = status
}

// OnStatus implements StatusListener.
func (r *DeviceRegistry) OnStatus(_ context.Context, status DeviceStatus) {
	r.Update(status)
}

// Get retrieves the status of a device.
func (r *DeviceRegistry) Get(name string) (DeviceStatus, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	status, exists := r.devices[name]
	if !exists {
		return DeviceStatus{}, false
	}

	status.Snapshot = status.Snapshot.Clone()
	return status, true
}

// All returns the status of every device, ordered by name.
func (r *DeviceRegistry) All() []DeviceStatus {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	devices := make([]DeviceStatus, 0, len(r.devices))
	for _, status := range r.devices {
		status.Snapshot = status.Snapshot.Clone()
		devices = append(devices, status)
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Name < devices[j].Name
	})

	return devices
}

// Remove drops a device from the registry.
func (r *DeviceRegistry) Remove(name string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.devices, name)
}
