// Package domain provides core domain implementations.
package domain

import (
	"sort"
	"sync"
	"time"
)

// DeviceRegistry implements the Registry interface for panel loop devices.
type DeviceRegistry struct {
	devices map[int]*DeviceInfo
	mutex   sync.RWMutex
}

// NewDeviceRegistry creates a new device registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		devices: make(map[int]*DeviceInfo),
	}
}

// Touch records that a device reported, with its raw status word.
func (r *DeviceRegistry) Touch(address int, statusWord string, offline bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	device, exists := r.devices[address]
	if !exists {
		device = &DeviceInfo{Address: address}
		r.devices[address] = device
	}

	device.LastWord = statusWord
	device.LastSeen = time.Now()
	device.Offline = offline
}

// Get retrieves information about a device.
func (r *DeviceRegistry) Get(address int) (*DeviceInfo, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	device, exists := r.devices[address]
	if !exists {
		return nil, false
	}

	copied := *device
	return &copied, true
}

// All returns information about every known device, ordered by address.
func (r *DeviceRegistry) All() []*DeviceInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	devices := make([]*DeviceInfo, 0, len(r.devices))
	for _, device := range r.devices {
		copied := *device
		devices = append(devices, &copied)
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Address < devices[j].Address
	})

	return devices
}

// Prune removes devices above the given address and returns how many were dropped.
func (r *DeviceRegistry) Prune(maxAddress int) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	removed := 0
	for address := range r.devices {
		if address > maxAddress {
			delete(r.devices, address)
			removed++
		}
	}

	return removed
}

// Clear removes all devices.
func (r *DeviceRegistry) Clear() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.devices = make(map[int]*DeviceInfo)
}
