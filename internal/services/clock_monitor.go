package services

import (
	"sort"
	"sync"
	"time"

	"github.com/bracketsync/server/internal/models"
)

// ClockMonitor tracks per-device clock offsets, observed by comparing the
// timestamp a device claims for a write against the server's receipt
// time. The offsets feed clock-sync status on conflict analyses and the
// synchronized-timestamp ordering used by timestamp-based strategies.
type ClockMonitor struct {
	mu      sync.RWMutex
	devices map[string]*models.DeviceClockStatus
}

// NewClockMonitor creates a new ClockMonitor
func NewClockMonitor() *ClockMonitor {
	return &ClockMonitor{
		devices: make(map[string]*models.DeviceClockStatus),
	}
}

// Observe folds one claimed-vs-received pair into the device's running
// offset. Zero claimed timestamps are ignored.
func (m *ClockMonitor) Observe(deviceID string, claimed, received time.Time) {
	if deviceID == "" || claimed.IsZero() {
		return
	}

	offsetMs := claimed.Sub(received).Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	status, ok := m.devices[deviceID]
	if !ok {
		status = models.NewDeviceClockStatus(deviceID)
		m.devices[deviceID] = status
	}
	status.Observe(offsetMs, received)
}

// OffsetMs returns the observed offset for a device in milliseconds.
// Unknown devices report a zero offset.
func (m *ClockMonitor) OffsetMs(deviceID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if status, ok := m.devices[deviceID]; ok {
		return status.OffsetMs
	}
	return 0
}

// Offsets returns the observed offsets for the given devices
func (m *ClockMonitor) Offsets(deviceIDs []string) map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	offsets := make(map[string]int64, len(deviceIDs))
	for _, id := range deviceIDs {
		if status, ok := m.devices[id]; ok {
			offsets[id] = status.OffsetMs
		} else {
			offsets[id] = 0
		}
	}
	return offsets
}

// Status summarizes clock agreement across the given devices against a
// deviation threshold
func (m *ClockMonitor) Status(deviceIDs []string, threshold time.Duration) models.ClockSyncStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := models.ClockSyncStatus{IsInSync: true}
	for _, id := range deviceIDs {
		device, ok := m.devices[id]
		if !ok {
			continue
		}
		offset := device.OffsetMs
		if offset < 0 {
			offset = -offset
		}
		if offset > status.MaxDeviationMs {
			status.MaxDeviationMs = offset
		}
		if device.ExceedsThreshold(threshold) {
			status.IsInSync = false
			status.OutOfSyncDevices = append(status.OutOfSyncDevices, id)
		}
	}
	return status
}

// Snapshot returns a copy of every tracked device, ordered by ID
func (m *ClockMonitor) Snapshot() []models.DeviceClockStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]models.DeviceClockStatus, 0, len(m.devices))
	for _, status := range m.devices {
		devices = append(devices, *status)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].DeviceID < devices[j].DeviceID
	})
	return devices
}
