package models

import "time"

// DeviceClockStatus tracks how far a device's wall clock runs from the
// server's, observed from write submissions (claimed timestamp vs server
// receipt). Offsets are signed: positive means the device clock is ahead.
type DeviceClockStatus struct {
	DeviceID    string    `json:"deviceId"`
	OffsetMs    int64     `json:"offsetMs"`
	SampleCount int       `json:"sampleCount"`
	LastSeen    time.Time `json:"lastSeen"`
}

// NewDeviceClockStatus creates a status with no observations yet
func NewDeviceClockStatus(deviceID string) *DeviceClockStatus {
	return &DeviceClockStatus{
		DeviceID: deviceID,
		LastSeen: time.Now().UTC(),
	}
}

// Observe folds one new offset sample into the running view. Recent
// samples dominate so a corrected clock converges quickly.
func (s *DeviceClockStatus) Observe(offsetMs int64, at time.Time) {
	if s.SampleCount == 0 {
		s.OffsetMs = offsetMs
	} else {
		s.OffsetMs = (s.OffsetMs + offsetMs) / 2
	}
	s.SampleCount++
	s.LastSeen = at
}

// ExceedsThreshold reports whether the device deviates from server time
// by more than the given threshold in either direction
func (s *DeviceClockStatus) ExceedsThreshold(threshold time.Duration) bool {
	offset := s.OffsetMs
	if offset < 0 {
		offset = -offset
	}
	return offset > threshold.Milliseconds()
}
