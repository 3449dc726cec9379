package models

import (
	"maps"
	"net/netip"
	"time"
)

// DeviceKind distinguishes how a miner's telemetry reaches us.
type DeviceKind string

const (
	// DeviceKindPush miners broadcast telemetry unsolicited over UDP.
	DeviceKindPush DeviceKind = "push"
	// DeviceKindPull miners expose an HTTP API that must be polled.
	DeviceKindPull DeviceKind = "pull"
)

// DeviceStatus represents the liveness of a device as reported to readers.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
	DeviceStatusUnknown DeviceStatus = "unknown"
)

// TelemetrySnapshot is a point-in-time set of sensor readings. Values hold
// float64, string or bool. A new snapshot always replaces the previous one.
type TelemetrySnapshot struct {
	Values     map[string]any `json:"values"`
	ObservedAt time.Time      `json:"observed_at"`
}

// Clone returns a deep copy of the snapshot.
func (t TelemetrySnapshot) Clone() TelemetrySnapshot {
	return TelemetrySnapshot{
		Values:     maps.Clone(t.Values),
		ObservedAt: t.ObservedAt,
	}
}

// Float returns the numeric value stored under key.
func (t TelemetrySnapshot) Float(key string) (float64, bool) {
	v, ok := t.Values[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// DeviceState is the current view of one miner.
type DeviceState struct {
	Identity            netip.Addr        `json:"identity"`
	Kind                DeviceKind        `json:"kind"`
	Latest              TelemetrySnapshot `json:"latest"`
	FirstSeen           time.Time         `json:"first_seen"`
	LastSeen            time.Time         `json:"last_seen"`
	Online              bool              `json:"online"`
	ConsecutiveFailures int               `json:"consecutive_failures,omitempty"`
	LastValidBlocks     int64             `json:"last_valid_blocks,omitempty"`
	// BlocksBaselined is set once a record carrying a valid-blocks counter
	// has been observed; LastValidBlocks is meaningless before that.
	BlocksBaselined bool `json:"-"`
}

// Status maps the online flag onto a DeviceStatus. A device that has never
// produced telemetry is unknown.
func (d DeviceState) Status() DeviceStatus {
	switch {
	case d.Online:
		return DeviceStatusOnline
	case d.LastSeen.IsZero():
		return DeviceStatusUnknown
	default:
		return DeviceStatusOffline
	}
}

// Clone returns a copy that shares no mutable memory with d.
func (d DeviceState) Clone() DeviceState {
	d.Latest = d.Latest.Clone()
	return d
}
