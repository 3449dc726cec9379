package testutil

import (
	"net/netip"
	"time"

	"github.com/HerbHall/miningops/pkg/models"
)

// NewDeviceState returns an online push DeviceState with sensible defaults,
// suitable for test fixtures. Override individual fields with options.
func NewDeviceState(opts ...func(*models.DeviceState)) models.DeviceState {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d := models.DeviceState{
		Identity: netip.MustParseAddr("192.168.1.100"),
		Kind:     models.DeviceKindPush,
		Latest: models.TelemetrySnapshot{
			Values:     map[string]any{"hashrate": 113130.0},
			ObservedAt: now,
		},
		FirstSeen: now,
		LastSeen:  now,
		Online:    true,
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithAddr sets the device identity.
func WithAddr(addr string) func(*models.DeviceState) {
	return func(d *models.DeviceState) { d.Identity = netip.MustParseAddr(addr) }
}

// WithKind sets the device kind.
func WithKind(k models.DeviceKind) func(*models.DeviceState) {
	return func(d *models.DeviceState) { d.Kind = k }
}

// WithOnline sets the online flag.
func WithOnline(online bool) func(*models.DeviceState) {
	return func(d *models.DeviceState) { d.Online = online }
}

// WithLastSeen sets the device's last_seen timestamp.
func WithLastSeen(t time.Time) func(*models.DeviceState) {
	return func(d *models.DeviceState) { d.LastSeen = t }
}

// WithTelemetry replaces the latest snapshot values.
func WithTelemetry(values map[string]any) func(*models.DeviceState) {
	return func(d *models.DeviceState) { d.Latest.Values = values }
}

// WithFailures sets the consecutive poll failure count.
func WithFailures(n int) func(*models.DeviceState) {
	return func(d *models.DeviceState) { d.ConsecutiveFailures = n }
}

// WithValidBlocks sets the block-found baseline.
func WithValidBlocks(n int64) func(*models.DeviceState) {
	return func(d *models.DeviceState) {
		d.LastValidBlocks = n
		d.BlocksBaselined = true
	}
}
