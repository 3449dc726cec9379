package models

import (
	"net/netip"
	"testing"
	"time"
)

func TestDeviceStateStatus(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		state DeviceState
		want  DeviceStatus
	}{
		{"never seen", DeviceState{}, DeviceStatusUnknown},
		{"online", DeviceState{Online: true, LastSeen: now}, DeviceStatusOnline},
		{"offline", DeviceState{Online: false, LastSeen: now}, DeviceStatusOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.Status(); got != tt.want {
				t.Errorf("Status() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeviceStateCloneIsolatesValues(t *testing.T) {
	orig := DeviceState{
		Identity: netip.MustParseAddr("10.0.0.5"),
		Latest: TelemetrySnapshot{
			Values: map[string]any{"hashrate": 1.5},
		},
	}

	cp := orig.Clone()
	cp.Latest.Values["hashrate"] = 9.0

	if got, _ := orig.Latest.Float("hashrate"); got != 1.5 {
		t.Errorf("original hashrate = %v, want 1.5 after mutating clone", got)
	}
}

func TestTelemetryFloat(t *testing.T) {
	snap := TelemetrySnapshot{Values: map[string]any{"temp": 51.0, "pool": "solo"}}

	if v, ok := snap.Float("temp"); !ok || v != 51.0 {
		t.Errorf("Float(temp) = %v, %v, want 51, true", v, ok)
	}
	if _, ok := snap.Float("pool"); ok {
		t.Error("Float(pool) ok = true, want false for string value")
	}
	if _, ok := snap.Float("missing"); ok {
		t.Error("Float(missing) ok = true, want false")
	}
}

func TestEventKindTopic(t *testing.T) {
	if got := EventBlockFound.Topic(); got != "miningops.block_found" {
		t.Errorf("Topic() = %q, want %q", got, "miningops.block_found")
	}
}

func TestNewDomainEventCopiesPayload(t *testing.T) {
	payload := map[string]any{"miner_ip": "10.0.0.5"}
	ev := NewDomainEvent(EventMinerLost, payload, time.Now())
	payload["miner_ip"] = "changed"

	if ev.Payload["miner_ip"] != "10.0.0.5" {
		t.Errorf("Payload[miner_ip] = %v, want 10.0.0.5", ev.Payload["miner_ip"])
	}
	if ev.ID == "" {
		t.Error("expected non-empty event ID")
	}
	if ev.Kind != EventMinerLost {
		t.Errorf("Kind = %q, want %q", ev.Kind, EventMinerLost)
	}
}
