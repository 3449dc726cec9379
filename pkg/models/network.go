package models

import (
	"net/netip"
	"time"
)

// DiscoveryResult is the outcome of probing a single candidate address.
// Results live only as long as the scan that produced them.
type DiscoveryResult struct {
	Address      netip.Addr    `json:"address" yaml:"address"`
	Verified     bool          `json:"verified" yaml:"verified"`
	ProbeLatency time.Duration `json:"probe_latency" yaml:"probe_latency"`
	Model        string        `json:"model,omitempty" yaml:"model,omitempty"`
	Hostname     string        `json:"hostname,omitempty" yaml:"hostname,omitempty"`
}

// ScanSummary describes a completed discovery scan.
type ScanSummary struct {
	Subnet     string        `json:"subnet" yaml:"subnet"`
	Candidates int           `json:"candidates" yaml:"candidates"`
	Found      int           `json:"found" yaml:"found"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
}
