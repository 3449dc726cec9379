package pulse

import (
	"context"
	"fmt"
	"net/netip"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// CheckResult is the outcome of a reachability check against a miner that
// failed its API poll. It tells a host that is down apart from a host whose
// HTTP API is down.
type CheckResult struct {
	Success      bool      `json:"success"`
	LatencyMs    float64   `json:"latency_ms"`
	PacketLoss   float64   `json:"packet_loss"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

// Checker executes a reachability check against a miner.
type Checker interface {
	Check(ctx context.Context, addr netip.Addr) (*CheckResult, error)
}

// ICMPChecker pings miners using ICMP via pro-bing.
type ICMPChecker struct {
	timeout time.Duration
	count   int
}

// NewICMPChecker creates an ICMP checker with the given timeout and ping count.
func NewICMPChecker(timeout time.Duration, count int) *ICMPChecker {
	if count < 1 {
		count = 1
	}
	return &ICMPChecker{timeout: timeout, count: count}
}

// Check pings addr and returns the result. Ping failures are reported in the
// result; the error is reserved for an unusable target.
func (c *ICMPChecker) Check(ctx context.Context, addr netip.Addr) (*CheckResult, error) {
	pinger, err := probing.NewPinger(addr.String())
	if err != nil {
		return nil, fmt.Errorf("create pinger: %w", err)
	}
	pinger.Count = c.count
	pinger.Timeout = c.timeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case runErr := <-done:
		result := &CheckResult{CheckedAt: time.Now().UTC()}
		if runErr != nil {
			result.ErrorMessage = runErr.Error()
			result.PacketLoss = 1.0
			return result, nil
		}
		stats := pinger.Statistics()
		result.LatencyMs = float64(stats.AvgRtt) / float64(time.Millisecond)
		result.PacketLoss = stats.PacketLoss / 100.0 // pro-bing reports 0-100
		result.Success = stats.PacketsRecv > 0
		if !result.Success {
			result.ErrorMessage = "all packets lost"
		}
		return result, nil

	case <-ctx.Done():
		pinger.Stop()
		<-done
		return &CheckResult{
			PacketLoss:   1.0,
			ErrorMessage: "check cancelled",
			CheckedAt:    time.Now().UTC(),
		}, nil
	}
}

// Diagnosis classifies a failed poll using a check result.
func Diagnosis(r *CheckResult) string {
	switch {
	case r == nil:
		return "unknown"
	case r.Success:
		return "api_down"
	default:
		return "host_down"
	}
}
