package pulse

import (
	"context"
	"maps"
	"net/netip"
	"time"

	"github.com/HerbHall/miningops/internal/minerapi"
)

// Poller fetches the current telemetry of one miner. Any error means the
// miner is unreachable for this cycle.
type Poller interface {
	Poll(ctx context.Context, addr netip.Addr) (map[string]any, error)
}

// HTTPPoller polls the AxeOS info endpoint and, best effort, the metrics
// endpoint. Metrics are merged under the "stats." prefix. Each request is
// bounded by its own timeout.
type HTTPPoller struct {
	client  *minerapi.Client
	timeout time.Duration
}

// NewHTTPPoller creates a poller using client.
func NewHTTPPoller(client *minerapi.Client, timeout time.Duration) *HTTPPoller {
	return &HTTPPoller{client: client, timeout: timeout}
}

// Poll implements Poller.
func (p *HTTPPoller) Poll(ctx context.Context, addr netip.Addr) (map[string]any, error) {
	infoCtx, cancel := context.WithTimeout(ctx, p.timeout)
	info, err := p.client.Info(infoCtx, addr)
	cancel()
	if err != nil {
		return nil, err
	}
	values := minerapi.Flatten("", info.Raw)

	metricsCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	// Older firmware has no metrics endpoint.
	if metrics, err := p.client.Metrics(metricsCtx, addr); err == nil {
		maps.Copy(values, minerapi.Flatten("stats", metrics))
	}
	return values, nil
}
