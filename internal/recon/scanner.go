package recon

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/HerbHall/miningops/internal/minerapi"
	"github.com/HerbHall/miningops/pkg/models"
)

// Prober verifies whether a single address hosts a miner.
type Prober interface {
	Probe(ctx context.Context, addr netip.Addr) (models.DiscoveryResult, error)
}

// HTTPProber probes the AxeOS info endpoint.
type HTTPProber struct {
	client *minerapi.Client
}

// NewHTTPProber creates a prober using client.
func NewHTTPProber(client *minerapi.Client) *HTTPProber {
	return &HTTPProber{client: client}
}

// Probe fetches the info document. Any error means "not present".
func (p *HTTPProber) Probe(ctx context.Context, addr netip.Addr) (models.DiscoveryResult, error) {
	start := time.Now()
	info, err := p.client.Info(ctx, addr)
	res := models.DiscoveryResult{Address: addr, ProbeLatency: time.Since(start)}
	if err != nil {
		return res, err
	}
	res.Verified = true
	res.Model = info.Model
	res.Hostname = info.Hostname
	return res, nil
}

// Scanner probes every host of a subnet with bounded concurrency.
type Scanner struct {
	prober  Prober
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewScanner creates a scanner. A nil limiter launches probes as fast as the
// concurrency gate allows.
func NewScanner(prober Prober, limiter *rate.Limiter, logger *zap.Logger) *Scanner {
	return &Scanner{prober: prober, limiter: limiter, logger: logger}
}

// Scan probes the usable hosts of subnet with at most concurrency probes in
// flight, each bounded by timeout. It returns the verified hosts sorted by
// address. Probe failures only mean "not present"; the scan itself fails
// only when ctx is cancelled, in which case partial results are discarded,
// or when subnet is not an IPv4 prefix of at least MinPrefixBits.
func (s *Scanner) Scan(ctx context.Context, subnet netip.Prefix, concurrency int, timeout time.Duration) ([]models.DiscoveryResult, error) {
	if err := CheckPrefix(subnet); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	if concurrency < 1 {
		return nil, fmt.Errorf("scan %s: concurrency must be at least 1, got %d", subnet, concurrency)
	}
	hosts := Hosts(subnet)
	gate := semaphore.NewWeighted(int64(concurrency))

	var (
		mu    sync.Mutex
		found []models.DiscoveryResult
		wg    sync.WaitGroup
	)

	for _, addr := range hosts {
		if err := gate.Acquire(ctx, 1); err != nil {
			break
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				gate.Release(1)
				break
			}
		}

		wg.Add(1)
		go func(addr netip.Addr) {
			defer wg.Done()
			defer gate.Release(1)

			res, ok := s.probe(ctx, addr, timeout)
			if !ok {
				return
			}
			mu.Lock()
			found = append(found, res)
			mu.Unlock()
		}(addr)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slices.SortFunc(found, func(a, b models.DiscoveryResult) int {
		return a.Address.Compare(b.Address)
	})
	return found, nil
}

func (s *Scanner) probe(ctx context.Context, addr netip.Addr, timeout time.Duration) (models.DiscoveryResult, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := s.prober.Probe(probeCtx, addr)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Debug("probe failed", zap.String("addr", addr.String()), zap.Error(err))
		}
		return models.DiscoveryResult{}, false
	}
	if !res.Verified {
		return models.DiscoveryResult{}, false
	}
	res.Address = addr
	return res, true
}
