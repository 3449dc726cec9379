package beacon

import (
	"context"
	"math"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/miningops/internal/clock"
	"github.com/HerbHall/miningops/internal/fleet"
	"github.com/HerbHall/miningops/pkg/models"
	"github.com/HerbHall/miningops/pkg/plugin"
)

// Coordinator is the single writer of the push-device registry. It derives
// block_found events from the valid-blocks counter and marks silent devices
// offline on a timer.
type Coordinator struct {
	registry   *fleet.Registry
	bus        plugin.EventBus
	clock      clock.Clock
	staleAfter time.Duration
	logger     *zap.Logger
}

// NewCoordinator creates a push coordinator with an empty registry.
func NewCoordinator(bus plugin.EventBus, staleAfter time.Duration, clk clock.Clock, logger *zap.Logger) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Coordinator{
		registry:   fleet.New(models.DeviceKindPush),
		bus:        bus,
		clock:      clk,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Observe records a telemetry record received from addr at ts. Records for
// one address must be observed in arrival order; the listener's single read
// loop guarantees that.
func (c *Coordinator) Observe(ctx context.Context, addr netip.Addr, values map[string]any, ts time.Time) {
	var (
		blockFound bool
		recovered  bool
		reset      bool
	)
	blocks, hasBlocks := validBlocks(values)

	state, created := c.registry.Update(addr, func(d *models.DeviceState) {
		first := d.FirstSeen.IsZero()
		if first {
			d.FirstSeen = ts
		}
		recovered = !first && !d.Online
		d.Latest = models.TelemetrySnapshot{Values: values, ObservedAt: ts}
		d.LastSeen = ts
		d.Online = true

		if !hasBlocks {
			return
		}
		switch {
		case !d.BlocksBaselined:
			// The first record carrying the counter establishes the baseline.
			d.BlocksBaselined = true
		case blocks > d.LastValidBlocks:
			blockFound = true
		case blocks < d.LastValidBlocks:
			reset = true
		}
		d.LastValidBlocks = blocks
	})

	switch {
	case created:
		c.logger.Info("new push miner", zap.String("miner_ip", addr.String()))
	case recovered:
		c.logger.Info("push miner back online", zap.String("miner_ip", addr.String()))
	}
	if reset {
		c.logger.Info("valid blocks counter reset",
			zap.String("miner_ip", addr.String()),
			zap.Int64("valid_blocks", blocks),
		)
	}
	if !blockFound {
		return
	}

	payload := map[string]any{
		"device_type":  string(models.DeviceKindPush),
		"miner_ip":     addr.String(),
		"valid_blocks": state.LastValidBlocks,
		"best_diff":    values[KeyBestDiff],
		"hashrate":     values[KeyHashrate],
	}
	c.logger.Info("block found",
		zap.String("miner_ip", addr.String()),
		zap.Int64("valid_blocks", state.LastValidBlocks),
	)
	c.emit(ctx, models.NewDomainEvent(models.EventBlockFound, payload, ts))
}

// Sweep marks every online device whose last datagram is older than the
// staleness threshold as offline. It returns the devices it changed.
func (c *Coordinator) Sweep(now time.Time) []models.DeviceState {
	stale := c.registry.UpdateAll(func(d *models.DeviceState) bool {
		if !d.Online || now.Sub(d.LastSeen) <= c.staleAfter {
			return false
		}
		d.Online = false
		return true
	})
	for _, d := range stale {
		c.logger.Info("push miner stale, marking offline",
			zap.String("miner_ip", d.Identity.String()),
			zap.Time("last_seen", d.LastSeen),
		)
	}
	return stale
}

// RunSweeper runs Sweep every interval until ctx is cancelled.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.Sweep(c.clock.Now())
		}
	}
}

// Snapshot returns an immutable copy of the state for addr.
func (c *Coordinator) Snapshot(addr netip.Addr) (models.DeviceState, bool) {
	return c.registry.Get(addr)
}

// Snapshots returns copies of every known push device ordered by address.
func (c *Coordinator) Snapshots() []models.DeviceState {
	return c.registry.List()
}

func (c *Coordinator) emit(ctx context.Context, ev models.DomainEvent) {
	if c.bus == nil {
		return
	}
	err := c.bus.Publish(ctx, plugin.Event{
		Topic:     ev.Kind.Topic(),
		Source:    "beacon",
		Timestamp: ev.OccurredAt,
		Payload:   ev,
	})
	if err != nil {
		c.logger.Warn("failed to publish event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// validBlocks extracts a whole, non-negative valid-blocks count.
func validBlocks(values map[string]any) (int64, bool) {
	f, ok := values[KeyValidBlocks].(float64)
	if !ok || f < 0 || f != math.Trunc(f) || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}
