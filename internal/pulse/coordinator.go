package pulse

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/miningops/internal/clock"
	"github.com/HerbHall/miningops/internal/fleet"
	"github.com/HerbHall/miningops/pkg/models"
	"github.com/HerbHall/miningops/pkg/plugin"
)

// Discoverer finds verified pull miners on the local network.
type Discoverer interface {
	Discover(ctx context.Context) ([]models.DiscoveryResult, error)
}

// MinerWriter persists changes to the registered set. *MinerStore
// implements it.
type MinerWriter interface {
	Save(ctx context.Context, rec MinerRecord) error
	Delete(ctx context.Context, addr netip.Addr) (bool, error)
}

// slot tracks one registered miner. inFlight keeps polls of the same miner
// from overlapping when a poll outlives the poll interval.
type slot struct {
	source   string
	inFlight atomic.Bool
}

// Coordinator polls the registered pull miners, derives miner_lost after
// consecutive failures, and announces miners found by rediscovery. It is the
// single writer of the pull-device registry.
type Coordinator struct {
	registry  *fleet.Registry
	poller    Poller
	bus       plugin.EventBus
	clock     clock.Clock
	logger    *zap.Logger
	threshold int
	policy    RediscoveryPolicy

	store      MinerWriter
	checker    Checker
	discoverer Discoverer

	// regMu serializes membership changes so the store write can run
	// without holding mu, which every poll takes.
	regMu sync.Mutex

	mu       sync.Mutex // guards slots and reported
	slots    map[netip.Addr]*slot
	reported map[netip.Addr]bool

	polls sync.WaitGroup
}

// NewCoordinator creates a poll coordinator with no registered miners.
func NewCoordinator(cfg Config, poller Poller, bus plugin.EventBus, clk clock.Clock, logger *zap.Logger) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	threshold := cfg.FailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	return &Coordinator{
		registry:  fleet.New(models.DeviceKindPull),
		poller:    poller,
		bus:       bus,
		clock:     clk,
		logger:    logger,
		threshold: threshold,
		policy:    cfg.RediscoveryPolicy,
		slots:     make(map[netip.Addr]*slot),
		reported:  make(map[netip.Addr]bool),
	}
}

// SetStore persists registrations made through Register and Deregister.
func (c *Coordinator) SetStore(s MinerWriter) { c.store = s }

// SetChecker enables reachability diagnostics for miners that go offline.
func (c *Coordinator) SetChecker(ch Checker) { c.checker = ch }

// SetDiscoverer sets the source used by Rediscover.
func (c *Coordinator) SetDiscoverer(d Discoverer) { c.discoverer = d }

// Track adds addr to the registered set without persisting it and reports
// whether it was new.
func (c *Coordinator) Track(addr netip.Addr, source string) bool {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackLocked(addr, source)
}

func (c *Coordinator) trackLocked(addr netip.Addr, source string) bool {
	if _, ok := c.slots[addr]; ok {
		return false
	}
	c.slots[addr] = &slot{source: source}
	delete(c.reported, addr)
	c.registry.Update(addr, func(*models.DeviceState) {})
	return true
}

// Register adds addr to the registered set, persisting it when a store is
// configured. It reports whether addr was new.
func (c *Coordinator) Register(ctx context.Context, addr netip.Addr, source string) (bool, error) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return false, fmt.Errorf("%w: %s is not IPv4", ErrInvalidAddress, addr)
	}

	c.regMu.Lock()
	defer c.regMu.Unlock()
	if c.isRegistered(addr) {
		return false, nil
	}
	if c.store != nil {
		rec := MinerRecord{Address: addr, Source: source, AddedAt: c.clock.Now()}
		if err := c.store.Save(ctx, rec); err != nil {
			return false, err
		}
	}
	c.mu.Lock()
	c.trackLocked(addr, source)
	c.mu.Unlock()
	c.logger.Info("pull miner registered",
		zap.String("miner_ip", addr.String()),
		zap.String("source", source),
	)
	return true, nil
}

// Deregister removes addr from the registered set and the registry. A poll
// in flight for addr is discarded when it completes.
func (c *Coordinator) Deregister(ctx context.Context, addr netip.Addr) error {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	if !c.isRegistered(addr) {
		return fmt.Errorf("%w: %s", ErrNotRegistered, addr)
	}
	if c.store != nil {
		if _, err := c.store.Delete(ctx, addr); err != nil {
			return err
		}
	}
	c.mu.Lock()
	delete(c.slots, addr)
	c.registry.Delete(addr)
	c.mu.Unlock()
	c.logger.Info("pull miner deregistered", zap.String("miner_ip", addr.String()))
	return nil
}

func (c *Coordinator) isRegistered(addr netip.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.slots[addr]
	return ok
}

// Registered returns the registered addresses in ascending order.
func (c *Coordinator) Registered() []netip.Addr {
	c.mu.Lock()
	out := make([]netip.Addr, 0, len(c.slots))
	for addr := range c.slots {
		out = append(out, addr)
	}
	c.mu.Unlock()
	slices.SortFunc(out, netip.Addr.Compare)
	return out
}

// Source returns how addr was registered.
func (c *Coordinator) Source(addr netip.Addr) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[addr]
	if !ok {
		return "", false
	}
	return s.source, true
}

// Cycle polls every registered miner once and waits for those polls.
// Miners whose previous poll is still running are skipped.
func (c *Coordinator) Cycle(ctx context.Context) {
	c.launch(ctx).Wait()
}

// Run starts a poll cycle immediately and then every interval, measured
// from the start of the previous cycle. Cycles do not wait for slow polls.
// Run returns after ctx is cancelled and in-flight polls have finished.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()
	defer c.polls.Wait()

	c.launch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.launch(ctx)
		}
	}
}

func (c *Coordinator) launch(ctx context.Context) *sync.WaitGroup {
	var cycle sync.WaitGroup

	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, s := range c.slots {
		if !s.inFlight.CompareAndSwap(false, true) {
			c.logger.Debug("previous poll still running, skipping",
				zap.String("miner_ip", addr.String()))
			continue
		}
		cycle.Add(1)
		c.polls.Add(1)
		go func() {
			defer c.polls.Done()
			defer cycle.Done()
			defer s.inFlight.Store(false)
			c.poll(ctx, addr, s)
		}()
	}
	return &cycle
}

func (c *Coordinator) poll(ctx context.Context, addr netip.Addr, s *slot) {
	values, err := c.poller.Poll(ctx, addr)
	if ctx.Err() != nil {
		// Shutdown, not a miner failure.
		return
	}
	now := c.clock.Now()
	if err != nil {
		c.recordFailure(ctx, addr, s, err, now)
		return
	}
	c.recordSuccess(addr, s, values, now)
}

// commit applies fn to addr's state unless addr was deregistered while its
// poll was running.
func (c *Coordinator) commit(addr netip.Addr, s *slot, fn func(d *models.DeviceState)) (models.DeviceState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slots[addr] != s {
		return models.DeviceState{}, false
	}
	state, _ := c.registry.Update(addr, fn)
	return state, true
}

func (c *Coordinator) recordSuccess(addr netip.Addr, s *slot, values map[string]any, now time.Time) {
	var recovered bool
	_, ok := c.commit(addr, s, func(d *models.DeviceState) {
		recovered = !d.Online
		if d.FirstSeen.IsZero() {
			d.FirstSeen = now
		}
		d.Latest = models.TelemetrySnapshot{Values: values, ObservedAt: now}
		d.LastSeen = now
		d.ConsecutiveFailures = 0
		d.Online = true
	})
	if ok && recovered {
		c.logger.Info("pull miner online", zap.String("miner_ip", addr.String()))
	}
}

func (c *Coordinator) recordFailure(ctx context.Context, addr netip.Addr, s *slot, pollErr error, now time.Time) {
	var lost bool
	state, ok := c.commit(addr, s, func(d *models.DeviceState) {
		d.ConsecutiveFailures++
		if d.Online && d.ConsecutiveFailures >= c.threshold {
			d.Online = false
			lost = true
		}
	})
	if !ok {
		return
	}
	c.logger.Debug("poll failed",
		zap.String("miner_ip", addr.String()),
		zap.Int("consecutive_failures", state.ConsecutiveFailures),
		zap.Error(pollErr),
	)
	if !lost {
		return
	}

	c.logger.Warn("pull miner lost",
		zap.String("miner_ip", addr.String()),
		zap.Int("consecutive_failures", state.ConsecutiveFailures),
	)
	c.emit(ctx, models.NewDomainEvent(models.EventMinerLost, map[string]any{
		"device_type": string(models.DeviceKindPull),
		"miner_ip":    addr.String(),
	}, now))

	if c.checker != nil {
		c.diagnose(ctx, addr)
	}
}

func (c *Coordinator) diagnose(ctx context.Context, addr netip.Addr) {
	result, err := c.checker.Check(ctx, addr)
	if err != nil {
		c.logger.Debug("diagnostic check failed", zap.String("miner_ip", addr.String()), zap.Error(err))
		return
	}
	c.logger.Info("lost miner diagnosis",
		zap.String("miner_ip", addr.String()),
		zap.String("diagnosis", Diagnosis(result)),
		zap.Float64("latency_ms", result.LatencyMs),
		zap.Float64("packet_loss", result.PacketLoss),
	)
}

// Rediscover runs one discovery scan and returns the addresses that are
// new, in ascending order. Each new address gets one miner_discovered
// event. Under auto_add new miners are registered; under report_only an
// unregistered miner is reported once.
func (c *Coordinator) Rediscover(ctx context.Context) ([]netip.Addr, error) {
	if c.discoverer == nil {
		return nil, ErrNoDiscoverer
	}
	results, err := c.discoverer.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("rediscover miners: %w", err)
	}
	slices.SortFunc(results, func(a, b models.DiscoveryResult) int {
		return a.Address.Compare(b.Address)
	})

	var found []netip.Addr
	for _, r := range results {
		if !r.Verified {
			continue
		}
		addr := r.Address
		if !c.admit(ctx, addr) {
			continue
		}
		found = append(found, addr)
		c.logger.Info("new pull miner discovered",
			zap.String("miner_ip", addr.String()),
			zap.String("model", r.Model),
			zap.String("policy", string(c.policy)),
		)
		c.emit(ctx, models.NewDomainEvent(models.EventMinerDiscovered, map[string]any{
			"device_type": string(models.DeviceKindPull),
			"miner_ip":    addr.String(),
		}, c.clock.Now()))
	}
	return found, nil
}

// admit applies the rediscovery policy to addr and reports whether it is a
// newly discovered miner.
func (c *Coordinator) admit(ctx context.Context, addr netip.Addr) bool {
	if c.policy == PolicyReportOnly {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, registered := c.slots[addr]; registered || c.reported[addr] {
			return false
		}
		c.reported[addr] = true
		return true
	}

	created, err := c.Register(ctx, addr, SourceDiscovery)
	if err != nil {
		c.logger.Warn("failed to register discovered miner",
			zap.String("miner_ip", addr.String()), zap.Error(err))
		return false
	}
	return created
}

// RunRediscovery calls Rediscover every interval until ctx is cancelled.
// When immediate is set the first scan runs at once.
func (c *Coordinator) RunRediscovery(ctx context.Context, interval time.Duration, immediate bool) {
	scan := func() {
		if _, err := c.Rediscover(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("rediscovery failed", zap.Error(err))
		}
	}
	if immediate {
		scan()
	}

	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			scan()
		}
	}
}

// Snapshot returns an immutable copy of the state for addr.
func (c *Coordinator) Snapshot(addr netip.Addr) (models.DeviceState, bool) {
	return c.registry.Get(addr)
}

// Snapshots returns copies of every registered pull miner ordered by
// address.
func (c *Coordinator) Snapshots() []models.DeviceState {
	return c.registry.List()
}

func (c *Coordinator) emit(ctx context.Context, ev models.DomainEvent) {
	if c.bus == nil {
		return
	}
	err := c.bus.Publish(ctx, plugin.Event{
		Topic:     ev.Kind.Topic(),
		Source:    "pulse",
		Timestamp: ev.OccurredAt,
		Payload:   ev,
	})
	if err != nil {
		c.logger.Warn("failed to publish event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}
