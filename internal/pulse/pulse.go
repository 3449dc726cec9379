// Package pulse polls pull miners (Bitaxe boards running AxeOS) over HTTP,
// tracks their liveness, and keeps the registered set current through
// periodic rediscovery.
package pulse

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/HerbHall/miningops/internal/clock"
	"github.com/HerbHall/miningops/internal/minerapi"
	"github.com/HerbHall/miningops/pkg/plugin"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ plugin.Validator     = (*Module)(nil)
)

// icmpCount is the number of echo requests sent when diagnosing a lost miner.
const icmpCount = 3

// Module implements the pulse plugin.
type Module struct {
	logger  *zap.Logger
	cfg     Config
	bus     plugin.EventBus
	plugins plugin.PluginResolver
	clock   clock.Clock
	poller  Poller

	store       *MinerStore
	coordinator *Coordinator

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new pulse plugin instance.
func New() *Module {
	return &Module{clock: clock.Real()}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "pulse",
		Version:     "0.1.0",
		Description: "HTTP poller and liveness tracking for pull miners",
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	m.bus = deps.Bus
	m.plugins = deps.Plugins

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal pulse config: %w", err)
		}
	}

	if m.poller == nil {
		m.poller = NewHTTPPoller(minerapi.NewClient(m.cfg.Port), m.cfg.PollTimeout)
	}
	m.coordinator = NewCoordinator(m.cfg, m.poller, m.bus, m.clock, m.logger)
	if m.cfg.ICMPDiagnostics {
		m.coordinator.SetChecker(NewICMPChecker(m.cfg.PollTimeout, icmpCount))
	}

	for _, s := range m.cfg.Miners {
		addr, err := ParseMinerAddr(s)
		if err != nil {
			// Reported by ValidateConfig.
			continue
		}
		m.coordinator.Track(addr, SourceConfig)
	}

	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, "pulse", migrations()); err != nil {
			return fmt.Errorf("pulse migrations: %w", err)
		}
		m.store = NewMinerStore(deps.Store.DB())
		m.coordinator.SetStore(m.store)

		stored, err := m.store.List(ctx)
		if err != nil {
			return fmt.Errorf("load registered miners: %w", err)
		}
		for _, rec := range stored {
			m.coordinator.Track(rec.Address, rec.Source)
		}
	}

	m.logger.Info("pulse module initialized",
		zap.Int("miners", len(m.coordinator.Registered())),
		zap.Duration("poll_interval", m.cfg.PollInterval),
		zap.Int("failure_threshold", m.cfg.FailureThreshold),
		zap.String("rediscovery_policy", string(m.cfg.RediscoveryPolicy)),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	return m.cfg.Validate()
}

func (m *Module) Start(_ context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	discovering := m.resolveDiscoverer()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.coordinator.Run(ctx, m.cfg.PollInterval)
	}()

	if discovering && m.cfg.RediscoveryInterval > 0 {
		// With nothing to poll yet, waiting a full interval would leave
		// the fleet empty.
		immediate := len(m.coordinator.Registered()) == 0
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.coordinator.RunRediscovery(ctx, m.cfg.RediscoveryInterval, immediate)
		}()
	}

	m.logger.Info("pulse module started", zap.Bool("rediscovery", discovering && m.cfg.RediscoveryInterval > 0))
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("pulse module stopped")
	return nil
}

// resolveDiscoverer wires the recon module as the rediscovery source when
// it is enabled.
func (m *Module) resolveDiscoverer() bool {
	if m.plugins == nil {
		return false
	}
	p, ok := m.plugins.Get("recon")
	if !ok {
		m.logger.Info("recon module unavailable, rediscovery disabled")
		return false
	}
	d, ok := p.(Discoverer)
	if !ok {
		return false
	}
	m.coordinator.SetDiscoverer(d)
	return true
}

// Health implements plugin.HealthChecker. Offline miners degrade health.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	if m.coordinator == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: "pulse not initialized"}
	}
	var online, offline int
	for _, s := range m.coordinator.Snapshots() {
		switch {
		case s.Online:
			online++
		case !s.LastSeen.IsZero():
			offline++
		}
	}
	status := plugin.HealthStatus{
		Status: "healthy",
		Details: map[string]string{
			"registered": strconv.Itoa(len(m.coordinator.Registered())),
			"online":     strconv.Itoa(online),
			"offline":    strconv.Itoa(offline),
		},
	}
	if offline > 0 {
		status.Status = "degraded"
		status.Message = fmt.Sprintf("%d pull miner(s) offline", offline)
	}
	return status
}

// Coordinator returns the poll coordinator.
func (m *Module) Coordinator() *Coordinator { return m.coordinator }
