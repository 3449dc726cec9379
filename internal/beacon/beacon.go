// Package beacon ingests telemetry that push miners (NMMiner boards)
// broadcast over UDP and tracks their liveness.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/miningops/internal/clock"
	"github.com/HerbHall/miningops/pkg/plugin"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ plugin.Validator     = (*Module)(nil)
)

// Config holds the beacon module configuration.
type Config struct {
	BindAddress   string        `mapstructure:"bind_address"`
	Port          int           `mapstructure:"port"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// DefaultConfig returns the default beacon configuration.
func DefaultConfig() Config {
	return Config{
		BindAddress:   "0.0.0.0",
		Port:          12345,
		StaleAfter:    30 * time.Second,
		SweepInterval: 10 * time.Second,
	}
}

// Validate checks the configuration for out-of-range values.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range 1-65535", c.Port))
	}
	if c.StaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("stale_after must be positive, got %s", c.StaleAfter))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval))
	}
	return errors.Join(errs...)
}

// Addr returns the host:port the listener binds.
func (c Config) Addr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// Module implements the beacon plugin.
type Module struct {
	logger *zap.Logger
	cfg    Config
	bus    plugin.EventBus
	clock  clock.Clock

	coordinator *Coordinator
	listener    *Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new beacon plugin instance.
func New() *Module {
	return &Module{clock: clock.Real()}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "beacon",
		Version:     "0.1.0",
		Description: "UDP telemetry listener for push miners",
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	m.bus = deps.Bus

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal beacon config: %w", err)
		}
	}

	m.coordinator = NewCoordinator(m.bus, m.cfg.StaleAfter, m.clock, m.logger)
	m.listener = NewListener(m.cfg.Addr(), m.coordinator, m.clock, m.logger)

	m.logger.Info("beacon module initialized",
		zap.String("addr", m.cfg.Addr()),
		zap.Duration("stale_after", m.cfg.StaleAfter),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	return m.cfg.Validate()
}

func (m *Module) Start(_ context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	if err := m.listener.Start(ctx); err != nil {
		cancel()
		return err
	}
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.coordinator.RunSweeper(ctx, m.cfg.SweepInterval)
	}()

	m.logger.Info("beacon module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	err := m.listener.Close()
	m.wg.Wait()
	m.logger.Info("beacon module stopped")
	return err
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	if m.listener == nil || m.listener.LocalAddr() == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: "listener not bound"}
	}
	stats := m.listener.Stats()
	return plugin.HealthStatus{
		Status: "healthy",
		Details: map[string]string{
			"addr":     m.listener.LocalAddr().String(),
			"miners":   strconv.Itoa(len(m.coordinator.Snapshots())),
			"received": strconv.FormatUint(stats.Received, 10),
			"dropped":  strconv.FormatUint(stats.Dropped, 10),
		},
	}
}

// Coordinator returns the push coordinator for read access.
func (m *Module) Coordinator() *Coordinator { return m.coordinator }

// Stats returns the listener counters.
func (m *Module) Stats() ListenerStats {
	if m.listener == nil {
		return ListenerStats{}
	}
	return m.listener.Stats()
}
