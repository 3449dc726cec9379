// Package recon locates pull miners by probing every host of a subnet.
package recon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HerbHall/miningops/internal/minerapi"
	"github.com/HerbHall/miningops/pkg/models"
	"github.com/HerbHall/miningops/pkg/plugin"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin       = (*Module)(nil)
	_ plugin.HTTPProvider = (*Module)(nil)
	_ plugin.Validator    = (*Module)(nil)
)

// Config holds the recon module configuration.
type Config struct {
	Subnet       string        `mapstructure:"subnet"`
	Concurrency  int           `mapstructure:"concurrency"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	// ProbeRate caps probe launches per second. Zero disables the cap.
	ProbeRate float64 `mapstructure:"probe_rate"`
	Port      int     `mapstructure:"port"`
}

// DefaultConfig returns the default recon configuration.
func DefaultConfig() Config {
	return Config{
		Subnet:       "192.168.1.0/24",
		Concurrency:  20,
		ProbeTimeout: 1500 * time.Millisecond,
		Port:         80,
	}
}

// Validate checks the configuration for out-of-range values.
func (c Config) Validate() error {
	var errs []error
	if _, err := ParseSubnet(c.Subnet); err != nil {
		errs = append(errs, err)
	}
	if c.Concurrency < 1 || c.Concurrency > 100 {
		errs = append(errs, fmt.Errorf("concurrency %d out of range 1-100", c.Concurrency))
	}
	if c.ProbeTimeout < 500*time.Millisecond || c.ProbeTimeout > 10*time.Second {
		errs = append(errs, fmt.Errorf("probe_timeout %s out of range 0.5s-10s", c.ProbeTimeout))
	}
	if c.ProbeRate < 0 {
		errs = append(errs, fmt.Errorf("probe_rate must not be negative, got %v", c.ProbeRate))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range 1-65535", c.Port))
	}
	return errors.Join(errs...)
}

// Module implements the recon plugin.
type Module struct {
	logger  *zap.Logger
	cfg     Config
	bus     plugin.EventBus
	scanner *Scanner
	history *scanHistory

	scanCtx    context.Context
	scanCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a new recon plugin instance.
func New() *Module {
	return &Module{history: newScanHistory(maxScanHistory)}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "recon",
		Version:     "0.1.0",
		Description: "Subnet discovery for HTTP miners",
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	m.bus = deps.Bus

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal recon config: %w", err)
		}
	}

	var limiter *rate.Limiter
	if m.cfg.ProbeRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(m.cfg.ProbeRate), m.cfg.Concurrency)
	}
	m.scanner = NewScanner(NewHTTPProber(minerapi.NewClient(m.cfg.Port)), limiter, m.logger)

	m.logger.Info("recon module initialized",
		zap.String("subnet", m.cfg.Subnet),
		zap.Int("concurrency", m.cfg.Concurrency),
		zap.Duration("probe_timeout", m.cfg.ProbeTimeout),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	return m.cfg.Validate()
}

func (m *Module) Start(_ context.Context) error {
	m.scanCtx, m.scanCancel = context.WithCancel(context.Background())
	m.logger.Info("recon module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.scanCancel != nil {
		m.scanCancel()
	}
	m.wg.Wait()
	m.logger.Info("recon module stopped")
	return nil
}

// Config returns the active configuration.
func (m *Module) Config() Config { return m.cfg }

// Discover scans the configured subnet.
func (m *Module) Discover(ctx context.Context) ([]models.DiscoveryResult, error) {
	subnet, err := ParseSubnet(m.cfg.Subnet)
	if err != nil {
		return nil, err
	}
	return m.ScanSubnet(ctx, subnet.String(), uuid.New().String())
}

// ScanSubnet scans subnet with the configured concurrency and timeout,
// recording the run under id and announcing it on the event bus.
func (m *Module) ScanSubnet(ctx context.Context, subnet, id string) ([]models.DiscoveryResult, error) {
	prefix, err := ParseSubnet(subnet)
	if err != nil {
		return nil, err
	}

	started := time.Now().UTC()
	summary := models.ScanSummary{
		Subnet:     prefix.String(),
		Candidates: len(Hosts(prefix)),
		StartedAt:  started,
	}
	m.history.begin(id, summary)
	m.publish(ctx, TopicScanStarted, summary)
	m.logger.Info("discovery scan started",
		zap.String("scan_id", id),
		zap.String("subnet", summary.Subnet),
		zap.Int("candidates", summary.Candidates),
	)

	found, err := m.scanner.Scan(ctx, prefix, m.cfg.Concurrency, m.cfg.ProbeTimeout)
	summary.Duration = time.Since(started)
	summary.Found = len(found)
	m.history.finish(id, summary, found, err)
	if err != nil {
		m.logger.Info("discovery scan cancelled", zap.String("scan_id", id), zap.Error(err))
		return nil, err
	}

	m.publish(ctx, TopicScanCompleted, summary)
	m.logger.Info("discovery scan complete",
		zap.String("scan_id", id),
		zap.Int("found", summary.Found),
		zap.Duration("duration", summary.Duration),
	)
	return found, nil
}

func (m *Module) publish(ctx context.Context, topic string, summary models.ScanSummary) {
	if m.bus == nil {
		return
	}
	m.bus.PublishAsync(ctx, plugin.Event{
		Topic:     topic,
		Source:    "recon",
		Timestamp: time.Now().UTC(),
		Payload:   summary,
	})
}

// scanStatus renders a record status for logs and the API.
func scanStatus(done bool, err error) string {
	switch {
	case !done:
		return "running"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case err != nil:
		return "failed"
	default:
		return "completed"
	}
}
