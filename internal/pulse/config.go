package pulse

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// RediscoveryPolicy decides what happens to miners found by rediscovery.
type RediscoveryPolicy string

const (
	// PolicyAutoAdd registers newly discovered miners for polling.
	PolicyAutoAdd RediscoveryPolicy = "auto_add"
	// PolicyReportOnly announces newly discovered miners but leaves
	// registration to an operator.
	PolicyReportOnly RediscoveryPolicy = "report_only"
)

// Config holds the pulse module configuration.
type Config struct {
	PollInterval        time.Duration     `mapstructure:"poll_interval"`
	PollTimeout         time.Duration     `mapstructure:"poll_timeout"`
	FailureThreshold    int               `mapstructure:"failure_threshold"`
	RediscoveryInterval time.Duration     `mapstructure:"rediscovery_interval"`
	RediscoveryPolicy   RediscoveryPolicy `mapstructure:"rediscovery_policy"`
	Miners              []string          `mapstructure:"miners"`
	Port                int               `mapstructure:"port"`
	ICMPDiagnostics     bool              `mapstructure:"icmp_diagnostics"`
}

// DefaultConfig returns the default pulse configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:        30 * time.Second,
		PollTimeout:         5 * time.Second,
		FailureThreshold:    3,
		RediscoveryInterval: time.Hour,
		RediscoveryPolicy:   PolicyAutoAdd,
		Port:                80,
	}
}

// Validate checks the configuration for out-of-range values.
func (c Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if c.PollTimeout <= 0 {
		errs = append(errs, fmt.Errorf("poll_timeout must be positive, got %s", c.PollTimeout))
	}
	if c.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("failure_threshold must be at least 1, got %d", c.FailureThreshold))
	}
	if c.RediscoveryInterval < 0 {
		errs = append(errs, fmt.Errorf("rediscovery_interval must not be negative, got %s", c.RediscoveryInterval))
	}
	switch c.RediscoveryPolicy {
	case PolicyAutoAdd, PolicyReportOnly:
	default:
		errs = append(errs, fmt.Errorf("rediscovery_policy must be %q or %q, got %q",
			PolicyAutoAdd, PolicyReportOnly, c.RediscoveryPolicy))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range 1-65535", c.Port))
	}
	for _, m := range c.Miners {
		if _, err := ParseMinerAddr(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ParseMinerAddr parses a pull miner address, which must be IPv4.
func ParseMinerAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: %q is not IPv4", ErrInvalidAddress, s)
	}
	return addr, nil
}
