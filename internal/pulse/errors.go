package pulse

import "errors"

var (
	// ErrInvalidAddress is returned for miner addresses that are not IPv4.
	ErrInvalidAddress = errors.New("invalid miner address")

	// ErrNotRegistered is returned when deregistering an unknown miner.
	ErrNotRegistered = errors.New("miner not registered")

	// ErrNoDiscoverer is returned when rediscovery is requested but the
	// recon module is unavailable.
	ErrNoDiscoverer = errors.New("discovery unavailable")
)
