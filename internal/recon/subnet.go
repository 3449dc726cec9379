package recon

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// MinPrefixBits is the widest subnet a scan accepts (/16, 65534 hosts).
const MinPrefixBits = 16

var (
	// ErrInvalidSubnet is returned for input that is not an IPv4 CIDR.
	ErrInvalidSubnet = errors.New("invalid subnet")

	// ErrSubnetTooLarge is returned for prefixes wider than MinPrefixBits.
	ErrSubnetTooLarge = errors.New("subnet too large")
)

// ParseSubnet parses an IPv4 CIDR. Host bits are masked off, so
// "192.168.1.77/24" yields 192.168.1.0/24.
func ParseSubnet(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(strings.TrimSpace(s))
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %v", ErrInvalidSubnet, err)
	}
	if err := CheckPrefix(p); err != nil {
		return netip.Prefix{}, err
	}
	return p.Masked(), nil
}

// CheckPrefix reports whether p is a scannable IPv4 prefix no wider than
// MinPrefixBits.
func CheckPrefix(p netip.Prefix) error {
	if !p.IsValid() || !p.Addr().Is4() {
		return fmt.Errorf("%w: %s is not IPv4", ErrInvalidSubnet, p)
	}
	if p.Bits() < MinPrefixBits {
		return fmt.Errorf("%w: /%d is wider than /%d", ErrSubnetTooLarge, p.Bits(), MinPrefixBits)
	}
	return nil
}

// Hosts expands prefix into its usable host addresses in ascending order.
// The network and broadcast addresses are excluded, except for /31 and /32
// where every address is a host. Prefixes rejected by CheckPrefix yield nil.
func Hosts(prefix netip.Prefix) []netip.Addr {
	if CheckPrefix(prefix) != nil {
		return nil
	}
	prefix = prefix.Masked()

	size := uint64(1) << (32 - prefix.Bits())
	first := prefix.Addr()
	if prefix.Bits() < 31 {
		first = first.Next()
		size -= 2
	}

	hosts := make([]netip.Addr, 0, size)
	for a := first; uint64(len(hosts)) < size; a = a.Next() {
		hosts = append(hosts, a)
	}
	return hosts
}
