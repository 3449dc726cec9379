package recon

import (
	"errors"
	"net/netip"
	"testing"
)

func TestParseSubnet(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{in: "192.168.1.0/24", want: "192.168.1.0/24"},
		{in: "192.168.1.77/24", want: "192.168.1.0/24"},
		{in: " 10.0.0.0/16 ", want: "10.0.0.0/16"},
		{in: "10.0.0.5/32", want: "10.0.0.5/32"},
		{in: "10.0.0.0/8", wantErr: ErrSubnetTooLarge},
		{in: "10.0.0.0/15", wantErr: ErrSubnetTooLarge},
		{in: "fd00::/120", wantErr: ErrInvalidSubnet},
		{in: "not-a-cidr", wantErr: ErrInvalidSubnet},
		{in: "192.168.1.1", wantErr: ErrInvalidSubnet},
		{in: "", wantErr: ErrInvalidSubnet},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSubnet(tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseSubnet(%q) error = %v, want %v", tt.in, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSubnet(%q) error = %v", tt.in, err)
			}
			if got.String() != tt.want {
				t.Errorf("ParseSubnet(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestHosts(t *testing.T) {
	tests := []struct {
		prefix    string
		wantCount int
		wantFirst string
		wantLast  string
	}{
		{"192.168.1.0/24", 254, "192.168.1.1", "192.168.1.254"},
		{"10.0.0.0/30", 2, "10.0.0.1", "10.0.0.2"},
		{"10.0.0.0/31", 2, "10.0.0.0", "10.0.0.1"},
		{"10.0.0.7/32", 1, "10.0.0.7", "10.0.0.7"},
		{"172.16.0.0/16", 65534, "172.16.0.1", "172.16.255.254"},
		{"192.168.1.77/24", 254, "192.168.1.1", "192.168.1.254"},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			hosts := Hosts(netip.MustParsePrefix(tt.prefix))
			if len(hosts) != tt.wantCount {
				t.Fatalf("Hosts(%s) len = %d, want %d", tt.prefix, len(hosts), tt.wantCount)
			}
			if hosts[0].String() != tt.wantFirst {
				t.Errorf("first = %s, want %s", hosts[0], tt.wantFirst)
			}
			if hosts[len(hosts)-1].String() != tt.wantLast {
				t.Errorf("last = %s, want %s", hosts[len(hosts)-1], tt.wantLast)
			}
			for i := 1; i < len(hosts); i++ {
				if hosts[i-1].Compare(hosts[i]) >= 0 {
					t.Fatalf("hosts not strictly ascending at %d: %s, %s", i, hosts[i-1], hosts[i])
				}
			}
		})
	}
}

func TestHosts_Rejected(t *testing.T) {
	for _, prefix := range []string{"fd00::/126", "10.0.0.0/8", "0.0.0.0/0", "10.0.0.0/15"} {
		if got := Hosts(netip.MustParsePrefix(prefix)); got != nil {
			t.Errorf("Hosts(%s) returned %d addresses, want nil", prefix, len(got))
		}
	}
}

func TestCheckPrefix(t *testing.T) {
	tests := []struct {
		prefix  netip.Prefix
		wantErr error
	}{
		{netip.MustParsePrefix("192.168.1.0/24"), nil},
		{netip.MustParsePrefix("10.1.0.0/16"), nil},
		{netip.MustParsePrefix("10.0.0.7/32"), nil},
		{netip.MustParsePrefix("10.0.0.0/15"), ErrSubnetTooLarge},
		{netip.MustParsePrefix("0.0.0.0/0"), ErrSubnetTooLarge},
		{netip.MustParsePrefix("fd00::/120"), ErrInvalidSubnet},
		{netip.Prefix{}, ErrInvalidSubnet},
	}
	for _, tt := range tests {
		err := CheckPrefix(tt.prefix)
		if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
			t.Errorf("CheckPrefix(%v) error = %v, want %v", tt.prefix, err, tt.wantErr)
		}
	}
}
