package beacon

import (
	"context"
	"math"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/miningops/internal/testutil"
	"github.com/HerbHall/miningops/pkg/models"
)

var blockTopic = models.EventBlockFound.Topic()

func newTestCoordinator(t *testing.T) (*Coordinator, *testutil.MockBus, *testutil.Clock) {
	t.Helper()
	bus := testutil.NewMockBus()
	clk := testutil.NewClock()
	return NewCoordinator(bus, 30*time.Second, clk, zap.NewNop()), bus, clk
}

func record(blocks float64) map[string]any {
	return map[string]any{
		KeyValidBlocks: blocks,
		KeyBestDiff:    4021000.0,
		KeyHashrate:    113130.0,
	}
}

func TestObserve_DuplicateScenario(t *testing.T) {
	c, bus, clk := newTestCoordinator(t)
	ctx := context.Background()
	addr := netip.MustParseAddr("192.168.1.50")

	for _, v := range []float64{1, 2, 2} {
		c.Observe(ctx, addr, record(v), clk.Now())
		clk.Advance(time.Second)
	}

	events := bus.EventsFor(blockTopic)
	if len(events) != 1 {
		t.Fatalf("block_found events = %d, want 1", len(events))
	}
	ev, ok := events[0].Payload.(models.DomainEvent)
	if !ok {
		t.Fatalf("payload type = %T, want models.DomainEvent", events[0].Payload)
	}
	require.Equal(t, models.EventBlockFound, ev.Kind)
	require.Equal(t, "push", ev.Payload["device_type"])
	require.Equal(t, "192.168.1.50", ev.Payload["miner_ip"])
	require.Equal(t, int64(2), ev.Payload["valid_blocks"])
	require.Equal(t, 4021000.0, ev.Payload["best_diff"])
	require.Equal(t, 113130.0, ev.Payload["hashrate"])
	require.NotEmpty(t, ev.ID)
}

func TestObserve_BlockFoundIffStrictIncrease(t *testing.T) {
	tests := []struct {
		name     string
		sequence []float64
		want     []int64
	}{
		{"single record is baseline", []float64{5}, nil},
		{"steady", []float64{3, 3, 3}, nil},
		{"each increase fires", []float64{0, 1, 2, 3}, []int64{1, 2, 3}},
		{"jump fires once", []float64{1, 4}, []int64{4}},
		{"reset lowers baseline silently", []float64{5, 0, 1}, []int64{1}},
		{"reset then equal", []float64{5, 2, 2}, nil},
		{"decrease then recover above old", []float64{5, 3, 6}, []int64{6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, bus, clk := newTestCoordinator(t)
			addr := netip.MustParseAddr("10.0.0.2")
			for _, v := range tt.sequence {
				c.Observe(context.Background(), addr, record(v), clk.Now())
			}

			events := bus.EventsFor(blockTopic)
			if len(events) != len(tt.want) {
				t.Fatalf("events = %d, want %d", len(events), len(tt.want))
			}
			for i, w := range tt.want {
				got := events[i].Payload.(models.DomainEvent).Payload["valid_blocks"]
				if got != w {
					t.Errorf("event[%d] valid_blocks = %v, want %d", i, got, w)
				}
			}

			s, _ := c.Snapshot(addr)
			if last := int64(tt.sequence[len(tt.sequence)-1]); s.LastValidBlocks != last {
				t.Errorf("LastValidBlocks = %d, want %d", s.LastValidBlocks, last)
			}
		})
	}
}

func TestObserve_IdentitiesAreIndependent(t *testing.T) {
	c, bus, clk := newTestCoordinator(t)
	ctx := context.Background()
	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")

	c.Observe(ctx, a, record(1), clk.Now())
	c.Observe(ctx, b, record(7), clk.Now())
	c.Observe(ctx, a, record(2), clk.Now())
	c.Observe(ctx, b, record(7), clk.Now())

	events := bus.EventsFor(blockTopic)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if ip := events[0].Payload.(models.DomainEvent).Payload["miner_ip"]; ip != "10.0.0.1" {
		t.Errorf("miner_ip = %v, want 10.0.0.1", ip)
	}
	if n := len(c.Snapshots()); n != 2 {
		t.Errorf("Snapshots() len = %d, want 2", n)
	}
}

func TestObserve_ReplacesSnapshotWholesale(t *testing.T) {
	c, _, clk := newTestCoordinator(t)
	ctx := context.Background()
	addr := netip.MustParseAddr("10.0.0.1")

	c.Observe(ctx, addr, map[string]any{KeyTemperature: 50.0, KeyRSSI: -60.0}, clk.Now())
	clk.Advance(time.Second)
	c.Observe(ctx, addr, map[string]any{KeyTemperature: 51.0}, clk.Now())

	s, ok := c.Snapshot(addr)
	if !ok {
		t.Fatal("Snapshot() ok = false")
	}
	if _, has := s.Latest.Values[KeyRSSI]; has {
		t.Error("rssi survived a newer snapshot; snapshots must not merge")
	}
	if !s.LastSeen.Equal(clk.Now()) {
		t.Errorf("LastSeen = %v, want %v", s.LastSeen, clk.Now())
	}
	if !s.FirstSeen.Equal(clk.Now().Add(-time.Second)) {
		t.Errorf("FirstSeen = %v, want first observation time", s.FirstSeen)
	}
}

func TestObserve_MissingCounterKeepsBaseline(t *testing.T) {
	c, bus, clk := newTestCoordinator(t)
	ctx := context.Background()
	addr := netip.MustParseAddr("10.0.0.1")

	c.Observe(ctx, addr, record(3), clk.Now())
	c.Observe(ctx, addr, map[string]any{KeyTemperature: 40.0}, clk.Now())
	c.Observe(ctx, addr, record(3), clk.Now())

	if n := len(bus.EventsFor(blockTopic)); n != 0 {
		t.Errorf("events = %d, want 0", n)
	}
}

func TestObserve_FirstCounterSetsBaseline(t *testing.T) {
	tests := []struct {
		name  string
		first map[string]any
	}{
		{"no counter", map[string]any{KeyTemperature: 40.0}},
		{"fractional counter", map[string]any{KeyValidBlocks: 2.5}},
		{"negative counter", map[string]any{KeyValidBlocks: -1.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, bus, clk := newTestCoordinator(t)
			ctx := context.Background()
			addr := netip.MustParseAddr("10.0.0.2")

			c.Observe(ctx, addr, tt.first, clk.Now())
			clk.Advance(time.Second)
			c.Observe(ctx, addr, record(7), clk.Now())

			if n := len(bus.EventsFor(blockTopic)); n != 0 {
				t.Fatalf("block_found events after baseline = %d, want 0", n)
			}
			s, _ := c.Snapshot(addr)
			if !s.BlocksBaselined || s.LastValidBlocks != 7 {
				t.Errorf("baseline = (%v, %d), want (true, 7)", s.BlocksBaselined, s.LastValidBlocks)
			}

			c.Observe(ctx, addr, record(8), clk.Now())
			if n := len(bus.EventsFor(blockTopic)); n != 1 {
				t.Errorf("block_found events after increase = %d, want 1", n)
			}
		})
	}
}

func TestValidBlocks(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		want   int64
		wantOK bool
	}{
		{"whole", 7.0, 7, true},
		{"zero", 0.0, 0, true},
		{"large whole", 9007199254740992.0, 9007199254740992, true},
		{"fractional", 7.5, 0, false},
		{"negative", -3.0, 0, false},
		{"2^63", math.Exp2(63), 0, false},
		{"NaN", math.NaN(), 0, false},
		{"Inf", math.Inf(1), 0, false},
		{"string", "7", 0, false},
		{"missing", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := map[string]any{}
			if tt.value != nil {
				values[KeyValidBlocks] = tt.value
			}
			got, ok := validBlocks(values)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("validBlocks(%v) = (%d, %v), want (%d, %v)", tt.value, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSweep_MarksStaleOfflineAndDatagramRestores(t *testing.T) {
	c, _, clk := newTestCoordinator(t)
	ctx := context.Background()
	addr := netip.MustParseAddr("10.0.0.1")

	c.Observe(ctx, addr, record(1), clk.Now())

	clk.Advance(30 * time.Second)
	if changed := c.Sweep(clk.Now()); len(changed) != 0 {
		t.Errorf("sweep at exactly the threshold changed %d devices, want 0", len(changed))
	}

	clk.Advance(time.Second)
	changed := c.Sweep(clk.Now())
	if len(changed) != 1 {
		t.Fatalf("sweep changed %d devices, want 1", len(changed))
	}
	s, _ := c.Snapshot(addr)
	if s.Online {
		t.Error("device still online after staleness threshold")
	}
	if s.Status() != models.DeviceStatusOffline {
		t.Errorf("Status() = %q, want offline", s.Status())
	}

	if changed := c.Sweep(clk.Now()); len(changed) != 0 {
		t.Error("second sweep re-reported an offline device")
	}

	c.Observe(ctx, addr, record(1), clk.Now())
	s, _ = c.Snapshot(addr)
	if !s.Online {
		t.Error("device not online after new datagram")
	}
}

func TestRunSweeper_DrivenByTicker(t *testing.T) {
	c, _, clk := newTestCoordinator(t)
	addr := netip.MustParseAddr("10.0.0.1")
	c.Observe(context.Background(), addr, record(1), clk.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunSweeper(ctx, 10*time.Second)
		close(done)
	}()
	require.Eventually(t, func() bool { return clk.Tickers() == 1 }, time.Second, time.Millisecond)

	// 40s of silence crosses the 30s threshold on the 40s tick.
	for i := 0; i < 4; i++ {
		clk.Advance(10 * time.Second)
	}
	require.Eventually(t, func() bool {
		s, _ := c.Snapshot(addr)
		return !s.Online
	}, time.Second, time.Millisecond)

	cancel()
	<-done
	if clk.Tickers() != 0 {
		t.Error("sweeper did not stop its ticker")
	}
}
