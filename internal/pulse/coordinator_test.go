package pulse

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/miningops/internal/testutil"
	"github.com/HerbHall/miningops/pkg/models"
)

var (
	lostTopic       = models.EventMinerLost.Topic()
	discoveredTopic = models.EventMinerDiscovered.Topic()
	errUnreachable  = errors.New("connect: no route to host")
)

// scriptedPoller answers polls from a per-address up/down table. When gate
// is set, polls block until it is closed or their context ends.
type scriptedPoller struct {
	mu    sync.Mutex
	up    map[netip.Addr]bool
	calls map[netip.Addr]int
	gate  chan struct{}
}

func newScriptedPoller() *scriptedPoller {
	return &scriptedPoller{
		up:    make(map[netip.Addr]bool),
		calls: make(map[netip.Addr]int),
	}
}

func (p *scriptedPoller) set(addr netip.Addr, up bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.up[addr] = up
}

func (p *scriptedPoller) hold() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = make(chan struct{})
}

func (p *scriptedPoller) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.gate)
	p.gate = nil
}

func (p *scriptedPoller) count(addr netip.Addr) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[addr]
}

func (p *scriptedPoller) Poll(ctx context.Context, addr netip.Addr) (map[string]any, error) {
	p.mu.Lock()
	p.calls[addr]++
	up := p.up[addr]
	gate := p.gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !up {
		return nil, errUnreachable
	}
	return map[string]any{"deviceModel": "Ultra", "hashRate": 512.4}, nil
}

// fakeDiscoverer returns a fixed discovery result.
type fakeDiscoverer struct {
	results []models.DiscoveryResult
	err     error
	calls   atomic.Int32
}

func (d *fakeDiscoverer) Discover(context.Context) ([]models.DiscoveryResult, error) {
	d.calls.Add(1)
	return append([]models.DiscoveryResult(nil), d.results...), d.err
}

func verified(addrs ...string) []models.DiscoveryResult {
	out := make([]models.DiscoveryResult, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, models.DiscoveryResult{Address: netip.MustParseAddr(a), Verified: true, Model: "Ultra"})
	}
	return out
}

func newTestCoordinator(t *testing.T, policy RediscoveryPolicy) (*Coordinator, *scriptedPoller, *testutil.MockBus, *testutil.Clock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RediscoveryPolicy = policy
	poller := newScriptedPoller()
	bus := testutil.NewMockBus()
	clk := testutil.NewClock()
	return NewCoordinator(cfg, poller, bus, clk, zap.NewNop()), poller, bus, clk
}

func eventIPs(t *testing.T, bus *testutil.MockBus, topic string) []string {
	t.Helper()
	var out []string
	for _, ev := range bus.EventsFor(topic) {
		de, ok := ev.Payload.(models.DomainEvent)
		require.True(t, ok, "payload type %T", ev.Payload)
		assert.Equal(t, "pull", de.Payload["device_type"])
		out = append(out, de.Payload["miner_ip"].(string))
	}
	return out
}

func TestCycle_SuccessMarksOnline(t *testing.T) {
	c, poller, bus, clk := newTestCoordinator(t, PolicyAutoAdd)
	addr := netip.MustParseAddr("10.0.0.5")
	poller.set(addr, true)
	c.Track(addr, SourceConfig)

	before, ok := c.Snapshot(addr)
	require.True(t, ok)
	assert.Equal(t, models.DeviceStatusUnknown, before.Status())

	c.Cycle(context.Background())

	got, ok := c.Snapshot(addr)
	require.True(t, ok)
	assert.True(t, got.Online)
	assert.Equal(t, models.DeviceKindPull, got.Kind)
	assert.Equal(t, 0, got.ConsecutiveFailures)
	assert.Equal(t, clk.Now(), got.LastSeen)
	assert.Equal(t, clk.Now(), got.FirstSeen)
	assert.Equal(t, 512.4, got.Latest.Values["hashRate"])
	assert.Empty(t, bus.Events(), "a successful poll emits nothing")
}

func TestCycle_RecoversBeforeThreshold(t *testing.T) {
	c, poller, bus, _ := newTestCoordinator(t, PolicyAutoAdd)
	ctx := context.Background()
	addr := netip.MustParseAddr("10.0.0.5")
	c.Track(addr, SourceConfig)

	poller.set(addr, true)
	c.Cycle(ctx)

	poller.set(addr, false)
	for range c.threshold - 1 {
		c.Cycle(ctx)
	}
	got, _ := c.Snapshot(addr)
	if !got.Online {
		t.Fatal("miner went offline before reaching the failure threshold")
	}
	if got.ConsecutiveFailures != c.threshold-1 {
		t.Errorf("ConsecutiveFailures = %d, want %d", got.ConsecutiveFailures, c.threshold-1)
	}

	poller.set(addr, true)
	c.Cycle(ctx)
	got, _ = c.Snapshot(addr)
	if got.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures after success = %d, want 0", got.ConsecutiveFailures)
	}
	if n := len(bus.EventsFor(lostTopic)); n != 0 {
		t.Errorf("got %d miner_lost events, want 0", n)
	}
}

func TestCycle_ThresholdEmitsLostOnce(t *testing.T) {
	c, poller, bus, _ := newTestCoordinator(t, PolicyAutoAdd)
	ctx := context.Background()
	addr := netip.MustParseAddr("10.0.0.5")
	c.Track(addr, SourceConfig)

	poller.set(addr, true)
	c.Cycle(ctx)

	poller.set(addr, false)
	for range c.threshold {
		c.Cycle(ctx)
	}
	got, _ := c.Snapshot(addr)
	assert.False(t, got.Online)
	assert.Equal(t, models.DeviceStatusOffline, got.Status())
	assert.Equal(t, []string{"10.0.0.5"}, eventIPs(t, bus, lostTopic))

	// Further failures do not repeat the event.
	c.Cycle(ctx)
	c.Cycle(ctx)
	assert.Len(t, bus.EventsFor(lostTopic), 1)

	// A recovery followed by another outage is a new transition.
	poller.set(addr, true)
	c.Cycle(ctx)
	poller.set(addr, false)
	for range c.threshold {
		c.Cycle(ctx)
	}
	assert.Len(t, bus.EventsFor(lostTopic), 2)
}

func TestCycle_NeverOnlineEmitsNothing(t *testing.T) {
	c, _, bus, _ := newTestCoordinator(t, PolicyAutoAdd)
	addr := netip.MustParseAddr("10.0.0.7")
	c.Track(addr, SourceConfig)

	for range 5 {
		c.Cycle(context.Background())
	}

	got, _ := c.Snapshot(addr)
	if got.ConsecutiveFailures != 5 {
		t.Errorf("ConsecutiveFailures = %d, want 5", got.ConsecutiveFailures)
	}
	if got.Status() != models.DeviceStatusUnknown {
		t.Errorf("Status() = %q, want %q", got.Status(), models.DeviceStatusUnknown)
	}
	if n := len(bus.Events()); n != 0 {
		t.Errorf("got %d events, want 0", n)
	}
}

func TestCycle_DevicesAreIndependent(t *testing.T) {
	c, poller, bus, _ := newTestCoordinator(t, PolicyAutoAdd)
	ctx := context.Background()
	up := netip.MustParseAddr("10.0.0.5")
	down := netip.MustParseAddr("10.0.0.6")
	c.Track(up, SourceConfig)
	c.Track(down, SourceConfig)
	poller.set(up, true)
	poller.set(down, true)
	c.Cycle(ctx)

	poller.set(down, false)
	for range c.threshold {
		c.Cycle(ctx)
	}

	upState, _ := c.Snapshot(up)
	assert.True(t, upState.Online)
	assert.Equal(t, []string{"10.0.0.6"}, eventIPs(t, bus, lostTopic))
}

func TestCycle_LostMinerIsDiagnosed(t *testing.T) {
	c, poller, _, _ := newTestCoordinator(t, PolicyAutoAdd)
	ctx := context.Background()
	checker := newMockChecker(&CheckResult{Success: true, LatencyMs: 2}, nil)
	c.SetChecker(checker)
	addr := netip.MustParseAddr("10.0.0.5")
	c.Track(addr, SourceConfig)

	poller.set(addr, true)
	c.Cycle(ctx)
	poller.set(addr, false)
	for range c.threshold + 2 {
		c.Cycle(ctx)
	}

	if got := checker.calls(); len(got) != 1 || got[0] != addr {
		t.Errorf("checker calls = %v, want one check of %s", got, addr)
	}
}

func TestLaunch_SkipsMinerWithPollInFlight(t *testing.T) {
	c, poller, _, _ := newTestCoordinator(t, PolicyAutoAdd)
	ctx := context.Background()
	addr := netip.MustParseAddr("10.0.0.5")
	poller.set(addr, true)
	c.Track(addr, SourceConfig)

	poller.hold()
	first := c.launch(ctx)
	require.Eventually(t, func() bool { return poller.count(addr) == 1 }, time.Second, time.Millisecond)

	c.launch(ctx).Wait()
	if n := poller.count(addr); n != 1 {
		t.Errorf("polls while first in flight = %d, want 1", n)
	}

	poller.release()
	first.Wait()
	c.Cycle(ctx)
	if n := poller.count(addr); n != 2 {
		t.Errorf("polls after release = %d, want 2", n)
	}
}

func TestLaunch_DeregisteredDuringPollIsDiscarded(t *testing.T) {
	c, poller, _, _ := newTestCoordinator(t, PolicyAutoAdd)
	ctx := context.Background()
	addr := netip.MustParseAddr("10.0.0.5")
	poller.set(addr, true)
	c.Track(addr, SourceConfig)

	poller.hold()
	wg := c.launch(ctx)
	require.Eventually(t, func() bool { return poller.count(addr) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.Deregister(ctx, addr))
	poller.release()
	wg.Wait()

	if _, ok := c.Snapshot(addr); ok {
		t.Error("deregistered miner reappeared in the registry")
	}
}

func TestLaunch_CancelledPollIsNotAFailure(t *testing.T) {
	c, poller, _, _ := newTestCoordinator(t, PolicyAutoAdd)
	addr := netip.MustParseAddr("10.0.0.5")
	c.Track(addr, SourceConfig)

	ctx, cancel := context.WithCancel(context.Background())
	poller.hold()
	wg := c.launch(ctx)
	require.Eventually(t, func() bool { return poller.count(addr) == 1 }, time.Second, time.Millisecond)
	cancel()
	wg.Wait()
	poller.release()

	got, _ := c.Snapshot(addr)
	if got.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0 after cancellation", got.ConsecutiveFailures)
	}
}

func TestRun_PollsImmediatelyThenOnTick(t *testing.T) {
	c, poller, _, clk := newTestCoordinator(t, PolicyAutoAdd)
	addr := netip.MustParseAddr("10.0.0.5")
	poller.set(addr, true)
	c.Track(addr, SourceConfig)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 30*time.Second)
		close(done)
	}()

	require.Eventually(t, func() bool { return poller.count(addr) == 1 }, time.Second, time.Millisecond)
	clk.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return poller.count(addr) == 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 0, clk.Tickers(), "ticker should be stopped")
}

func TestRediscover_AutoAddsNewMiner(t *testing.T) {
	c, _, bus, _ := newTestCoordinator(t, PolicyAutoAdd)
	ctx := context.Background()
	c.Track(netip.MustParseAddr("10.0.0.5"), SourceConfig)
	c.SetDiscoverer(&fakeDiscoverer{results: verified("10.0.0.5", "10.0.0.9")})

	found, err := c.Rediscover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.9")}, found)
	assert.Equal(t, []string{"10.0.0.9"}, eventIPs(t, bus, discoveredTopic))
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("10.0.0.5"),
		netip.MustParseAddr("10.0.0.9"),
	}, c.Registered())

	source, ok := c.Source(netip.MustParseAddr("10.0.0.9"))
	assert.True(t, ok)
	assert.Equal(t, SourceDiscovery, source)

	// The same scan again finds nothing new.
	found, err = c.Rediscover(ctx)
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.Len(t, bus.EventsFor(discoveredTopic), 1)
}

func TestRediscover_EventsInAscendingOrder(t *testing.T) {
	c, _, bus, _ := newTestCoordinator(t, PolicyAutoAdd)
	c.SetDiscoverer(&fakeDiscoverer{results: verified("10.0.0.30", "10.0.0.4", "10.0.0.12")})

	_, err := c.Rediscover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.4", "10.0.0.12", "10.0.0.30"}, eventIPs(t, bus, discoveredTopic))
}

func TestRediscover_ReportOnly(t *testing.T) {
	c, _, bus, _ := newTestCoordinator(t, PolicyReportOnly)
	ctx := context.Background()
	c.SetDiscoverer(&fakeDiscoverer{results: verified("10.0.0.9")})

	found, err := c.Rediscover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.9")}, found)
	assert.Empty(t, c.Registered(), "report_only must not register")

	_, err = c.Rediscover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.9"}, eventIPs(t, bus, discoveredTopic))
}

func TestRediscover_IgnoresUnverified(t *testing.T) {
	c, _, bus, _ := newTestCoordinator(t, PolicyAutoAdd)
	c.SetDiscoverer(&fakeDiscoverer{results: []models.DiscoveryResult{
		{Address: netip.MustParseAddr("10.0.0.9")},
	}})

	found, err := c.Rediscover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.Empty(t, bus.Events())
}

func TestRediscover_Errors(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, PolicyAutoAdd)
	ctx := context.Background()

	if _, err := c.Rediscover(ctx); !errors.Is(err, ErrNoDiscoverer) {
		t.Errorf("Rediscover() without discoverer error = %v, want %v", err, ErrNoDiscoverer)
	}

	boom := errors.New("scan failed")
	c.SetDiscoverer(&fakeDiscoverer{err: boom})
	if _, err := c.Rediscover(ctx); !errors.Is(err, boom) {
		t.Errorf("Rediscover() error = %v, want wrapping %v", err, boom)
	}
}

func TestRunRediscovery_WaitsForInterval(t *testing.T) {
	tests := []struct {
		name      string
		immediate bool
		wantFirst int32
	}{
		{name: "waits a full interval", immediate: false, wantFirst: 0},
		{name: "scans at once", immediate: true, wantFirst: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _, clk := newTestCoordinator(t, PolicyAutoAdd)
			d := &fakeDiscoverer{}
			c.SetDiscoverer(d)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				c.RunRediscovery(ctx, time.Hour, tt.immediate)
				close(done)
			}()

			require.Eventually(t, func() bool { return clk.Tickers() == 1 }, time.Second, time.Millisecond)
			assert.Equal(t, tt.wantFirst, d.calls.Load())

			clk.Advance(time.Hour)
			require.Eventually(t, func() bool { return d.calls.Load() == tt.wantFirst+1 }, time.Second, time.Millisecond)

			cancel()
			<-done
		})
	}
}

func TestRegister_PersistsAndDeregisterRemoves(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, PolicyAutoAdd)
	ctx := context.Background()
	db := testutil.NewStore(t)
	require.NoError(t, db.Migrate(ctx, "pulse", migrations()))
	ms := NewMinerStore(db.DB())
	c.SetStore(ms)

	addr := netip.MustParseAddr("10.0.0.9")
	created, err := c.Register(ctx, addr, SourceAPI)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.Register(ctx, addr, SourceAPI)
	require.NoError(t, err)
	assert.False(t, created, "second registration is a no-op")

	recs, err := ms.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, addr, recs[0].Address)
	assert.Equal(t, SourceAPI, recs[0].Source)

	require.NoError(t, c.Deregister(ctx, addr))
	recs, err = ms.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	err = c.Deregister(ctx, addr)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

// gatedWriter blocks Save until release is closed.
type gatedWriter struct {
	entered chan struct{}
	release chan struct{}
	err     error
}

func (w *gatedWriter) Save(ctx context.Context, _ MinerRecord) error {
	close(w.entered)
	select {
	case <-w.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return w.err
}

func (w *gatedWriter) Delete(context.Context, netip.Addr) (bool, error) { return true, nil }

func TestRegister_SlowStoreDoesNotStallPolls(t *testing.T) {
	c, poller, _, _ := newTestCoordinator(t, PolicyAutoAdd)
	ctx := context.Background()
	tracked := netip.MustParseAddr("10.0.0.5")
	poller.set(tracked, true)
	c.Track(tracked, SourceConfig)

	w := &gatedWriter{entered: make(chan struct{}), release: make(chan struct{})}
	c.SetStore(w)

	registered := make(chan error, 1)
	go func() {
		_, err := c.Register(ctx, netip.MustParseAddr("10.0.0.9"), SourceAPI)
		registered <- err
	}()
	<-w.entered

	polled := make(chan struct{})
	go func() {
		c.Cycle(ctx)
		close(polled)
	}()
	select {
	case <-polled:
	case <-time.After(2 * time.Second):
		close(w.release)
		t.Fatal("poll cycle blocked behind a registration write")
	}
	if n := poller.count(tracked); n != 1 {
		t.Errorf("polls of tracked miner = %d, want 1", n)
	}

	close(w.release)
	require.NoError(t, <-registered)
	assert.Equal(t, []netip.Addr{tracked, netip.MustParseAddr("10.0.0.9")}, c.Registered())
}

func TestRegister_StoreFailureLeavesMinerUntracked(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, PolicyAutoAdd)
	errDisk := errors.New("disk full")
	w := &gatedWriter{entered: make(chan struct{}), release: make(chan struct{}), err: errDisk}
	close(w.release)
	c.SetStore(w)

	addr := netip.MustParseAddr("10.0.0.9")
	created, err := c.Register(context.Background(), addr, SourceAPI)
	require.ErrorIs(t, err, errDisk)
	assert.False(t, created)
	assert.Empty(t, c.Registered())
	if _, ok := c.Snapshot(addr); ok {
		t.Error("miner visible in registry after failed registration")
	}
}

func TestRegister_RejectsIPv6(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, PolicyAutoAdd)
	_, err := c.Register(context.Background(), netip.MustParseAddr("fe80::1"), SourceAPI)
	if !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Register(fe80::1) error = %v, want %v", err, ErrInvalidAddress)
	}
}
