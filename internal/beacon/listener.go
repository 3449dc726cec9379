package beacon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/miningops/internal/clock"
)

// maxDatagram bounds a single read. NMMiner broadcasts are well under 1 KiB.
const maxDatagram = 8192

// Observer receives decoded telemetry records.
type Observer interface {
	Observe(ctx context.Context, addr netip.Addr, values map[string]any, ts time.Time)
}

// ListenerStats counts datagrams seen by a Listener.
type ListenerStats struct {
	Received uint64 `json:"received"`
	Dropped  uint64 `json:"dropped"`
}

// Listener reads telemetry datagrams from a UDP socket and forwards each
// decoded record to an Observer. Records are handled one at a time in
// arrival order.
type Listener struct {
	addr     string
	observer Observer
	clock    clock.Clock
	logger   *zap.Logger

	mu   sync.Mutex
	conn *net.UDPConn
	done chan struct{}

	received atomic.Uint64
	dropped  atomic.Uint64
}

// NewListener creates a listener that will bind addr (host:port) on Start.
func NewListener(addr string, obs Observer, clk clock.Clock, logger *zap.Logger) *Listener {
	if clk == nil {
		clk = clock.Real()
	}
	return &Listener{
		addr:     addr,
		observer: obs,
		clock:    clk,
		logger:   logger,
	}
}

// Start binds the socket and begins the read loop. A bind failure is
// returned to the caller. Cancelling ctx closes the socket.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return errors.New("beacon listener already started")
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", l.addr)
	if err != nil {
		return fmt.Errorf("bind beacon listener on %s: %w", l.addr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return fmt.Errorf("bind beacon listener on %s: unexpected connection type %T", l.addr, pc)
	}

	l.conn = conn
	l.done = make(chan struct{})
	context.AfterFunc(ctx, func() { conn.Close() })

	l.logger.Info("beacon listener bound", zap.String("addr", conn.LocalAddr().String()))
	go l.readLoop(ctx, conn, l.done)
	return nil
}

// LocalAddr returns the bound address, or nil before Start.
func (l *Listener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Close closes the socket and waits for the read loop to exit. The pending
// read is abandoned without error.
func (l *Listener) Close() error {
	l.mu.Lock()
	conn, done := l.conn, l.done
	l.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := conn.Close()
	<-done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Stats returns the datagram counters.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		Received: l.received.Load(),
		Dropped:  l.dropped.Load(),
	}
}

func (l *Listener) readLoop(ctx context.Context, conn *net.UDPConn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, maxDatagram)

	for {
		n, src, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			l.logger.Debug("beacon read failed", zap.Error(err))
			continue
		}
		l.received.Add(1)

		source := src.Addr().Unmap()
		record, err := Decode(buf[:n])
		if err != nil {
			l.dropped.Add(1)
			l.logger.Debug("dropping undecodable datagram",
				zap.String("source", source.String()),
				zap.Int("bytes", n),
				zap.Error(err),
			)
			continue
		}
		l.observer.Observe(ctx, source, Normalize(record), l.clock.Now())
	}
}
