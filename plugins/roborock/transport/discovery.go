package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/joshp123/robobridge/plugins/roborock/protocol"
)

// DiscoveryPort is where devices broadcast their beacons.
const DiscoveryPort = 58866

// maxReadFailures consecutive socket errors close the listener.
const maxReadFailures = 5

// Discovery owns the UDP beacon socket and fans decoded beacons out to
// listeners. One instance serves the whole process.
type Discovery struct {
	addr        string
	logger      *slog.Logger
	metrics     *Metrics
	readBackoff time.Duration

	mu        sync.Mutex
	conn      net.PacketConn
	listeners map[int]func(protocol.Beacon)
	nextID    int
	wg        sync.WaitGroup
}

// NewDiscovery listens on addr, e.g. ":58866".
func NewDiscovery(addr string, metrics *Metrics, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{
		addr:        addr,
		logger:      logger.With("transport", "discovery"),
		metrics:     metrics,
		readBackoff: 100 * time.Millisecond,
		listeners:   make(map[int]func(protocol.Beacon)),
	}
}

// Start binds the socket and starts the receive loop.
func (d *Discovery) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return nil
	}
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp4", d.addr)
	if err != nil {
		return &ConnectionError{Op: "listen", DUID: d.addr, Err: err}
	}
	d.conn = conn
	d.wg.Add(1)
	go d.loop(conn)
	d.logger.Info("listening for beacons", "addr", conn.LocalAddr().String())
	return nil
}

// Addr is the bound address, or nil before Start.
func (d *Discovery) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// Listen registers fn for every beacon.
func (d *Discovery) Listen(fn func(protocol.Beacon)) (remove func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
	}
}

// Close stops the receive loop and waits for it to exit.
func (d *Discovery) Close() error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	d.wg.Wait()
	return err
}

func (d *Discovery) loop(conn net.PacketConn) {
	defer d.wg.Done()
	buf := make([]byte, 4096)
	failures := 0
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			failures++
			if failures >= maxReadFailures {
				d.logger.Error("beacon socket failing, closing listener", "failures", failures, "err", err)
				d.drop(conn)
				return
			}
			d.logger.Warn("beacon read failed", "err", err, "failures", failures)
			time.Sleep(d.readBackoff << (failures - 1))
			continue
		}
		failures = 0
		beacon, err := protocol.DecodeBroadcast(buf[:n], from.String())
		if err != nil {
			kind := decodeErrorKind(err)
			d.metrics.decodeError("discovery", kind)
			d.logger.Debug("dropping beacon", "from", from.String(), "kind", kind, "err", err)
			continue
		}
		if beacon.IP == "" {
			if udp, ok := from.(*net.UDPAddr); ok {
				beacon.IP = udp.IP.String()
			}
		}
		d.metrics.beacon(string(beacon.Version))
		d.fanOut(beacon)
	}
}

// drop closes a failed socket. A later Start binds a new one.
func (d *Discovery) drop(conn net.PacketConn) {
	d.mu.Lock()
	if d.conn == conn {
		d.conn = nil
	}
	d.mu.Unlock()
	_ = conn.Close()
}

// fanOut runs each listener on its own goroutine. Panics are recovered.
func (d *Discovery) fanOut(beacon protocol.Beacon) {
	d.mu.Lock()
	list := make([]func(protocol.Beacon), 0, len(d.listeners))
	for _, fn := range d.listeners {
		list = append(list, fn)
	}
	d.mu.Unlock()
	for _, fn := range list {
		go func(fn func(protocol.Beacon)) {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("beacon listener panicked", "panic", r, "stack", string(debug.Stack()))
				}
			}()
			fn(beacon)
		}(fn)
	}
}
