package roborock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joshp123/robobridge/plugins/roborock/dispatch"
	"github.com/joshp123/robobridge/plugins/roborock/protocol"
	"github.com/joshp123/robobridge/plugins/roborock/state"
	"github.com/joshp123/robobridge/plugins/roborock/transport"
)

var (
	ErrUnknownDevice     = errors.New("unknown roborock device")
	ErrUnsupportedDevice = errors.New("unsupported roborock protocol")
	ErrNoAddress         = errors.New("no local address for device")
	ErrNoCloud           = errors.New("cloud relay not configured")
	ErrNoStatus          = errors.New("device returned no status")
	ErrClosed            = errors.New("roborock bridge closed")
)

const mapRefreshInterval = 5 * time.Second

type mapSnapshot struct {
	data      *dispatch.HomeMap
	fetchedAt time.Time
}

type sessionEntry struct {
	done chan struct{}
	s    *deviceSession
	err  error
}

// Bridge exposes every device in the bootstrap behind one command and event
// surface. Sessions are opened on first use.
type Bridge struct {
	cfg       Config
	bootstrap BootstrapState
	devices   map[string]Device
	order     []string
	codec     *protocol.Codec
	metrics   *transport.Metrics
	logger    *slog.Logger
	bus       *transport.Bus
	discovery *transport.Discovery
	now       func() time.Time

	dialLocal func(dev Device, host string) transport.Client
	dialCloud func(dev Device) (transport.Client, error)

	messages listeners[DeviceMessage]
	events   listeners[StateEvent]

	mu       sync.Mutex
	closed   bool
	sessions map[string]*sessionEntry
	ipCache  map[string]string
	mapCache map[string]mapSnapshot
	observed map[string]observation
	defaults map[string]dispatch.CleanModeSetting
	restore  map[string]bool
	unlisten func()
}

// NewBridge builds a bridge for the devices in the bootstrap. Nothing touches
// the network until Start or the first command.
func NewBridge(cfg Config, boot BootstrapState, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("plugin", "roborock")
	keys := make(protocol.StaticKeys)
	devices := make(map[string]Device)
	var order []string
	for _, dev := range boot.Devices() {
		keys[dev.DUID] = dev.LocalKey
		devices[dev.DUID] = dev
		order = append(order, dev.DUID)
	}
	b := &Bridge{
		cfg:       cfg,
		bootstrap: boot,
		devices:   devices,
		order:     order,
		codec:     protocol.NewCodec(keys),
		metrics:   transport.NewMetrics(),
		logger:    logger,
		now:       time.Now,
		messages:  listeners[DeviceMessage]{logger: logger},
		events:    listeners[StateEvent]{logger: logger},
		sessions:  make(map[string]*sessionEntry),
		ipCache:   make(map[string]string),
		mapCache:  make(map[string]mapSnapshot),
		observed:  make(map[string]observation),
		defaults:  make(map[string]dispatch.CleanModeSetting),
		restore:   make(map[string]bool),
	}
	if creds := boot.Credentials(); creds.MQTTURL != "" {
		busCfg, err := transport.BusConfigFromCredentials(creds)
		if err != nil {
			return nil, fmt.Errorf("roborock mqtt: %w", err)
		}
		b.bus = transport.NewBus(busCfg, logger)
	}
	if cfg.Discovery {
		b.discovery = transport.NewDiscovery(cfg.DiscoveryAddr, b.metrics, logger)
	}
	b.dialLocal = b.newLocalClient
	b.dialCloud = b.newCloudClient
	return b, nil
}

// Start begins listening for discovery beacons.
func (b *Bridge) Start(ctx context.Context) error {
	if b.discovery == nil {
		return nil
	}
	if err := b.discovery.Start(ctx); err != nil {
		return fmt.Errorf("roborock discovery: %w", err)
	}
	unlisten := b.discovery.Listen(b.learnAddress)
	b.mu.Lock()
	b.unlisten = unlisten
	b.mu.Unlock()
	return nil
}

func (b *Bridge) learnAddress(beacon protocol.Beacon) {
	if _, ok := b.devices[beacon.DUID]; !ok || beacon.IP == "" {
		return
	}
	b.mu.Lock()
	prev := b.ipCache[beacon.DUID]
	b.ipCache[beacon.DUID] = beacon.IP
	b.mu.Unlock()
	if prev != beacon.IP {
		b.logger.Info("learned device address", "duid", beacon.DUID, "ip", beacon.IP)
	}
}

// Metrics returns the transport counters.
func (b *Bridge) Metrics() *transport.Metrics {
	return b.metrics
}

// Devices lists the known devices in bootstrap order.
func (b *Bridge) Devices() []Device {
	out := make([]Device, 0, len(b.order))
	for _, duid := range b.order {
		out = append(out, b.devices[duid])
	}
	return out
}

func (b *Bridge) device(duid string) (Device, error) {
	dev, ok := b.devices[duid]
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, duid)
	}
	return dev, nil
}

// Ready reports whether the device has an open, ready transport.
func (b *Bridge) Ready(duid string) bool {
	b.mu.Lock()
	entry, ok := b.sessions[duid]
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-entry.done:
	default:
		return false
	}
	return entry.err == nil && entry.s.client.IsReady()
}

// session returns the device's session, opening it once. Concurrent callers
// share the same attempt. A failed attempt is forgotten so the next call
// retries.
func (b *Bridge) session(ctx context.Context, duid string) (*deviceSession, error) {
	dev, err := b.device(duid)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	entry, ok := b.sessions[duid]
	if !ok {
		entry = &sessionEntry{done: make(chan struct{})}
		b.sessions[duid] = entry
		b.mu.Unlock()
		entry.s, entry.err = b.open(ctx, dev)
		b.mu.Lock()
		if entry.err != nil && b.sessions[duid] == entry {
			delete(b.sessions, duid)
		}
		b.mu.Unlock()
		close(entry.done)
	} else {
		b.mu.Unlock()
	}
	select {
	case <-entry.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return entry.s, entry.err
}

func (b *Bridge) open(ctx context.Context, dev Device) (*deviceSession, error) {
	gen := dev.Generation()
	if gen == dispatch.GenerationUnknown {
		return nil, fmt.Errorf("%w: %s speaks %s", ErrUnsupportedDevice, dev.DUID, dev.Version)
	}
	s := newDeviceSession(dev, b)

	var localErr error
	if gen == dispatch.GenerationV1 {
		localErr = b.openLocal(ctx, s)
		if localErr != nil && !b.cfg.CloudFallback {
			return nil, localErr
		}
		if localErr != nil {
			b.logger.Warn("local connect failed, using cloud relay", "duid", dev.DUID, "err", localErr)
		}
	}
	if s.client == nil {
		if err := b.openCloud(ctx, s); err != nil {
			if localErr != nil {
				return nil, errors.Join(localErr, err)
			}
			return nil, err
		}
	}

	d, err := dispatch.New(gen, s, b.logger)
	if err != nil {
		s.close(err)
		return nil, err
	}
	s.dispatcher = d

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		s.close(ErrClosed)
		return nil, ErrClosed
	}
	s.logger.Info("device session open", "transport", s.transportName(), "version", string(s.client.Version()))
	return s, nil
}

func (b *Bridge) openLocal(ctx context.Context, s *deviceSession) error {
	host, err := b.deviceIP(ctx, s.device.DUID)
	if err != nil {
		return err
	}
	client := b.dialLocal(s.device, host)
	s.attach(client, true)
	if err := client.Connect(ctx); err != nil {
		s.release()
		s.client = nil
		return err
	}
	return nil
}

func (b *Bridge) openCloud(ctx context.Context, s *deviceSession) error {
	client, err := b.dialCloud(s.device)
	if err != nil {
		return err
	}
	s.attach(client, false)
	if err := client.Connect(ctx); err != nil {
		s.release()
		s.client = nil
		return err
	}
	return nil
}

func (b *Bridge) newLocalClient(dev Device, host string) transport.Client {
	return transport.NewLocalClient(transport.LocalConfig{
		DUID:              dev.DUID,
		Host:              host,
		HelloTimeout:      b.cfg.HelloTimeout,
		PingInterval:      b.cfg.PingInterval,
		ReconnectInterval: b.cfg.ReconnectInterval,
	}, b.codec, b, b.metrics, b.logger)
}

func (b *Bridge) newCloudClient(dev Device) (transport.Client, error) {
	if b.bus == nil {
		return nil, ErrNoCloud
	}
	version := protocol.Version1
	if dev.Generation() == dispatch.GenerationB01 {
		version = protocol.VersionB01
	}
	return transport.NewCloudClient(transport.CloudConfig{
		DUID:    dev.DUID,
		Creds:   b.bootstrap.Credentials(),
		Version: version,
	}, b.bus, b.codec, b, b.metrics, b.logger), nil
}

// deviceIP resolves the LAN address: config override, then the discovery
// cache, then a bounded wait for the next beacon.
func (b *Bridge) deviceIP(ctx context.Context, duid string) (string, error) {
	if ip := b.cfg.IPOverrides[duid]; ip != "" {
		return ip, nil
	}
	b.mu.Lock()
	ip := b.ipCache[duid]
	b.mu.Unlock()
	if ip != "" {
		return ip, nil
	}
	if b.discovery == nil || b.cfg.DiscoveryWait <= 0 {
		return "", fmt.Errorf("%w: %s", ErrNoAddress, duid)
	}

	found := make(chan string, 1)
	remove := b.discovery.Listen(func(beacon protocol.Beacon) {
		if beacon.DUID != duid || beacon.IP == "" {
			return
		}
		select {
		case found <- beacon.IP:
		default:
		}
	})
	defer remove()
	timer := time.NewTimer(b.cfg.DiscoveryWait)
	defer timer.Stop()
	select {
	case ip := <-found:
		return ip, nil
	case <-timer.C:
		return "", fmt.Errorf("%w: %s (no beacon after %s)", ErrNoAddress, duid, b.cfg.DiscoveryWait)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// OnReady implements transport.ConnectionListener.
func (b *Bridge) OnReady(duid string, version protocol.Version) {
	b.logger.Debug("transport ready", "duid", duid, "version", string(version))
}

// OnDisconnected implements transport.ConnectionListener.
func (b *Bridge) OnDisconnected(duid string, reason error) {
	b.logger.Warn("transport failed before ready", "duid", duid, "err", reason)
}

// Subscribe registers fn for every decoded envelope from the device: pushes
// and replies alike. An empty duid subscribes to every device.
func (b *Bridge) Subscribe(duid string, fn func(protocol.Envelope)) (unsubscribe func()) {
	return b.messages.add(func(msg DeviceMessage) {
		if duid == "" || msg.DUID == duid {
			fn(msg.Envelope)
		}
	})
}

// OnStateChange registers fn for deduplicated state changes.
func (b *Bridge) OnStateChange(fn func(StateEvent)) (remove func()) {
	return b.events.add(fn)
}

// Dispatcher returns the device's dispatcher, opening a session if needed.
func (b *Bridge) Dispatcher(ctx context.Context, duid string) (dispatch.Dispatcher, error) {
	s, err := b.session(ctx, duid)
	if err != nil {
		return nil, err
	}
	return s.dispatcher, nil
}

// GetStatus reads the device status and records it.
func (b *Bridge) GetStatus(ctx context.Context, duid string) (*dispatch.DeviceStatus, error) {
	s, err := b.session(ctx, duid)
	if err != nil {
		return nil, err
	}
	status, err := s.dispatcher.GetDeviceStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("get status %s: %w", duid, err)
	}
	if status == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoStatus, duid)
	}
	b.updateState(s.device, status)
	return status, nil
}

// HomeMap fetches the map blob, reusing a fetch younger than the refresh
// interval.
func (b *Bridge) HomeMap(ctx context.Context, duid string) (*dispatch.HomeMap, error) {
	b.mu.Lock()
	entry, ok := b.mapCache[duid]
	b.mu.Unlock()
	if ok && b.now().Sub(entry.fetchedAt) < mapRefreshInterval {
		return entry.data, nil
	}
	s, err := b.session(ctx, duid)
	if err != nil {
		return nil, err
	}
	m, err := s.dispatcher.GetHomeMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("get map %s: %w", duid, err)
	}
	if m == nil {
		return nil, nil
	}
	b.mu.Lock()
	b.mapCache[duid] = mapSnapshot{data: m, fetchedAt: b.now()}
	b.mu.Unlock()
	return m, nil
}

// DeviceSnapshot is the bridge's view of one device.
type DeviceSnapshot struct {
	Device    Device                 `json:"device"`
	Ready     bool                   `json:"ready"`
	Transport string                 `json:"transport,omitempty"`
	Status    *dispatch.DeviceStatus `json:"status,omitempty"`
	Resolved  *state.Resolved        `json:"resolved,omitempty"`
	UpdatedAt time.Time              `json:"updated_at,omitempty"`
}

// Snapshot reports every device without touching the network.
func (b *Bridge) Snapshot() []DeviceSnapshot {
	out := make([]DeviceSnapshot, 0, len(b.order))
	for _, duid := range b.order {
		snap := DeviceSnapshot{Device: b.devices[duid], Ready: b.Ready(duid)}
		b.mu.Lock()
		if entry, ok := b.sessions[duid]; ok && snap.Ready {
			snap.Transport = entry.s.transportName()
		}
		if obs, ok := b.observed[duid]; ok {
			status := obs.status
			resolved := obs.resolved
			snap.Status = &status
			snap.Resolved = &resolved
			snap.UpdatedAt = obs.at
		}
		b.mu.Unlock()
		out = append(out, snap)
	}
	return out
}

// Close shuts down every session and the shared sockets. Outstanding
// requests fail with ErrClosed.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	entries := make([]*sessionEntry, 0, len(b.sessions))
	for _, entry := range b.sessions {
		entries = append(entries, entry)
	}
	b.sessions = make(map[string]*sessionEntry)
	unlisten := b.unlisten
	b.mu.Unlock()

	for _, entry := range entries {
		<-entry.done
		if entry.err == nil {
			entry.s.close(ErrClosed)
		}
	}
	if unlisten != nil {
		unlisten()
	}
	var err error
	if b.discovery != nil {
		err = b.discovery.Close()
	}
	if b.bus != nil {
		b.bus.Close()
	}
	return err
}
