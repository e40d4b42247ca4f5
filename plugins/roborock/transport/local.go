package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/joshp123/robobridge/plugins/roborock/protocol"
)

const (
	LocalPort                = 58867
	DefaultHelloTimeout      = 4 * time.Second
	DefaultPingInterval      = 10 * time.Second
	DefaultReconnectInterval = 30 * time.Minute
	DefaultRetryDelay        = 5 * time.Second
	DefaultDialTimeout       = 5 * time.Second
)

// LocalConfig configures a stream connection to one device.
type LocalConfig struct {
	DUID string
	Host string
	Port int

	HelloTimeout      time.Duration
	PingInterval      time.Duration
	ReconnectInterval time.Duration
	RetryDelay        time.Duration
	DialTimeout       time.Duration
}

func (c LocalConfig) withDefaults() LocalConfig {
	if c.Port == 0 {
		c.Port = LocalPort
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = DefaultHelloTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	return c
}

// LocalClient speaks the length-prefixed TCP protocol to a device on the LAN.
//
// The connection moves Disconnected -> Connecting -> Handshaking -> Ready.
// Each connection attempt gets a generation number; timer callbacks and read
// loops carry the generation they were started with and do nothing once it
// is stale, so Disconnect never races an in-flight timer.
type LocalClient struct {
	cfg      LocalConfig
	codec    *protocol.Codec
	listener ConnectionListener
	logger   *slog.Logger
	metrics  *Metrics
	handlers handlers

	mu        sync.Mutex
	state     ConnState
	gen       uint64
	stopped   bool
	conn      net.Conn
	writer    *protocol.FrameWriter
	done      chan struct{}
	helloCh   chan protocol.Envelope
	version   protocol.Version
	sess      protocol.Session
	pingTimer *time.Timer
	cycle     *time.Timer
	retry     *time.Timer
}

func NewLocalClient(cfg LocalConfig, codec *protocol.Codec, listener ConnectionListener, metrics *Metrics, logger *slog.Logger) *LocalClient {
	if logger == nil {
		logger = slog.Default()
	}
	if listener == nil {
		listener = nopListener{}
	}
	logger = logger.With("duid", cfg.DUID, "transport", "local")
	return &LocalClient{
		cfg:      cfg.withDefaults(),
		codec:    codec,
		listener: listener,
		logger:   logger,
		metrics:  metrics,
		handlers: handlers{logger: logger},
	}
}

func (c *LocalClient) addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// State reports the current lifecycle state.
func (c *LocalClient) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *LocalClient) IsConnected() bool {
	s := c.State()
	return s == StateHandshaking || s == StateReady
}

func (c *LocalClient) IsReady() bool {
	return c.State() == StateReady
}

func (c *LocalClient) Version() protocol.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Session returns the nonces negotiated by the last handshake.
func (c *LocalClient) Session() protocol.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *LocalClient) OnMessage(fn func(protocol.Envelope)) func() {
	return c.handlers.add(fn)
}

// Connect dials the device and runs the hello handshake. It returns once the
// connection is ready or the attempt failed.
func (c *LocalClient) Connect(ctx context.Context) error {
	return c.connect(ctx, false)
}

func (c *LocalClient) connect(ctx context.Context, auto bool) error {
	c.mu.Lock()
	if auto && c.stopped {
		c.mu.Unlock()
		return ErrClosed
	}
	c.stopped = false
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", c.addr())
	cancel()
	if err != nil {
		cerr := &ConnectionError{DUID: c.cfg.DUID, Op: "dial", Err: err}
		c.fail(gen, cerr)
		return cerr
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.writer = protocol.NewFrameWriter(conn)
	c.done = make(chan struct{})
	c.helloCh = make(chan protocol.Envelope, 1)
	c.sess = protocol.Session{ConnectNonce: uint32(protocol.NextInt(10000, 32767))}
	c.state = StateHandshaking
	done, helloCh := c.done, c.helloCh
	c.mu.Unlock()

	go c.readLoop(gen, conn)

	if err := c.handshake(ctx, gen, done, helloCh); err != nil {
		cerr := &ConnectionError{DUID: c.cfg.DUID, Op: "hello", Err: err}
		c.fail(gen, cerr)
		return cerr
	}
	return nil
}

// handshake sends hello at each known version, newest first, until the
// device answers.
func (c *LocalClient) handshake(ctx context.Context, gen uint64, done <-chan struct{}, helloCh <-chan protocol.Envelope) error {
	for _, version := range protocol.HandshakeVersions {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return ErrClosed
		}
		c.version = version
		connectNonce := c.sess.ConnectNonce
		c.mu.Unlock()

		hello := protocol.Envelope{Header: protocol.Header{
			Version:  version,
			Seq:      1,
			Nonce:    connectNonce,
			Protocol: protocol.CodeHelloRequest,
		}}
		if err := c.Send(ctx, c.cfg.DUID, hello); err != nil {
			return err
		}

		timer := time.NewTimer(c.cfg.HelloTimeout)
		select {
		case resp := <-helloCh:
			timer.Stop()
			return c.ready(gen, resp)
		case <-timer.C:
			c.metrics.handshake(string(version), "timeout")
			c.logger.Debug("no hello response", "version", version, "after", c.cfg.HelloTimeout)
		case <-done:
			timer.Stop()
			return ErrClosed
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return ErrHandshake
}

func (c *LocalClient) ready(gen uint64, resp protocol.Envelope) error {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return ErrClosed
	}
	c.version = resp.Header.Version
	c.sess.AckNonce = resp.Header.Nonce
	c.state = StateReady
	c.pingTimer = time.AfterFunc(c.cfg.PingInterval, func() { c.ping(gen) })
	c.cycle = time.AfterFunc(c.cfg.ReconnectInterval, func() { c.recycle(gen) })
	version := c.version
	c.mu.Unlock()

	c.metrics.handshake(string(version), "ok")
	c.logger.Log(context.Background(), LevelNotice, "local connection ready", "version", version, "addr", c.addr())
	c.listener.OnReady(c.cfg.DUID, version)
	return nil
}

// Send frames and writes one envelope. Hello requests are allowed while
// handshaking; everything else needs a ready connection.
func (c *LocalClient) Send(ctx context.Context, duid string, env protocol.Envelope) error {
	if duid != c.cfg.DUID {
		return fmt.Errorf("%w: %s", ErrWrongDevice, duid)
	}
	c.mu.Lock()
	conn, writer, state, gen := c.conn, c.writer, c.state, c.gen
	version, sess := c.version, c.sess
	c.mu.Unlock()

	var reason string
	switch {
	case conn == nil:
		reason = "no_socket"
	case state != StateHandshaking && state != StateReady:
		reason = "not_connected"
	case state != StateReady && env.Header.Protocol != protocol.CodeHelloRequest:
		reason = "not_ready"
	}
	if reason != "" {
		c.metrics.rejected("local", reason)
		c.logger.Warn("send rejected", "reason", reason, "state", state.String(), "protocol", env.Header.Protocol.String())
		return fmt.Errorf("%w: %s", ErrNotReady, reason)
	}

	if env.Header.Version == "" {
		env.Header.Version = version
	}
	frame, err := c.codec.Encode(duid, env, sess)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.cfg.DialTimeout)
	}
	_ = conn.SetWriteDeadline(deadline)
	err = writer.WriteFrame(frame)
	_ = conn.SetWriteDeadline(time.Time{})
	if err != nil {
		cerr := &ConnectionError{DUID: duid, Op: "write", Err: err}
		c.fail(gen, cerr)
		return cerr
	}
	c.metrics.frameSent("local", env.Header.Protocol.String())
	return nil
}

func (c *LocalClient) readLoop(gen uint64, conn net.Conn) {
	reader := protocol.NewFrameReader(conn)
	origin := conn.RemoteAddr().String()
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			c.fail(gen, &ConnectionError{DUID: c.cfg.DUID, Op: "read", Err: err})
			return
		}
		env, err := c.codec.DeserializeSession(c.cfg.DUID, frame, origin, c.Session())
		if err != nil {
			kind := decodeErrorKind(err)
			c.metrics.decodeError("local", kind)
			c.logger.Warn("dropping undecodable frame", "kind", kind, "err", err)
			continue
		}
		c.metrics.frameReceived("local", env.Header.Protocol.String())

		switch env.Header.Protocol {
		case protocol.CodeHelloResponse:
			c.mu.Lock()
			helloCh := c.helloCh
			c.mu.Unlock()
			select {
			case helloCh <- env:
			default:
			}
			continue
		case protocol.CodePingResponse:
			c.logger.Debug("ping response", "seq", env.Header.Seq)
			continue
		}
		c.handlers.emit(env)
	}
}

func (c *LocalClient) ping(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateReady {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HelloTimeout)
	err := c.Send(ctx, c.cfg.DUID, protocol.Envelope{Header: protocol.Header{Protocol: protocol.CodePingRequest}})
	cancel()
	if err != nil {
		c.logger.Debug("ping failed", "err", err)
		return
	}

	c.mu.Lock()
	if c.gen == gen && c.state == StateReady {
		c.pingTimer = time.AfterFunc(c.cfg.PingInterval, func() { c.ping(gen) })
	}
	c.mu.Unlock()
}

// recycle runs the periodic full reconnect.
func (c *LocalClient) recycle(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateReady {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.mu.Unlock()
	c.logger.Info("recycling local connection", "after", c.cfg.ReconnectInterval)
	c.reconnect()
}

func (c *LocalClient) reconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout+2*c.cfg.HelloTimeout)
	defer cancel()
	if err := c.connect(ctx, true); err != nil && !errors.Is(err, ErrClosed) {
		c.scheduleRetry()
	}
}

func (c *LocalClient) scheduleRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.state != StateDisconnected {
		return
	}
	gen := c.gen
	c.retry = time.AfterFunc(c.cfg.RetryDelay, func() {
		c.mu.Lock()
		stale := c.stopped || c.gen != gen || c.state != StateDisconnected
		c.mu.Unlock()
		if !stale {
			c.reconnect()
		}
	})
}

// fail tears down the connection for gen. Failures before ready are
// reported to the listener; failures after ready are silent and start a
// reconnect.
func (c *LocalClient) fail(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	wasReady := c.state == StateReady
	c.teardownLocked()
	c.mu.Unlock()

	if wasReady {
		c.logger.Debug("local connection lost", "err", err)
		c.scheduleRetry()
		return
	}
	if errors.Is(err, ErrHandshake) {
		c.metrics.handshake("all", "failed")
	}
	c.logger.Error("local connection failed", "addr", c.addr(), "err", err)
	c.listener.OnDisconnected(c.cfg.DUID, err)
}

// teardownLocked stops timers, closes the socket and bumps the generation.
func (c *LocalClient) teardownLocked() {
	c.gen++
	for _, t := range []*time.Timer{c.pingTimer, c.cycle, c.retry} {
		if t != nil {
			t.Stop()
		}
	}
	c.pingTimer, c.cycle, c.retry = nil, nil, nil
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.writer = nil
	c.state = StateDisconnected
}

// Disconnect stops every timer and closes the socket before returning.
func (c *LocalClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.teardownLocked()
}
