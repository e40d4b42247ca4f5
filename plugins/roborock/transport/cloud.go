package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/joshp123/robobridge/plugins/roborock/protocol"
)

// CloudConfig identifies one device on the shared bus.
type CloudConfig struct {
	DUID    string
	Creds   Credentials
	Version protocol.Version
}

// Topics returns the publish and subscribe topics for a device.
func (c CloudConfig) Topics() (pub, sub string) {
	user := c.Creds.MQTTUser()
	return fmt.Sprintf("rr/m/i/%s/%s/%s", c.Creds.UserID, user, c.DUID),
		fmt.Sprintf("rr/m/o/%s/%s/%s", c.Creds.UserID, user, c.DUID)
}

// CloudClient relays a device's frames through the MQTT bus. There is no
// handshake: the client is ready once its topic subscription is in place.
type CloudClient struct {
	cfg      CloudConfig
	bus      *Bus
	codec    *protocol.Codec
	listener ConnectionListener
	logger   *slog.Logger
	metrics  *Metrics
	handlers handlers

	mu    sync.Mutex
	unsub func()
}

func NewCloudClient(cfg CloudConfig, bus *Bus, codec *protocol.Codec, listener ConnectionListener, metrics *Metrics, logger *slog.Logger) *CloudClient {
	if logger == nil {
		logger = slog.Default()
	}
	if listener == nil {
		listener = nopListener{}
	}
	if cfg.Version == "" {
		cfg.Version = protocol.Version1
	}
	logger = logger.With("duid", cfg.DUID, "transport", "mqtt")
	return &CloudClient{
		cfg:      cfg,
		bus:      bus,
		codec:    codec,
		listener: listener,
		logger:   logger,
		metrics:  metrics,
		handlers: handlers{logger: logger},
	}
}

func (c *CloudClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsub != nil {
		return nil
	}
	if err := c.bus.Connect(ctx); err != nil {
		c.listener.OnDisconnected(c.cfg.DUID, err)
		return err
	}
	_, sub := c.cfg.Topics()
	unsub, err := c.bus.Subscribe(ctx, sub, c.receive)
	if err != nil {
		cerr := &ConnectionError{DUID: c.cfg.DUID, Op: "subscribe", Err: err}
		c.listener.OnDisconnected(c.cfg.DUID, cerr)
		return cerr
	}
	c.unsub = unsub
	c.logger.Log(ctx, LevelNotice, "cloud relay ready", "topic", sub)
	c.listener.OnReady(c.cfg.DUID, c.cfg.Version)
	return nil
}

func (c *CloudClient) receive(data []byte) {
	env, err := c.codec.Deserialize(c.cfg.DUID, data, "mqtt")
	if err != nil {
		kind := decodeErrorKind(err)
		c.metrics.decodeError("mqtt", kind)
		c.logger.Warn("dropping undecodable message", "kind", kind, "err", err)
		return
	}
	c.metrics.frameReceived("mqtt", env.Header.Protocol.String())
	c.handlers.emit(env)
}

func (c *CloudClient) Disconnect() {
	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (c *CloudClient) IsConnected() bool {
	return c.bus.IsConnected()
}

func (c *CloudClient) IsReady() bool {
	c.mu.Lock()
	subscribed := c.unsub != nil
	c.mu.Unlock()
	return subscribed && c.bus.IsConnected()
}

func (c *CloudClient) Version() protocol.Version {
	return c.cfg.Version
}

func (c *CloudClient) OnMessage(fn func(protocol.Envelope)) func() {
	return c.handlers.add(fn)
}

func (c *CloudClient) Send(ctx context.Context, duid string, env protocol.Envelope) error {
	if duid != c.cfg.DUID {
		return fmt.Errorf("%w: %s", ErrWrongDevice, duid)
	}
	if !c.IsReady() {
		c.metrics.rejected("mqtt", "not_ready")
		c.logger.Warn("send rejected", "reason", "not_ready", "protocol", env.Header.Protocol.String())
		return fmt.Errorf("%w: not_ready", ErrNotReady)
	}
	if env.Header.Version == "" {
		env.Header.Version = c.cfg.Version
	}
	frame, err := c.codec.Encode(duid, env, protocol.Session{})
	if err != nil {
		return err
	}
	pub, _ := c.cfg.Topics()
	if err := c.bus.Publish(ctx, pub, frame); err != nil {
		return &ConnectionError{DUID: duid, Op: "publish", Err: err}
	}
	c.metrics.frameSent("mqtt", env.Header.Protocol.String())
	return nil
}
