package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/joshp123/robobridge/plugins/roborock/protocol"
)

// Credentials are the per-account cloud secrets from the bootstrap data.
type Credentials struct {
	UserID  string `json:"u" yaml:"u"`
	Secret  string `json:"s" yaml:"s"`
	Key     string `json:"k" yaml:"k"`
	MQTTURL string `json:"mqtt_url" yaml:"mqtt_url"`
}

// MQTTUser is the hashed account name used in credentials and topics.
func (c Credentials) MQTTUser() string {
	return protocol.MD5Hex([]byte(c.UserID + ":" + c.Key))[2:10]
}

func (c Credentials) mqttPassword() string {
	return protocol.MD5Hex([]byte(c.Secret + ":" + c.Key))[16:]
}

// BusConfig configures the shared broker connection.
type BusConfig struct {
	Broker         string
	Username       string
	Password       string
	ClientID       string
	TLS            bool
	ConnectTimeout time.Duration
}

// BusConfigFromCredentials derives broker settings from account secrets.
func BusConfigFromCredentials(creds Credentials) (BusConfig, error) {
	if creds.MQTTURL == "" {
		return BusConfig{}, errors.New("missing mqtt url")
	}
	parsed, err := url.Parse(creds.MQTTURL)
	if err != nil {
		return BusConfig{}, err
	}
	if parsed.Hostname() == "" || parsed.Port() == "" {
		return BusConfig{}, fmt.Errorf("invalid mqtt url %q", creds.MQTTURL)
	}
	scheme := "tcp"
	if parsed.Scheme == "ssl" || parsed.Scheme == "tls" || parsed.Scheme == "mqtts" {
		scheme = "ssl"
	}
	return BusConfig{
		Broker:   fmt.Sprintf("%s://%s", scheme, parsed.Host),
		Username: creds.MQTTUser(),
		Password: creds.mqttPassword(),
		TLS:      scheme == "ssl",
	}, nil
}

// Bus is one broker connection shared by every cloud device client.
type Bus struct {
	cfg       BusConfig
	logger    *slog.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.Mutex
	client mqtt.Client
	subs   map[string]map[int]func([]byte)
	nextID int
}

func NewBus(cfg BusConfig, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "robobridge-" + uuid.NewString()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Bus{
		cfg:       cfg,
		logger:    logger.With("transport", "mqtt"),
		newClient: mqtt.NewClient,
		subs:      make(map[string]map[int]func([]byte)),
	}
}

// Connect opens the broker connection if it is not already open.
func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.client != nil {
		b.mu.Unlock()
		return nil
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	if b.cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetUsername(b.cfg.Username)
	opts.SetPassword(b.cfg.Password)
	opts.SetClientID(b.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(b.cfg.ConnectTimeout)
	opts.SetDefaultPublishHandler(b.dispatch)
	opts.OnConnect = func(_ mqtt.Client) {
		b.logger.Info("mqtt connected", "broker", b.cfg.Broker)
		b.resubscribeAll()
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		b.logger.Warn("mqtt connection lost", "err", err)
	}
	client := b.newClient(opts)
	b.mu.Unlock()

	if err := wait(ctx, client.Connect()); err != nil {
		// Stop the retry loop so a later Connect does not race it on the same client id.
		client.Disconnect(0)
		return &ConnectionError{Op: "mqtt connect", DUID: b.cfg.Broker, Err: err}
	}

	b.mu.Lock()
	if b.client != nil {
		b.mu.Unlock()
		client.Disconnect(0)
		return nil
	}
	b.client = client
	b.mu.Unlock()
	return nil
}

func (b *Bus) IsConnected() bool {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	return client != nil && client.IsConnectionOpen()
}

// Subscribe registers cb for a topic. The broker subscription is shared by
// every callback on the topic.
func (b *Bus) Subscribe(ctx context.Context, topic string, cb func([]byte)) (func(), error) {
	b.mu.Lock()
	client := b.client
	if client == nil {
		b.mu.Unlock()
		return nil, ErrNotReady
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]func([]byte))
	}
	id := b.nextID
	b.nextID++
	b.subs[topic][id] = cb
	needSubscribe := len(b.subs[topic]) == 1
	b.mu.Unlock()

	if needSubscribe {
		if err := wait(ctx, client.Subscribe(topic, 0, b.dispatch)); err != nil {
			b.remove(topic, id)
			return nil, err
		}
	}

	return func() {
		if b.remove(topic, id) {
			client.Unsubscribe(topic).WaitTimeout(b.cfg.ConnectTimeout)
		}
	}, nil
}

func (b *Bus) remove(topic string, id int) (empty bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	callbacks := b.subs[topic]
	if callbacks == nil {
		return false
	}
	delete(callbacks, id)
	if len(callbacks) == 0 {
		delete(b.subs, topic)
		return true
	}
	return false
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return ErrNotReady
	}
	return wait(ctx, client.Publish(topic, 0, false, payload))
}

func (b *Bus) dispatch(_ mqtt.Client, msg mqtt.Message) {
	b.mu.Lock()
	callbacks := b.subs[msg.Topic()]
	list := make([]func([]byte), 0, len(callbacks))
	for _, cb := range callbacks {
		list = append(list, cb)
	}
	b.mu.Unlock()
	for _, cb := range list {
		cb(msg.Payload())
	}
}

func (b *Bus) resubscribeAll() {
	b.mu.Lock()
	client := b.client
	topics := make([]string, 0, len(b.subs))
	for topic := range b.subs {
		topics = append(topics, topic)
	}
	b.mu.Unlock()
	if client == nil {
		return
	}
	for _, topic := range topics {
		if !client.Subscribe(topic, 0, b.dispatch).WaitTimeout(b.cfg.ConnectTimeout) {
			b.logger.Warn("mqtt resubscribe timed out", "topic", topic)
		}
	}
}

// Close disconnects from the broker.
func (b *Bus) Close() {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
