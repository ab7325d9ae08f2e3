package ingest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	// DefaultKeepAlive matches the broker keepalive used by the field gateways.
	DefaultKeepAlive = 60 * time.Second
	// tokenTimeout bounds every wait on a paho token.
	tokenTimeout = 10 * time.Second
)

// Client is the broker surface the ingestor needs.
type Client interface {
	// Subscribe subscribes to every topic with the given QoS.
	Subscribe(topics []string, qos byte) error
	// Unsubscribe removes subscriptions.
	Unsubscribe(topics []string) error
	IsConnected() bool
}

// MessageHandler receives every message on a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	TLS       bool
	QoS       byte
	KeepAlive time.Duration
	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration
}

// Validate validates the MQTT configuration.
func (c *MQTTConfig) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("mqtt broker cannot be empty")
	}
	u, err := url.Parse(c.Broker)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid mqtt broker URL %q", c.Broker)
	}
	switch u.Scheme {
	case "tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss":
	default:
		return fmt.Errorf("unsupported mqtt broker scheme %q", u.Scheme)
	}
	if c.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.QoS)
	}
	return nil
}

// usesTLS reports whether the connection must be encrypted.
func (c *MQTTConfig) usesTLS() bool {
	if c.TLS {
		return true
	}
	u, err := url.Parse(c.Broker)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "ssl", "tls", "mqtts", "wss":
		return true
	}
	return false
}

// DefaultClientID returns a client id unique to this process.
func DefaultClientID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("telemetry-core-%s-%s", host, strings.Split(uuid.NewString(), "-")[0])
}

// MQTTClient is a paho client with automatic reconnect. Messages are delivered in order
// on a single paho goroutine.
type MQTTClient struct {
	client mqtt.Client
	cfg    MQTTConfig
}

var _ Client = (*MQTTClient)(nil)

// NewMQTTClient creates a client. onConnect runs after every successful (re)connection;
// the session is clean, so it must re-establish subscriptions.
func NewMQTTClient(cfg MQTTConfig, handler MessageHandler, onConnect func()) *MQTTClient {
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID()
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = tokenTimeout
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.usesTLS() {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		slog.Info("Connected to MQTT broker", "broker", cfg.Broker, "client_id", cfg.ClientID)
		if onConnect != nil {
			onConnect()
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("MQTT connection lost, reconnecting", "broker", cfg.Broker, "error", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		slog.Info("Reconnecting to MQTT broker", "broker", cfg.Broker)
	})

	return &MQTTClient{client: mqtt.NewClient(opts), cfg: cfg}
}

// Connect starts the connection. With connect-retry enabled paho keeps trying in the
// background, so Connect only waits until the first attempt resolves, ctx is done or
// the connect timeout passes.
func (c *MQTTClient) Connect(ctx context.Context) error {
	slog.Info("Connecting to MQTT broker", "broker", c.cfg.Broker, "tls", c.cfg.usesTLS())
	token := c.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.ConnectTimeout):
		slog.Warn("MQTT broker not reachable yet, retrying in background", "broker", c.cfg.Broker)
		return nil
	}
}

// Subscribe subscribes to topics in one request.
func (c *MQTTClient) Subscribe(topics []string, qos byte) error {
	if len(topics) == 0 {
		return nil
	}
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = qos
	}
	return wait(c.client.SubscribeMultiple(filters, nil), "subscribe")
}

// Unsubscribe removes subscriptions in one request.
func (c *MQTTClient) Unsubscribe(topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	return wait(c.client.Unsubscribe(topics...), "unsubscribe")
}

// IsConnected reports whether the connection is currently up.
func (c *MQTTClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Disconnect closes the connection, giving in-flight work quiesce to complete.
func (c *MQTTClient) Disconnect(quiesce time.Duration) {
	c.client.Disconnect(uint(quiesce / time.Millisecond))
	slog.Info("Disconnected from MQTT broker", "broker", c.cfg.Broker)
}

var errTokenTimeout = errors.New("timed out waiting for broker")

func wait(token mqtt.Token, op string) error {
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("failed to %s: %w", op, errTokenTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}
