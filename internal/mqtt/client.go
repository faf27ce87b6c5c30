// Package mqtt renders entity state to an MQTT broker and accepts light
// commands back. Entities are announced with Home Assistant discovery
// configs so a consumer picks them up without manual configuration.
package mqtt

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

const (
	connectTimeout   = 10 * time.Second
	publishTimeout   = 5 * time.Second
	keepAlive        = 60 * time.Second
	maxReconnectWait = 2 * time.Minute

	// disconnectQuiesce is the grace period (ms) for in-flight messages
	// on shutdown.
	disconnectQuiesce = 1000
)

// ErrConnectFailed wraps broker connection failures.
var ErrConnectFailed = errors.New("mqtt connect failed")

// Availability payloads, shared by the daemon status topic and the
// per-entity availability topics.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Config holds the broker connection settings and the topic roots.
type Config struct {
	// BrokerURL accepts tcp://, mqtt://, ssl://, tls://, ws:// and wss://
	// schemes. mqtt:// is normalized to tcp://.
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// BaseTopic roots every state, availability, command and image topic.
	BaseTopic string

	// DiscoveryPrefix roots the Home Assistant discovery configs.
	DiscoveryPrefix string

	QoS byte
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "rosterd"
	}
	if c.BaseTopic == "" {
		c.BaseTopic = "rosterd"
	}
	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = "homeassistant"
	}
	if c.QoS == 0 {
		c.QoS = 1
	}
	return c
}

// Topics returns the topic builders for this configuration.
func (c Config) Topics() Topics {
	c = c.withDefaults()
	return Topics{Base: c.BaseTopic, DiscoveryPrefix: c.DiscoveryPrefix}
}

// Publisher is the broker surface the renderer consumes. Satisfied by
// *Client; tests substitute a capture.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
}

type subscription struct {
	topic   string
	handler func(topic string, payload []byte)
}

// Client wraps paho.mqtt.golang with the connection handling this daemon
// needs: last-will offline marker, online marker on every (re)connect,
// and automatic re-subscription after a broker reconnect.
type Client struct {
	cfg    Config
	topics Topics
	client paho.Client

	subMu         sync.RWMutex
	subscriptions map[string]subscription
}

// Connect establishes the broker session. The daemon availability topic
// carries a retained last-will "offline" so consumers see an unclean
// death; a retained "online" is published on every successful connect.
func Connect(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	opts, err := buildOptions(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:           cfg,
		topics:        cfg.Topics(),
		subscriptions: make(map[string]subscription),
	}

	opts.SetWill(c.topics.Status(), PayloadOffline, cfg.QoS, true)
	opts.SetOnConnectHandler(func(paho.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	return c, nil
}

func buildOptions(cfg Config) (*paho.ClientOptions, error) {
	u, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("parsing broker url %q: %w", cfg.BrokerURL, err)
	}

	broker := u.Host
	switch u.Scheme {
	case "mqtt", "tcp", "":
		broker = "tcp://" + broker
	case "ssl", "tls":
		broker = "ssl://" + broker
	case "ws", "wss":
		broker = u.Scheme + "://" + broker + u.Path
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxReconnectWait)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	return opts, nil
}

// handleConnect runs on the initial connect and every reconnect.
func (c *Client) handleConnect() {
	c.subMu.RLock()
	for _, sub := range c.subscriptions {
		c.client.Subscribe(sub.topic, c.cfg.QoS, c.wrapHandler(sub.handler))
	}
	c.subMu.RUnlock()

	c.client.Publish(c.topics.Status(), c.cfg.QoS, true, PayloadOnline)
	log.Info().Str("broker", c.cfg.BrokerURL).Str("client_id", c.cfg.ClientID).Msg("MQTT connected")
}

// Topics returns the topic builders in effect for this client.
func (c *Client) Topics() Topics {
	return c.topics
}

// IsConnected reports the current session state.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// Publish sends one message and waits for the broker acknowledgment.
func (c *Client) Publish(topic string, payload []byte, retain bool) error {
	token := c.client.Publish(topic, c.cfg.QoS, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publishing to %s: timeout after %v", topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler and tracks the topic so the subscription
// survives broker reconnects. Handlers run on paho goroutines and are
// recovered if they panic.
func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	c.subMu.Lock()
	c.subscriptions[topic] = subscription{topic: topic, handler: handler}
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, c.cfg.QoS, c.wrapHandler(handler))
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribing to %s: timeout after %v", topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	log.Debug().Str("topic", topic).Msg("MQTT subscribed")
	return nil
}

// Unsubscribe removes the handler and stops tracking the topic.
func (c *Client) Unsubscribe(topic string) error {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()

	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("unsubscribing from %s: timeout after %v", topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", topic, err)
	}
	return nil
}

func (c *Client) wrapHandler(handler func(topic string, payload []byte)) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("topic", msg.Topic()).Msg("MQTT handler panicked")
			}
		}()
		handler(msg.Topic(), msg.Payload())
	}
}

// Close publishes a graceful retained "offline" and disconnects.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.client.IsConnected() {
		token := c.client.Publish(c.topics.Status(), c.cfg.QoS, true, PayloadOffline)
		token.WaitTimeout(publishTimeout)
	}
	c.client.Disconnect(disconnectQuiesce)
	log.Info().Msg("MQTT disconnected")
	return nil
}
