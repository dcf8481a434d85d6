package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/inercia/myfisker/internal/logging"
)

// MQTT defaults.
const (
	DefaultTopicRoot      = "myfisker"
	DefaultKeepAlive      = 30
	DefaultConnectTimeout = 10 * time.Second
)

// Availability payloads.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// MQTTConfig configures the MQTT publisher.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. "mqtt://localhost:1883".
	Broker    string
	ClientID  string
	Username  string
	Password  string
	TopicRoot string
	QoS       byte
	Retain    bool
	// KeepAlive is in seconds.
	KeepAlive      uint16
	ConnectTimeout time.Duration
}

// Validate checks the configuration.
func (c *MQTTConfig) Validate() error {
	var errs []error
	if c.Broker == "" {
		errs = append(errs, errors.New("broker is required"))
	} else if _, err := url.Parse(c.Broker); err != nil {
		errs = append(errs, fmt.Errorf("broker: %w", err))
	}
	if c.ClientID == "" {
		errs = append(errs, errors.New("client_id is required"))
	}
	if c.QoS > 2 {
		errs = append(errs, fmt.Errorf("qos %d out of range", c.QoS))
	}
	return errors.Join(errs...)
}

func (c *MQTTConfig) setDefaults() {
	if c.TopicRoot == "" {
		c.TopicRoot = DefaultTopicRoot
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
}

// mqttConn is the subset of *autopaho.ConnectionManager used for publishing.
type mqttConn interface {
	AwaitConnection(ctx context.Context) error
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(ctx context.Context) error
}

// Message is one MQTT publication.
type Message struct {
	Topic   string
	Payload []byte
}

// MQTT publishes every flat key as its own retained topic:
//
//	{root}/{vin}/{key}                 scalar value
//	{root}/{vin}/state                 JSON document of all available keys
//	{root}/{vin}/availability/{key}    "online" or "offline" for rule keys
//
// Values of unavailable keys are not published, so subscribers keep the
// last good value.
type MQTT struct {
	cfg    MQTTConfig
	conn   mqttConn
	logger *slog.Logger
}

// NewMQTT validates cfg and starts the connection manager. The connection is
// established in the background and re-established when it drops.
func NewMQTT(ctx context.Context, cfg MQTTConfig) (*MQTT, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mqtt config: %w", err)
	}
	brokerURL, _ := url.Parse(cfg.Broker)

	logger := logging.Publish().With("broker", cfg.Broker)
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     cfg.KeepAlive,
		CleanStartOnInitialConnection: true,
		ConnectTimeout:                cfg.ConnectTimeout,
		ConnectUsername:               cfg.Username,
		ConnectPassword:               []byte(cfg.Password),
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			logger.Info("MQTT connection established")
		},
		OnConnectError: func(err error) {
			logger.Warn("MQTT connection failed, retrying", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnClientError: func(err error) {
				logger.Error("MQTT client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				reason := ""
				if d.Properties != nil {
					reason = d.Properties.ReasonString
				}
				logger.Warn("MQTT server requested disconnect", "reason_code", d.ReasonCode, "reason", reason)
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("start mqtt connection: %w", err)
	}
	return newMQTT(cfg, cm, logger), nil
}

func newMQTT(cfg MQTTConfig, conn mqttConn, logger *slog.Logger) *MQTT {
	cfg.setDefaults()
	return &MQTT{cfg: cfg, conn: conn, logger: logger}
}

// Messages returns the publications for snap, in a stable order.
func (m *MQTT) Messages(snap Snapshot) ([]Message, error) {
	vin := snap.VIN
	if vin == "" {
		vin = snap.Flat.Text("vin")
	}
	if vin == "" {
		return nil, errors.New("snapshot has no vin")
	}
	base := m.cfg.TopicRoot + "/" + topicSegment(vin)

	display := snap.Display()
	state, err := json.Marshal(display)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}

	msgs := make([]Message, 0, len(display)+len(snap.Unavailable)+1)
	for _, key := range snap.Keys() {
		if !snap.Available(key) {
			continue
		}
		msgs = append(msgs, Message{Topic: base + "/" + topicSegment(key), Payload: scalarPayload(snap.Flat[key])})
	}
	for _, key := range sortedKeys(snap.Unavailable) {
		payload := PayloadOnline
		if snap.Unavailable[key] {
			payload = PayloadOffline
		}
		msgs = append(msgs, Message{Topic: base + "/availability/" + topicSegment(key), Payload: []byte(payload)})
	}
	msgs = append(msgs, Message{Topic: base + "/state", Payload: state})
	return msgs, nil
}

// Publish sends every message for snap. It waits for the broker connection
// up to the ctx deadline.
func (m *MQTT) Publish(ctx context.Context, snap Snapshot) error {
	msgs, err := m.Messages(snap)
	if err != nil {
		return err
	}
	if err := m.conn.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("mqtt not connected: %w", err)
	}
	for _, msg := range msgs {
		if _, err := m.conn.Publish(ctx, &paho.Publish{
			Topic:   msg.Topic,
			QoS:     m.cfg.QoS,
			Retain:  m.cfg.Retain,
			Payload: msg.Payload,
		}); err != nil {
			return fmt.Errorf("publish %s: %w", msg.Topic, err)
		}
	}
	m.logger.Debug("Published snapshot", "vin", snap.VIN, "messages", len(msgs))
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close(ctx context.Context) error {
	return m.conn.Disconnect(ctx)
}

// scalarPayload renders strings as-is and everything else as JSON.
func scalarPayload(v any) []byte {
	if s, ok := v.(string); ok {
		return []byte(s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprint(v))
	}
	return data
}

var topicReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// topicSegment removes MQTT separators and wildcards from s.
func topicSegment(s string) string {
	return topicReplacer.Replace(s)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
