package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/aranet-relay/internal/ble/protocol"
)

// MQTTOptions configures the MQTT collector.
type MQTTOptions struct {
	Broker   string // e.g. tcp://broker.local:1883
	Topic    string // readings are published to Topic/<deviceID>
	ClientID string
	Username string
	Password string
	QoS      byte
	Timeout  time.Duration
}

// MQTTCollector publishes readings as JSON messages.
type MQTTCollector struct {
	opts MQTTOptions

	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTTCollector creates an MQTTCollector. The connection is opened on
// the first Submit.
func NewMQTTCollector(opts MQTTOptions) *MQTTCollector {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.QoS > 2 {
		opts.QoS = 1
	}
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetConnectTimeout(opts.Timeout).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("[COLLECTOR] mqtt connection lost", "error", err)
		})
	return &MQTTCollector{opts: opts, client: mqtt.NewClient(clientOpts)}
}

func (c *MQTTCollector) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client.IsConnected() {
		return nil
	}
	if err := wait(ctx, c.client.Connect(), c.opts.Timeout); err != nil {
		return &TransportError{Err: fmt.Errorf("connect %s: %w", c.opts.Broker, err)}
	}
	return nil
}

// Submit publishes one reading. Broker connection and publish failures are
// reported as *TransportError; MQTT has no notion of rejection.
func (c *MQTTCollector) Submit(ctx context.Context, deviceID string, r protocol.Reading) error {
	body, err := json.Marshal(NewPayload(deviceID, r))
	if err != nil {
		return fmt.Errorf("collector: encode payload: %w", err)
	}
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	topic := c.opts.Topic + "/" + deviceID
	if err := wait(ctx, c.client.Publish(topic, c.opts.QoS, false, body), c.opts.Timeout); err != nil {
		return &TransportError{Err: fmt.Errorf("publish %s: %w", topic, err)}
	}

	slog.Info("[COLLECTOR] reading published", "device", deviceID, "topic", topic)
	return nil
}

// Close disconnects from the broker.
func (c *MQTTCollector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

var errTokenTimeout = errors.New("timed out")

// wait blocks until the token completes, ctx ends, or timeout elapses.
func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errTokenTimeout
	}
}
