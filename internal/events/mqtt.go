package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mqttClient is the part of mqtt.Client the publisher uses.
type mqttClient interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes events as JSON to <prefix>/<type>.
type MQTTPublisher struct {
	client mqttClient
	prefix string
	log    *slog.Logger

	mu        sync.Mutex
	published uint64
	errors    uint64
}

// Stats counts delivered and failed events.
type Stats struct {
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// DialMQTT connects to broker ("host:port" or a full tcp:// URL) with
// automatic reconnects.
func DialMQTT(broker, clientID, prefix string, log *slog.Logger) (*MQTTPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info("mqtt connected", "broker", broker, "client_id", clientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost, reconnecting", "broker", broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect to %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	return newMQTTPublisher(client, prefix, log), nil
}

func newMQTTPublisher(client mqttClient, prefix string, log *slog.Logger) *MQTTPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &MQTTPublisher{client: client, prefix: strings.TrimRight(prefix, "/"), log: log}
}

// Publish sends e at QoS 1 and waits up to two seconds for the broker.
func (p *MQTTPublisher) Publish(ctx context.Context, e Event) error {
	if !p.client.IsConnected() {
		p.fail()
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := e.ToJSON()
	if err != nil {
		p.fail()
		return fmt.Errorf("encoding event: %w", err)
	}

	topic := p.prefix + "/" + e.Type
	token := p.client.Publish(topic, 1, false, payload)

	wait := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
		wait = time.Until(dl)
	}
	if !token.WaitTimeout(wait) {
		p.fail()
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		p.fail()
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	p.log.Debug("event published", "topic", topic, "size", len(payload))
	return nil
}

func (p *MQTTPublisher) fail() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

// Stats returns delivery counters.
func (p *MQTTPublisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Published: p.published, Errors: p.errors}
}

// Close disconnects with a 250ms grace period.
func (p *MQTTPublisher) Close() error {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	return nil
}
