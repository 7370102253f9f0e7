package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig locates the broker and topic prefix for liveness events.
type MQTTConfig struct {
	Broker   string
	Port     int
	ClientID string
	Topic    string
}

// MQTTNotifier publishes each event as retained JSON on
// <topic>/<device>.
type MQTTNotifier struct {
	client mqtt.Client
	topic  string
	logger *slog.Logger
}

// NewMQTTNotifier configures a paho client for cfg. Call Connect before use.
func NewMQTTNotifier(cfg MQTTConfig, logger *slog.Logger) *MQTTNotifier {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker, "port", cfg.Port)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})

	return newMQTTNotifier(mqtt.NewClient(opts), cfg.Topic, logger)
}

func newMQTTNotifier(client mqtt.Client, topic string, logger *slog.Logger) *MQTTNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTNotifier{client: client, topic: strings.TrimRight(topic, "/"), logger: logger}
}

// Connect waits for the first broker connection or ctx.
func (n *MQTTNotifier) Connect(ctx context.Context) error {
	token := n.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() {
	n.client.Disconnect(250)
	n.logger.Info("mqtt disconnected")
}

func (n *MQTTNotifier) Notify(_ context.Context, e Event) error {
	if !n.client.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	topic := n.topic + "/" + topicSegment(e.Device)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	token := n.client.Publish(topic, 1, true, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		n.logger.Error("failed to publish liveness", "topic", topic, "error", err)
		return fmt.Errorf("publish liveness: %w", err)
	}

	n.logger.Debug("published liveness", "topic", topic, "live", e.Live)
	return nil
}

// topicSegment makes a device name safe for use as one MQTT topic level.
func topicSegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ':
			return '_'
		}
		return r
	}, s)
}
