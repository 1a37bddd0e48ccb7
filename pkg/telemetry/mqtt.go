package telemetry

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker   string // e.g. tcp://localhost:1883
	Topic    string
	ClientID string
	QoS      byte
	Retained bool
}

// MQTTSink publishes state to an MQTT topic. With Retained set, a new
// subscriber immediately receives the latest state.
type MQTTSink struct {
	client mqtt.Client
	cfg    MQTTConfig
}

// NewMQTTSink connects to the broker. Paho reconnects on its own after the
// first successful connection.
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("telemetry: mqtt connect %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("telemetry: mqtt connect %s: %w", cfg.Broker, err)
	}
	return newMQTTSink(client, cfg), nil
}

func newMQTTSink(client mqtt.Client, cfg MQTTConfig) *MQTTSink {
	return &MQTTSink{client: client, cfg: cfg}
}

// Name returns "mqtt".
func (s *MQTTSink) Name() string {
	return "mqtt"
}

// Publish sends payload to the configured topic.
func (s *MQTTSink) Publish(ctx context.Context, payload []byte) error {
	token := s.client.Publish(s.cfg.Topic, s.cfg.QoS, s.cfg.Retained, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("telemetry: mqtt publish %s: %w", s.cfg.Topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telemetry: mqtt publish %s: %w", s.cfg.Topic, ctx.Err())
	}
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
