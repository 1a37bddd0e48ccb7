package telemetry

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Key     string // message key; keeps all states of one bridge on one partition
}

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink appends state to a Kafka topic.
type KafkaSink struct {
	w   messageWriter
	cfg KafkaConfig
}

// NewKafkaSink creates a Kafka sink. Connections are made lazily on the
// first write.
func NewKafkaSink(cfg KafkaConfig) *KafkaSink {
	return &KafkaSink{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		cfg: cfg,
	}
}

// Name returns "kafka".
func (s *KafkaSink) Name() string {
	return "kafka"
}

// Publish writes payload as one message.
func (s *KafkaSink) Publish(ctx context.Context, payload []byte) error {
	msg := kafka.Message{Value: payload}
	if s.cfg.Key != "" {
		msg.Key = []byte(s.cfg.Key)
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("telemetry: kafka write %s: %w", s.cfg.Topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.w.Close()
}
