package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/segmentio/kafka-go"
)

// DefaultTopic is the event stream consumed by the notification service.
const DefaultTopic = "messages.created"

// KafkaPublisher publishes MessageCreated events to a Kafka topic.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher constructs a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("notify: no kafka brokers")
	}
	if strings.TrimSpace(topic) == "" {
		topic = DefaultTopic
	}

	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	return &KafkaPublisher{writer: w}, nil
}

// PublishMessageCreated writes one event keyed by chat id, so per-chat
// ordering survives partitioning.
func (p *KafkaPublisher) PublishMessageCreated(ctx context.Context, ev MessageCreated) error {
	if p == nil || p.writer == nil {
		return errors.New("notify: nil publisher")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ChatID),
		Value: payload,
	})
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
