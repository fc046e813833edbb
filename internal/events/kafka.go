package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher streams control-plane events to a Kafka topic so
// downstream analytics and alerting can consume them.
type KafkaPublisher struct {
	writer  *kafka.Writer
	timeout time.Duration
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
		timeout: 10 * time.Second,
	}
}

// Publish writes one event. Keyed by session ID so a session's events
// stay ordered within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, ev *Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.writer.WriteMessages(wctx, kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: value,
		Time:  ev.Timestamp,
	})
}

// Attach subscribes the publisher to a bus. Delivery is best-effort;
// failures are logged and never back-pressure the core.
func (p *KafkaPublisher) Attach(bus *Bus) {
	bus.Subscribe(func(ev *Event) {
		if err := p.Publish(context.Background(), ev); err != nil {
			slog.Warn("Kafka event publish failed", "kind", ev.Kind, "error", err)
		}
	})
}

// Close releases the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
