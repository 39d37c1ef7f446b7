package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tinytelemetry/beacon/internal/model"
)

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// Kafka publishes items as JSON, keyed by item identity so a partition sees
// every write of the same item.
type Kafka[T model.Identifiable] struct {
	writer MessageWriter
	topic  string
}

// NewKafka creates a Kafka sink.
func NewKafka[T model.Identifiable](writer MessageWriter, topic string) *Kafka[T] {
	return &Kafka[T]{writer: writer, topic: topic}
}

func (k *Kafka[T]) Name() string { return "kafka:" + k.topic }

func (k *Kafka[T]) Write(ctx context.Context, items []T) error {
	if len(items) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(items))
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("kafka sink: marshal: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(it.Identity()), Value: data})
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka sink: write %s: %w", k.topic, err)
	}
	return nil
}

// Close closes the underlying writer.
func (k *Kafka[T]) Close() error { return k.writer.Close() }
