package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/oshokin/alarm-engine/internal/notify"
)

// Kafka producer defaults.
const (
	kafkaWriteTimeout = 10 * time.Second
	kafkaMaxAttempts  = 3
	digestIDHeader    = "digest-id"
)

var (
	// errNoBrokers is returned when no Kafka broker is configured.
	errNoBrokers = errors.New("at least one broker is required")
	// errNoTopic is returned when the Kafka topic is empty.
	errNoTopic = errors.New("topic is required")
)

// messageWriter is the part of *kafka.Writer the outbox uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOutbox produces digests to a Kafka topic keyed by account id.
type KafkaOutbox struct {
	writer messageWriter
	topic  string
}

// KafkaOption configures a KafkaOutbox.
type KafkaOption func(*KafkaOutbox)

// WithWriter replaces the Kafka writer.
func WithWriter(writer messageWriter) KafkaOption {
	return func(o *KafkaOutbox) {
		o.writer = writer
	}
}

// NewKafkaOutbox creates a synchronous producer for topic.
func NewKafkaOutbox(brokers []string, topic string, opts ...KafkaOption) (*KafkaOutbox, error) {
	if len(brokers) == 0 {
		return nil, errNoBrokers
	}

	if topic == "" {
		return nil, errNoTopic
	}

	o := &KafkaOutbox{
		topic: topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			WriteTimeout: kafkaWriteTimeout,
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  kafkaMaxAttempts,
		},
	}

	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

// Enqueue writes the digest and waits for the broker acknowledgement.
func (o *KafkaOutbox) Enqueue(ctx context.Context, digest notify.Digest) error {
	data, err := encode(digest)
	if err != nil {
		return err
	}

	message := kafka.Message{
		Key:   []byte(digest.AccountID),
		Value: data,
		Time:  digest.GeneratedAt,
		Headers: []kafka.Header{
			{Key: digestIDHeader, Value: []byte(digest.ID)},
		},
	}

	if err = o.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("produce to %s: %w", o.topic, err)
	}

	return nil
}

// Close flushes and closes the writer.
func (o *KafkaOutbox) Close() error {
	return o.writer.Close()
}
