// Package events ships committed escrow lifecycle events to other systems.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/safehold/internal/escrow"
)

// DefaultTopic receives escrow events when no topic is configured.
const DefaultTopic = "escrow_events"

const writeTimeout = 5 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes escrow events to a Kafka topic. Messages are keyed
// by escrow id so each escrow's events stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		topic: topic,
	}
}

// Publish implements escrow.EventPublisher.
func (p *KafkaPublisher) Publish(ctx context.Context, ev escrow.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	err = p.writer.WriteMessages(wctx, kafka.Message{
		Key:   []byte(ev.EscrowID),
		Value: data,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "operation", Value: []byte(ev.Operation)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka write to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Multi fans an event out to several publishers. Every publisher is tried;
// the joined error reports which ones failed.
type Multi struct {
	publishers []escrow.EventPublisher
	logger     *slog.Logger
}

// NewMulti combines publishers, skipping nil entries.
func NewMulti(logger *slog.Logger, publishers ...escrow.EventPublisher) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multi{logger: logger}
	for _, p := range publishers {
		if p != nil {
			m.publishers = append(m.publishers, p)
		}
	}
	return m
}

func (m *Multi) Publish(ctx context.Context, ev escrow.Event) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			m.logger.Warn("event publisher failed", "publisher", fmt.Sprintf("%T", p), "escrow_id", ev.EscrowID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ escrow.EventPublisher = (*KafkaPublisher)(nil)
	_ escrow.EventPublisher = (*Multi)(nil)
)
