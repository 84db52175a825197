package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes lifecycle events to a single Kafka topic, keyed
// by event type so consumers see per-type ordering.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher against the given brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Type),
		Value: value,
		Time:  event.OccurredAt,
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("event_id", event.EventID).
			Str("event_type", event.Type).
			Msg("failed to publish event to kafka")
		return err
	}

	log.Debug().
		Str("event_id", event.EventID).
		Str("event_type", event.Type).
		Msg("published event")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
