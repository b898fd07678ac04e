package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// Producer publishes Events to Kafka, partitioned by PartitionKey so a
// single assessment's or funded-account's events stay ordered.
type Producer struct {
	sync sarama.SyncProducer
	log  zerolog.Logger
}

// NewProducer dials the given brokers and returns a synchronous producer.
// Synchronous send is deliberate: sagas only consider a step durable after
// the emit call returns, matching the at-least-once guarantee spec.md §6
// requires (a dropped async send would silently violate it).
func NewProducer(brokers []string, log zerolog.Logger) (*Producer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("new kafka producer: %w", err)
	}
	return &Producer{sync: producer, log: log.With().Str("component", "eventbus_producer").Logger()}, nil
}

// NewProducerWithClient wraps an already-constructed sarama.SyncProducer,
// letting tests inject sarama/mocks.NewSyncProducer instead of dialing a
// real broker.
func NewProducerWithClient(sync sarama.SyncProducer, log zerolog.Logger) *Producer {
	return &Producer{sync: sync, log: log.With().Str("component", "eventbus_producer").Logger()}
}

// Close releases the producer's connections.
func (p *Producer) Close() error { return p.sync.Close() }

// Publish sends an Event, wrapping it in an Envelope carrying the given
// correlation id and the current timestamp.
func (p *Producer) Publish(event Event, correlationID string) error {
	envelope := Envelope{
		Type:          event.Topic(),
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Payload:       event,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode envelope for %s: %w", event.Topic(), err)
	}

	msg := &sarama.ProducerMessage{
		Topic: event.Topic(),
		Key:   sarama.StringEncoder(event.PartitionKey()),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("correlation-id"), Value: []byte(correlationID)},
		},
	}

	partition, offset, err := p.sync.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.Topic(), err)
	}

	p.log.Debug().
		Str("topic", event.Topic()).
		Str("correlation_id", correlationID).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("event published")
	return nil
}
