package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// Handler processes one decoded envelope for a given topic. Returning an
// error leaves the message uncommitted so the broker redelivers it — the
// handler's own idempotence (saga guard-and-skip) is what makes that safe
// (spec.md §9 "Cooperative I/O and cancellation").
type Handler func(ctx context.Context, envelope RawEnvelope) error

// RawEnvelope is an Envelope whose Payload has not yet been decoded into a
// concrete type — the consumer edge's tagged-variant decode point
// (spec.md §9 "Dynamic dispatch over message payloads").
type RawEnvelope struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
}

// Consumer reads events from one or more Kafka topics as a consumer group.
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler Handler
	log     zerolog.Logger
}

// NewConsumer constructs a Consumer over the given brokers/groupID,
// dispatching every message on topics to handler.
func NewConsumer(brokers []string, groupID string, topics []string, handler Handler, log zerolog.Logger) (*Consumer, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("new kafka consumer group: %w", err)
	}

	return &Consumer{
		group:   group,
		topics:  topics,
		handler: handler,
		log:     log.With().Str("component", "eventbus_consumer").Str("group", groupID).Logger(),
	}, nil
}

// Run blocks, consuming until ctx is cancelled. Callers typically run it in
// its own goroutine (spec.md §5 "the event-bus consumer processes messages
// in its own loop").
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.log.Error().Err(err).Msg("consumer group error")
		}
	}()

	groupHandler := &consumerGroupHandler{handler: c.handler, log: c.log}
	for {
		if err := c.group.Consume(ctx, c.topics, groupHandler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("consume: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close stops consuming and releases connections.
func (c *Consumer) Close() error { return c.group.Close() }

type consumerGroupHandler struct {
	handler Handler
	log     zerolog.Logger
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var env RawEnvelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			h.log.Error().Err(err).Str("topic", msg.Topic).Msg("unknown or malformed envelope, dropping")
			sess.MarkMessage(msg, "")
			continue
		}

		if err := h.handler(sess.Context(), env); err != nil {
			h.log.Error().Err(err).
				Str("topic", msg.Topic).
				Str("correlation_id", env.CorrelationID).
				Msg("handler failed, message will be redelivered")
			// Do not mark, and stop this claim: ending ConsumeClaim ends the
			// session, so Consume rejoins from the last committed offset and
			// the message is delivered again (handlers are idempotent).
			return nil
		}

		sess.MarkMessage(msg, "")
	}
	return nil
}
