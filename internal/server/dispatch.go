package server

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/vaticlabs/vatic/internal/domain"
	"github.com/vaticlabs/vatic/internal/eventbus"
	"github.com/vaticlabs/vatic/internal/modules/cancellation"
	"github.com/vaticlabs/vatic/internal/modules/funded"
)

// CoreTopics lists the topics the core service's own Kafka consumer group
// subscribes to: the event-cancellation saga trigger (spec.md §4.9) and
// the assessment-pass trigger for funded-account activation (spec.md
// §4.7); everything else the core service emits, it does not consume
// back.
func CoreTopics() []string {
	return []string{eventbus.TopicEventCancelled, eventbus.TopicAssessmentCompleted}
}

// NewCoreDispatcher builds the eventbus.Handler the core service's
// consumer group runs, routing by topic.
func NewCoreDispatcher(cancel *cancellation.Handler, fundedSvc *funded.Service, log zerolog.Logger) eventbus.Handler {
	return func(ctx context.Context, env eventbus.RawEnvelope) error {
		switch env.Type {
		case eventbus.TopicEventCancelled:
			var payload eventbus.EventCancelledPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				log.Error().Err(err).Msg("malformed event-cancelled payload, dropping")
				return nil
			}
			return cancel.Handle(ctx, payload.EventID, env.CorrelationID)

		case eventbus.TopicAssessmentCompleted:
			var payload eventbus.AssessmentCompletedPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				log.Error().Err(err).Msg("malformed assessment-completed payload, dropping")
				return nil
			}
			if payload.Status != string(domain.AssessmentPassed) {
				return nil
			}
			_, err := fundedSvc.Activate(ctx, payload.AssessmentID, env.CorrelationID)
			return err

		default:
			return nil
		}
	}
}
