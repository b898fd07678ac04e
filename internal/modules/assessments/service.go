package assessments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vaticlabs/vatic/internal/apperr"
	"github.com/vaticlabs/vatic/internal/cache"
	"github.com/vaticlabs/vatic/internal/domain"
	"github.com/vaticlabs/vatic/internal/eventbus"
	"github.com/vaticlabs/vatic/internal/saga"
	"github.com/vaticlabs/vatic/internal/state"
)

// Service implements the assessment lifecycle commands of spec.md §6:
// start/pause/resume/abandon, guarded by terminal-status stickiness (I3).
type Service struct {
	repo               *Repository
	store              *state.Store
	producer           *eventbus.Producer
	locks              *saga.KeyLocks
	abandonedRetention time.Duration
	log                zerolog.Logger
}

// New constructs a Service. abandonedRetention is the soft-delete grace
// period (spec.md §4: "delete_after ... 90 days" default).
func New(repo *Repository, store *state.Store, producer *eventbus.Producer, locks *saga.KeyLocks, abandonedRetention time.Duration, log zerolog.Logger) *Service {
	return &Service{
		repo: repo, store: store, producer: producer, locks: locks,
		abandonedRetention: abandonedRetention, log: log.With().Str("component", "assessments").Logger(),
	}
}

// Get returns an assessment, enforcing caller ownership.
func (s *Service) Get(ctx context.Context, id, callerUserID string) (domain.Assessment, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return domain.Assessment{}, err
	}
	if a.UserID != callerUserID {
		return domain.Assessment{}, apperr.Forbidden("not your assessment")
	}
	return a, nil
}

// List returns every assessment owned by callerUserID.
func (s *Service) List(ctx context.Context, callerUserID string) ([]domain.Assessment, error) {
	out, err := s.repo.ListByUser(ctx, callerUserID)
	if err != nil {
		return nil, apperr.Internal(err, "list assessments")
	}
	return out, nil
}

func (s *Service) load(ctx context.Context, id string) (domain.Assessment, error) {
	a, err := s.repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return domain.Assessment{}, apperr.NotFound("assessment %s not found", id)
	}
	if err != nil {
		return domain.Assessment{}, apperr.Internal(err, "load assessment")
	}
	return a, nil
}

// Start transitions pending→active, initializing the hot snapshot the
// order saga will subsequently mutate (spec.md §4.1).
func (s *Service) Start(ctx context.Context, id, callerUserID string) (domain.Assessment, error) {
	var out domain.Assessment
	err := s.locks.With(id, func() error {
		a, err := s.Get(ctx, id, callerUserID)
		if err != nil {
			return err
		}
		if a.Status != domain.AssessmentPending {
			return apperr.Conflict("assessment %s is %s, not pending", id, a.Status)
		}

		now := time.Now().UTC()
		if err := s.repo.UpdateStatus(ctx, id, domain.AssessmentActive, now); err != nil {
			return apperr.Internal(err, "start assessment")
		}

		va, err := s.repo.GetVirtualAccount(ctx, id)
		if err != nil {
			return apperr.Internal(err, "load virtual account")
		}
		snap := state.Snapshot{CurrentBalance: va.CurrentBalance, PeakBalance: va.PeakBalance}
		if err := s.store.Set(ctx, cache.AssessmentStateKey(id), snap); err != nil {
			return apperr.Internal(err, "init hot snapshot")
		}
		if err := s.store.SetRules(ctx, cache.AssessmentRulesKey(id), state.RulesSnapshot{}); err != nil {
			return apperr.Internal(err, "init rules snapshot")
		}

		a.Status = domain.AssessmentActive
		a.StartedAt = &now
		out = a
		s.publish(eventbus.AssessmentStartedPayload{AssessmentLifecyclePayload: eventbus.AssessmentLifecyclePayload{
			AssessmentID: id, UserID: callerUserID, Status: string(domain.AssessmentActive),
		}})
		return nil
	})
	return out, err
}

// Pause transitions active→paused. The hot snapshot is left untouched:
// pausing only stops new orders from the HTTP layer, it is not itself a
// saga over the balance/position state.
func (s *Service) Pause(ctx context.Context, id, callerUserID string) (domain.Assessment, error) {
	return s.transition(ctx, id, callerUserID, domain.AssessmentActive, domain.AssessmentPaused, eventbus.TopicAssessmentPaused)
}

// Resume transitions paused→active.
func (s *Service) Resume(ctx context.Context, id, callerUserID string) (domain.Assessment, error) {
	return s.transition(ctx, id, callerUserID, domain.AssessmentPaused, domain.AssessmentActive, eventbus.TopicAssessmentResumed)
}

func (s *Service) transition(ctx context.Context, id, callerUserID string, from, to domain.AssessmentStatus, topic string) (domain.Assessment, error) {
	var out domain.Assessment
	err := s.locks.With(id, func() error {
		a, err := s.Get(ctx, id, callerUserID)
		if err != nil {
			return err
		}
		if a.Status != from {
			return apperr.Conflict("assessment %s is %s, not %s", id, a.Status, from)
		}
		if err := s.repo.UpdateStatus(ctx, id, to, time.Now().UTC()); err != nil {
			return apperr.Internal(err, "transition assessment")
		}
		a.Status = to
		out = a
		s.publishLifecycle(topic, id, callerUserID, to)
		return nil
	})
	return out, err
}

// Abandon terminates a non-terminal assessment, clears its hot state, and
// schedules the row for soft deletion (spec.md §8: "Start→Abandon ...
// must terminate cleanly and emit assessment.completed exactly once").
func (s *Service) Abandon(ctx context.Context, id, callerUserID string) (domain.Assessment, error) {
	var out domain.Assessment
	err := s.locks.With(id, func() error {
		a, err := s.Get(ctx, id, callerUserID)
		if err != nil {
			return err
		}
		if a.Status.Terminal() {
			return apperr.Conflict("assessment %s already %s", id, a.Status)
		}

		now := time.Now().UTC()
		if err := s.repo.UpdateStatus(ctx, id, domain.AssessmentAbandoned, now); err != nil {
			return apperr.Internal(err, "abandon assessment")
		}
		deleteAfter := now.Add(s.abandonedRetention)
		if err := s.repo.SetDeleteAfter(ctx, id, deleteAfter); err != nil {
			return apperr.Internal(err, "schedule delete_after")
		}
		if err := s.store.Delete(ctx, cache.AssessmentStateKey(id)); err != nil {
			s.log.Warn().Err(err).Str("assessment_id", id).Msg("delete hot snapshot on abandon failed")
		}
		if err := s.store.Delete(ctx, cache.AssessmentRulesKey(id)); err != nil {
			s.log.Warn().Err(err).Str("assessment_id", id).Msg("delete rules snapshot on abandon failed")
		}

		a.Status = domain.AssessmentAbandoned
		a.CompletedAt = &now
		a.DeleteAfter = &deleteAfter
		out = a
		s.publish(eventbus.AssessmentAbandonedPayload{AssessmentLifecyclePayload: eventbus.AssessmentLifecyclePayload{
			AssessmentID: id, UserID: callerUserID, Status: string(domain.AssessmentAbandoned),
		}})
		s.publish(eventbus.AssessmentCompletedPayload{
			AssessmentLifecyclePayload: eventbus.AssessmentLifecyclePayload{AssessmentID: id, UserID: callerUserID, Status: string(domain.AssessmentAbandoned)},
			Reason:                     "abandoned",
		})
		return nil
	})
	return out, err
}

func (s *Service) publishLifecycle(topic, assessmentID, userID string, status domain.AssessmentStatus) {
	payload := eventbus.AssessmentLifecyclePayload{AssessmentID: assessmentID, UserID: userID, Status: string(status)}
	switch topic {
	case eventbus.TopicAssessmentPaused:
		s.publish(eventbus.AssessmentPausedPayload{AssessmentLifecyclePayload: payload})
	case eventbus.TopicAssessmentResumed:
		s.publish(eventbus.AssessmentResumedPayload{AssessmentLifecyclePayload: payload})
	}
}

func (s *Service) publish(event eventbus.Event) {
	if err := s.producer.Publish(event, uuid.NewString()); err != nil {
		s.log.Error().Err(err).Str("topic", event.Topic()).Msg("event publish failed")
	}
}
