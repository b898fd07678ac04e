package purchases

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vaticlabs/vatic/internal/apperr"
	"github.com/vaticlabs/vatic/internal/domain"
	"github.com/vaticlabs/vatic/internal/eventbus"
	"github.com/vaticlabs/vatic/internal/modules/assessments"
	"github.com/vaticlabs/vatic/internal/modules/tiers"
	"github.com/vaticlabs/vatic/internal/payment"
)

// currency is the only currency this service issues payment intents in;
// multi-currency pricing is a declared non-goal.
const currency = "usd"

// Service implements tier purchase initiation and the Stripe webhook that
// completes it into an Assessment (spec.md §6 `/purchases`, `/webhooks/stripe`).
type Service struct {
	repo        *Repository
	assessments *assessments.Repository
	tiers       *tiers.Repository
	payments    *payment.Client
	producer    *eventbus.Producer
	log         zerolog.Logger
}

// New constructs a Service.
func New(repo *Repository, assessmentsRepo *assessments.Repository, tiersRepo *tiers.Repository, payments *payment.Client, producer *eventbus.Producer, log zerolog.Logger) *Service {
	return &Service{
		repo: repo, assessments: assessmentsRepo, tiers: tiersRepo, payments: payments, producer: producer,
		log: log.With().Str("component", "purchases").Logger(),
	}
}

// Result is the response to a purchase-initiation request.
type Result struct {
	PurchaseID          string
	PaymentClientSecret string
	Amount              int64
}

// Create opens a payment intent for a tier purchase and records a pending
// Purchase row.
func (s *Service) Create(ctx context.Context, userID, tierID string) (Result, error) {
	tier, err := s.tiers.Get(ctx, tierID)
	if err != nil {
		return Result{}, apperr.NotFound("tier %s not found", tierID)
	}

	purchaseID := uuid.NewString()
	clientSecret, intentID, err := s.payments.CreatePurchaseIntent(ctx, tier.PurchasePriceMinor, currency, purchaseID)
	if err != nil {
		return Result{}, apperr.Unavailable("payment provider unavailable: %v", err)
	}

	purchase := domain.Purchase{
		ID: purchaseID, UserID: userID, TierID: tierID,
		ExternalPaymentRef: intentID, Status: domain.PurchasePending, CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, purchase); err != nil {
		return Result{}, apperr.Internal(err, "create purchase")
	}

	s.publish(eventbus.PurchaseInitiatedPayload{PurchaseEventPayload: eventbus.PurchaseEventPayload{PurchaseID: purchaseID, UserID: userID}})
	return Result{PurchaseID: purchaseID, PaymentClientSecret: clientSecret, Amount: tier.PurchasePriceMinor}, nil
}

// Get returns a purchase, enforcing caller ownership.
func (s *Service) Get(ctx context.Context, purchaseID, callerUserID string) (domain.Purchase, error) {
	p, err := s.repo.Get(ctx, purchaseID)
	if errors.Is(err, ErrNotFound) {
		return domain.Purchase{}, apperr.NotFound("purchase %s not found", purchaseID)
	}
	if err != nil {
		return domain.Purchase{}, apperr.Internal(err, "load purchase")
	}
	if p.UserID != callerUserID {
		return domain.Purchase{}, apperr.Forbidden("not your purchase")
	}
	return p, nil
}

// HandlePaymentSucceeded completes a purchase into an Assessment on
// `payment_intent.succeeded`. Idempotent on the payment intent id: a
// redelivered webhook for an already-completed purchase is a no-op
// (spec.md §8: "duplicate payment_intent.succeeded webhooks ... produce
// exactly one Assessment row").
func (s *Service) HandlePaymentSucceeded(ctx context.Context, paymentIntentID string) error {
	p, err := s.repo.GetByExternalRef(ctx, paymentIntentID)
	if errors.Is(err, ErrNotFound) {
		return apperr.NotFound("purchase for payment intent %s not found", paymentIntentID)
	}
	if err != nil {
		return apperr.Internal(err, "load purchase by payment intent")
	}
	if p.Status == domain.PurchaseCompleted {
		return nil // idempotent redelivery
	}

	tier, err := s.tiers.Get(ctx, p.TierID)
	if err != nil {
		return apperr.Internal(err, "load tier")
	}

	now := time.Now().UTC()
	assessment := domain.Assessment{
		ID: uuid.NewString(), UserID: p.UserID, TierID: p.TierID, PurchaseID: p.ID,
		Status: domain.AssessmentPending, CreatedAt: now,
	}
	account := domain.VirtualAccount{
		AssessmentID: assessment.ID, StartingBalance: tier.StartingBalance,
		CurrentBalance: tier.StartingBalance, PeakBalance: tier.StartingBalance, UpdatedAt: now,
	}

	if err := s.repo.CompleteWithAssessment(ctx, p.ID, now, assessment, account); err != nil {
		return apperr.Internal(err, "complete purchase")
	}

	s.publish(eventbus.PurchaseCompletedPayload{PurchaseEventPayload: eventbus.PurchaseEventPayload{PurchaseID: p.ID, UserID: p.UserID}})
	s.publish(eventbus.AssessmentCreatedPayload{AssessmentLifecyclePayload: eventbus.AssessmentLifecyclePayload{
		AssessmentID: assessment.ID, UserID: p.UserID, Status: string(domain.AssessmentPending),
	}})
	return nil
}

func (s *Service) publish(event eventbus.Event) {
	if err := s.producer.Publish(event, uuid.NewString()); err != nil {
		s.log.Error().Err(err).Str("topic", event.Topic()).Msg("event publish failed")
	}
}
