package funded

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vaticlabs/vatic/internal/apperr"
	"github.com/vaticlabs/vatic/internal/cache"
	"github.com/vaticlabs/vatic/internal/domain"
	"github.com/vaticlabs/vatic/internal/eventbus"
	"github.com/vaticlabs/vatic/internal/modules/assessments"
	"github.com/vaticlabs/vatic/internal/modules/tiers"
	"github.com/vaticlabs/vatic/internal/payment"
	"github.com/vaticlabs/vatic/internal/saga"
	"github.com/vaticlabs/vatic/internal/state"
)

// Service executes the funded-account activation saga (spec.md §4.7) and
// the withdrawal-processing saga (spec.md §4.8).
type Service struct {
	repo                 *Repository
	assessments           *assessments.Repository
	tiers                 *tiers.Repository
	store                 *state.Store
	producer              *eventbus.Producer
	payments              *payment.Client
	locks                 *saga.KeyLocks
	paymentCallTimeout    time.Duration
	autoApproveThreshold  float64
	minWithdrawal         float64
	log                   zerolog.Logger
}

// Config bundles Service construction parameters.
type Config struct {
	Repo                 *Repository
	Assessments          *assessments.Repository
	Tiers                *tiers.Repository
	Store                *state.Store
	Producer              *eventbus.Producer
	Payments              *payment.Client
	Locks                 *saga.KeyLocks
	PaymentCallTimeout    time.Duration
	AutoApproveThreshold  float64
	MinWithdrawal         float64
	Log                   zerolog.Logger
}

// New constructs a Service.
func New(cfg Config) *Service {
	return &Service{
		repo: cfg.Repo, assessments: cfg.Assessments, tiers: cfg.Tiers, store: cfg.Store,
		producer: cfg.Producer, payments: cfg.Payments, locks: cfg.Locks,
		paymentCallTimeout: cfg.PaymentCallTimeout, autoApproveThreshold: cfg.AutoApproveThreshold,
		minWithdrawal: cfg.MinWithdrawal, log: cfg.Log.With().Str("component", "funded").Logger(),
	}
}

func (s *Service) publish(event eventbus.Event, correlationID string) {
	if err := s.producer.Publish(event, correlationID); err != nil {
		s.log.Error().Err(err).Str("topic", event.Topic()).Msg("event publish failed")
	}
}

// Activate runs the funded-account activation saga, triggered by an
// assessment.completed event with status=passed (spec.md §4.7). Idempotent
// on assessmentId.
func (s *Service) Activate(ctx context.Context, assessmentID, correlationID string) (domain.FundedAccount, error) {
	var result domain.FundedAccount
	var resultErr error

	lockErr := s.locks.With(assessmentID, func() error {
		result, resultErr = s.runActivate(ctx, assessmentID, correlationID)
		return nil
	})
	if lockErr != nil {
		return domain.FundedAccount{}, lockErr
	}
	return result, resultErr
}

func (s *Service) runActivate(ctx context.Context, assessmentID, correlationID string) (domain.FundedAccount, error) {
	assessment, err := s.assessments.Get(ctx, assessmentID)
	if err != nil {
		return domain.FundedAccount{}, apperr.NotFound("assessment not found")
	}
	if assessment.Status != domain.AssessmentPassed || assessment.CompletedAt == nil {
		return domain.FundedAccount{}, apperr.Conflict("assessment has not passed")
	}

	if existing, err := s.repo.GetByAssessment(ctx, assessmentID); err == nil {
		return existing, nil // idempotent: already activated
	}

	tier, err := s.tiers.Get(ctx, assessment.TierID)
	if err != nil {
		return domain.FundedAccount{}, apperr.Internal(err, "load tier")
	}

	now := time.Now().UTC()
	fundedAccountID := uuid.NewString()

	fa := domain.FundedAccount{
		ID: fundedAccountID, UserID: assessment.UserID, TierID: assessment.TierID,
		AssessmentID: assessmentID, Status: domain.FundedActive, CreatedAt: now,
	}
	va := domain.FundedVirtualAccount{
		FundedAccountID: fundedAccountID, StartingBalance: tier.StartingBalance,
		CurrentBalance: tier.StartingBalance, PeakBalance: tier.StartingBalance, UpdatedAt: now,
	}

	if err := s.repo.CreateWithAccount(ctx, fa, va); err != nil {
		return domain.FundedAccount{}, apperr.Internal(err, "create funded account")
	}

	snap := state.Snapshot{CurrentBalance: tier.StartingBalance, PeakBalance: tier.StartingBalance}
	if err := s.store.Set(ctx, cache.FundedStateKey(fundedAccountID), snap); err != nil {
		// compensate: delete what we just created in step 3.
		s.log.Error().Err(err).Str("funded_account_id", fundedAccountID).Msg("hot snapshot init failed, compensating")
		if _, delErr := s.repo.db.Pool().Exec(ctx, `DELETE FROM funded_virtual_accounts WHERE funded_account_id = $1`, fundedAccountID); delErr != nil {
			s.log.Error().Err(delErr).Str("funded_account_id", fundedAccountID).Msg("compensation delete failed")
		} else if _, delErr := s.repo.db.Pool().Exec(ctx, `DELETE FROM funded_accounts WHERE id = $1`, fundedAccountID); delErr != nil {
			s.log.Error().Err(delErr).Str("funded_account_id", fundedAccountID).Msg("compensation delete failed")
		}
		return domain.FundedAccount{}, apperr.Internal(err, "initialize hot snapshot")
	}
	rulesSnap := state.RulesSnapshot{
		Drawdown:     state.RuleValue{Threshold: tier.FundedMaxDrawdownRatio, Status: domain.RuleSafe},
		RiskPerTrade: state.RuleValue{Threshold: tier.FundedMaxRiskPerTrade, Status: domain.RuleSafe},
	}
	if err := s.store.SetRules(ctx, cache.FundedRulesKey(fundedAccountID), rulesSnap); err != nil {
		s.log.Warn().Err(err).Str("funded_account_id", fundedAccountID).Msg("rules snapshot init failed")
	}

	s.publish(eventbus.FundedAccountCreatedPayload{FundedAccountEventPayload: eventbus.FundedAccountEventPayload{
		FundedAccountID: fundedAccountID, AssessmentID: assessmentID, UserID: assessment.UserID,
	}}, correlationID)
	s.publish(eventbus.FundedAccountActivatedPayload{FundedAccountEventPayload: eventbus.FundedAccountEventPayload{
		FundedAccountID: fundedAccountID, AssessmentID: assessmentID, UserID: assessment.UserID,
	}}, correlationID)

	return fa, nil
}

// Withdrawable computes the amount currently available for withdrawal
// (spec.md §4.8).
func Withdrawable(va domain.FundedVirtualAccount, profitSplitRatio float64) float64 {
	w := profitSplitRatio * (va.CurrentBalance - va.StartingBalance - va.TotalWithdrawals)
	if w < 0 {
		return 0
	}
	return w
}

// requiresReview reports whether a withdrawal amount needs admin approval
// rather than auto-payout (spec.md §8 scenario 6: "amount 3000 (>1000) ->
// Withdrawal remains pending requiring admin approval").
func requiresReview(amount, autoApproveThreshold float64) bool {
	return amount >= autoApproveThreshold
}

// RequestWithdrawalInput is the withdrawal command (spec.md §4.8).
type RequestWithdrawalInput struct {
	FundedAccountID string
	CallerUserID    string
	Amount          float64
	CorrelationID   string
}

// RequestWithdrawalResult reports whether the request is pending admin
// review.
type RequestWithdrawalResult struct {
	Withdrawal      domain.Withdrawal
	RequiresReview  bool
}

// RequestWithdrawal runs the withdrawal-processing saga.
func (s *Service) RequestWithdrawal(ctx context.Context, in RequestWithdrawalInput) (RequestWithdrawalResult, error) {
	var result RequestWithdrawalResult
	var resultErr error

	lockErr := s.locks.With(in.FundedAccountID, func() error {
		result, resultErr = s.runWithdrawal(ctx, in)
		return nil
	})
	if lockErr != nil {
		return RequestWithdrawalResult{}, lockErr
	}
	return result, resultErr
}

func (s *Service) runWithdrawal(ctx context.Context, in RequestWithdrawalInput) (RequestWithdrawalResult, error) {
	fa, err := s.repo.Get(ctx, in.FundedAccountID)
	if err != nil {
		return RequestWithdrawalResult{}, apperr.NotFound("funded account not found")
	}
	if fa.UserID != in.CallerUserID {
		return RequestWithdrawalResult{}, apperr.Forbidden("not the owner of this funded account")
	}
	if fa.Status != domain.FundedActive {
		return RequestWithdrawalResult{}, apperr.Conflict("funded account is not active")
	}

	snap, ok, err := s.store.Get(ctx, cache.FundedStateKey(in.FundedAccountID))
	if err != nil {
		return RequestWithdrawalResult{}, apperr.Internal(err, "read hot snapshot")
	}
	if ok && len(snap.ActivePositions()) > 0 {
		return RequestWithdrawalResult{}, apperr.Validation("cannot withdraw while positions are open")
	}

	tier, err := s.tiers.Get(ctx, fa.TierID)
	if err != nil {
		return RequestWithdrawalResult{}, apperr.Internal(err, "load tier")
	}
	va, err := s.repo.GetVirtualAccount(ctx, in.FundedAccountID)
	if err != nil {
		return RequestWithdrawalResult{}, apperr.Internal(err, "load virtual account")
	}

	withdrawable := Withdrawable(va, tier.ProfitSplitRatio)
	if in.Amount < s.minWithdrawal {
		return RequestWithdrawalResult{}, apperr.Validation("amount below minimum %.2f", s.minWithdrawal)
	}
	if in.Amount > withdrawable {
		return RequestWithdrawalResult{}, apperr.Validation("amount exceeds withdrawable %.2f", withdrawable)
	}

	now := time.Now().UTC()
	withdrawalID := uuid.NewString()
	w := domain.Withdrawal{
		ID: withdrawalID, FundedAccountID: in.FundedAccountID, UserID: in.CallerUserID,
		Amount: in.Amount, Status: domain.WithdrawalPending, RequestedAt: now,
	}
	if err := s.repo.CreateWithdrawal(ctx, w); err != nil {
		return RequestWithdrawalResult{}, apperr.Internal(err, "create withdrawal")
	}
	s.publish(eventbus.WithdrawalRequestedPayload{WithdrawalEventPayload: eventbus.WithdrawalEventPayload{
		WithdrawalID: withdrawalID, FundedAccountID: in.FundedAccountID, Amount: in.Amount,
	}}, in.CorrelationID)

	if requiresReview(in.Amount, s.autoApproveThreshold) {
		w.Status = domain.WithdrawalPending
		return RequestWithdrawalResult{Withdrawal: w, RequiresReview: true}, nil
	}

	approved, err := s.approveAndPayout(ctx, withdrawalID, in.FundedAccountID, in.Amount, in.CorrelationID)
	if err != nil {
		return RequestWithdrawalResult{}, err
	}
	return RequestWithdrawalResult{Withdrawal: approved, RequiresReview: false}, nil
}

// approveAndPayout issues the payout for an approved withdrawal, mirrors
// total_withdrawals, and emits the approved/completed events. On payout
// failure it compensates by marking the Withdrawal rejected with reason
// "payout_failed"; the row is kept, not deleted.
func (s *Service) approveAndPayout(ctx context.Context, withdrawalID, fundedAccountID string, amount float64, correlationID string) (domain.Withdrawal, error) {
	now := time.Now().UTC()
	if err := s.repo.ApproveWithdrawal(ctx, withdrawalID, now); err != nil {
		return domain.Withdrawal{}, apperr.Internal(err, "approve withdrawal")
	}
	s.publish(eventbus.WithdrawalApprovedPayload{WithdrawalEventPayload: eventbus.WithdrawalEventPayload{
		WithdrawalID: withdrawalID, FundedAccountID: fundedAccountID, Amount: amount,
	}}, correlationID)

	payoutCtx, cancel := context.WithTimeout(ctx, s.paymentCallTimeout)
	defer cancel()

	payoutRef, err := s.payments.IssuePayout(payoutCtx, int64(amount*100), "usd", withdrawalID)
	if err != nil {
		s.log.Error().Err(err).Str("withdrawal_id", withdrawalID).Msg("payout issuance failed, compensating")
		if delErr := s.repo.RejectWithdrawal(ctx, withdrawalID, "payout_failed", time.Now().UTC()); delErr != nil {
			s.log.Error().Err(delErr).Str("withdrawal_id", withdrawalID).Msg("compensation reject failed")
		}
		return domain.Withdrawal{}, apperr.Unavailable("payout provider unavailable")
	}

	completedAt := time.Now().UTC()
	if err := s.repo.CompleteWithdrawal(ctx, withdrawalID, payoutRef, completedAt); err != nil {
		return domain.Withdrawal{}, apperr.Internal(err, "complete withdrawal")
	}
	if err := s.mirrorTotalWithdrawals(ctx, fundedAccountID, amount); err != nil {
		s.log.Error().Err(err).Str("funded_account_id", fundedAccountID).Msg("total_withdrawals mirror failed")
	}

	s.publish(eventbus.WithdrawalCompletedPayload{WithdrawalEventPayload: eventbus.WithdrawalEventPayload{
		WithdrawalID: withdrawalID, FundedAccountID: fundedAccountID, Amount: amount,
	}}, correlationID)

	w, err := s.repo.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return domain.Withdrawal{}, apperr.Internal(err, "reload withdrawal")
	}
	return w, nil
}

func (s *Service) mirrorTotalWithdrawals(ctx context.Context, fundedAccountID string, delta float64) error {
	va, err := s.repo.GetVirtualAccount(ctx, fundedAccountID)
	if err != nil {
		return err
	}
	va.TotalWithdrawals += delta
	va.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpsertVirtualAccount(ctx, va); err != nil {
		return err
	}

	snap, ok, err := s.store.Get(ctx, cache.FundedStateKey(fundedAccountID))
	if err != nil || !ok {
		return err
	}
	snap.CurrentBalance = va.CurrentBalance
	return s.store.Set(ctx, cache.FundedStateKey(fundedAccountID), snap)
}

// Approve is the admin approval path for a large pending withdrawal
// (spec.md §6 `/admin/withdrawals/:id/approve`).
func (s *Service) Approve(ctx context.Context, withdrawalID, correlationID string) (domain.Withdrawal, error) {
	w, err := s.repo.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return domain.Withdrawal{}, apperr.NotFound("withdrawal not found")
	}
	if w.Status != domain.WithdrawalPending {
		return domain.Withdrawal{}, apperr.Conflict("withdrawal is not pending")
	}

	var result domain.Withdrawal
	var resultErr error
	lockErr := s.locks.With(w.FundedAccountID, func() error {
		result, resultErr = s.approveAndPayout(ctx, withdrawalID, w.FundedAccountID, w.Amount, correlationID)
		return nil
	})
	if lockErr != nil {
		return domain.Withdrawal{}, lockErr
	}
	return result, resultErr
}

// Reject is the admin rejection path for a pending withdrawal.
func (s *Service) Reject(ctx context.Context, withdrawalID, reason string) (domain.Withdrawal, error) {
	w, err := s.repo.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return domain.Withdrawal{}, apperr.NotFound("withdrawal not found")
	}
	if w.Status != domain.WithdrawalPending {
		return domain.Withdrawal{}, apperr.Conflict("withdrawal is not pending")
	}
	if err := s.repo.RejectWithdrawal(ctx, withdrawalID, reason, time.Now().UTC()); err != nil {
		return domain.Withdrawal{}, apperr.Internal(err, "reject withdrawal")
	}
	return s.repo.GetWithdrawal(ctx, withdrawalID)
}

// HandlePayoutFailed resolves a late asynchronous payout-failed event from
// the payment provider: reverts total_withdrawals and rejects the
// withdrawal (spec.md §4.8 "Late asynchronous events").
func (s *Service) HandlePayoutFailed(ctx context.Context, payoutRef string) error {
	w, err := s.repo.GetWithdrawalByPayoutRef(ctx, payoutRef)
	if err != nil {
		return apperr.NotFound("withdrawal for payout ref not found")
	}
	if w.Status != domain.WithdrawalCompleted {
		return nil // already resolved or never completed
	}

	return s.locks.With(w.FundedAccountID, func() error {
		if err := s.repo.RejectWithdrawal(ctx, w.ID, "payout_failed_async", time.Now().UTC()); err != nil {
			return apperr.Internal(err, "reject withdrawal")
		}
		if err := s.mirrorTotalWithdrawals(ctx, w.FundedAccountID, -w.Amount); err != nil {
			s.log.Error().Err(err).Str("withdrawal_id", w.ID).Msg("revert total_withdrawals failed")
		}
		s.publish(eventbus.WithdrawalFailedPayload{
			WithdrawalEventPayload: eventbus.WithdrawalEventPayload{WithdrawalID: w.ID, FundedAccountID: w.FundedAccountID, Amount: w.Amount},
			Reason:                 "payout_failed",
		}, "")
		return nil
	})
}
