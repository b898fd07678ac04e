// Package rules implements the rules-monitoring loop and rule-violation
// failure handler of spec.md §4.5/§4.6, for both assessments and funded
// accounts.
package rules

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vaticlabs/vatic/internal/cache"
	"github.com/vaticlabs/vatic/internal/domain"
	"github.com/vaticlabs/vatic/internal/eventbus"
	"github.com/vaticlabs/vatic/internal/modules/assessments"
	"github.com/vaticlabs/vatic/internal/modules/funded"
	"github.com/vaticlabs/vatic/internal/modules/tiers"
	"github.com/vaticlabs/vatic/internal/rulesengine"
	"github.com/vaticlabs/vatic/internal/saga"
	"github.com/vaticlabs/vatic/internal/state"
)

// Monitor runs the periodic assessment and funded-account rule sweeps.
type Monitor struct {
	store       *state.Store
	tiers       *tiers.Repository
	assessments *assessments.Repository
	funded      *funded.Repository
	producer    *eventbus.Producer
	locks       *saga.KeyLocks
	log         zerolog.Logger
}

// New constructs a Monitor.
func New(store *state.Store, tiersRepo *tiers.Repository, assessmentsRepo *assessments.Repository, fundedRepo *funded.Repository, producer *eventbus.Producer, locks *saga.KeyLocks, log zerolog.Logger) *Monitor {
	return &Monitor{
		store:       store,
		tiers:       tiersRepo,
		assessments: assessmentsRepo,
		funded:      fundedRepo,
		producer:    producer,
		locks:       locks,
		log:         log.With().Str("component", "rules_monitor").Logger(),
	}
}

// RunAssessments sweeps every live assessment snapshot once (spec.md §4.5).
func (m *Monitor) RunAssessments(ctx context.Context) {
	keys, err := m.store.ScanKeys(ctx, cache.AssessmentStatePattern)
	if err != nil {
		m.log.Error().Err(err).Msg("scan assessment state keys failed")
		return
	}
	for _, key := range keys {
		id := assessmentIDFromKey(key, ":state")
		if id == "" {
			continue
		}
		m.checkAssessment(ctx, id)
	}
}

func (m *Monitor) checkAssessment(ctx context.Context, assessmentID string) {
	assessment, err := m.assessments.Get(ctx, assessmentID)
	if err != nil {
		m.log.Warn().Err(err).Str("assessment_id", assessmentID).Msg("load assessment for rule check failed")
		return
	}
	if assessment.Status == domain.AssessmentFailed {
		return
	}

	snap, ok, err := m.store.Get(ctx, cache.AssessmentStateKey(assessmentID))
	if err != nil || !ok {
		return
	}

	tier, err := m.tiers.Get(ctx, assessment.TierID)
	if err != nil {
		m.log.Warn().Err(err).Str("assessment_id", assessmentID).Msg("load tier for rule check failed")
		return
	}

	rulesSnap := rulesengine.Compute(snap, tier.MaxDrawdownRatio, float64(tier.MinTradeCount), tier.MaxRiskPerTrade)
	if err := m.store.SetRules(ctx, cache.AssessmentRulesKey(assessmentID), rulesSnap); err != nil {
		m.log.Warn().Err(err).Str("assessment_id", assessmentID).Msg("write rules snapshot failed")
	}

	m.publish(eventbus.DrawdownCheckedPayload{AssessmentID: assessmentID, Drawdown: rulesSnap.Drawdown.Value, Status: string(rulesSnap.Drawdown.Status)}, "")

	if rulesSnap.Drawdown.Status == domain.RuleViolation {
		m.failAssessment(ctx, assessmentID, domain.RuleDrawdown, rulesSnap.Drawdown)
		return
	}
	if rulesSnap.RiskPerTrade.Status == domain.RuleViolation {
		m.failAssessment(ctx, assessmentID, domain.RuleRiskPerTrade, rulesSnap.RiskPerTrade)
		return
	}
	// Pass criteria (spec.md §3 "active → passed (pass criteria met)"):
	// the tier's minimum trade count reached with neither rule in
	// violation at the same observation (checked above).
	if snap.TradeCount >= tier.MinTradeCount {
		m.passAssessment(ctx, assessmentID)
	}
}

func (m *Monitor) publish(event eventbus.Event, correlationID string) {
	if err := m.producer.Publish(event, correlationID); err != nil {
		m.log.Error().Err(err).Str("topic", event.Topic()).Msg("event publish failed")
	}
}

// failAssessment runs the rule-violation failure handler (spec.md §4.6)
// under the assessment's lock, guarding against a concurrent order saga.
func (m *Monitor) failAssessment(ctx context.Context, assessmentID string, rule domain.RuleName, v state.RuleValue) {
	_ = m.locks.With(assessmentID, func() error {
		m.runFailureHandler(ctx, assessmentID, rule, v)
		return nil
	})
}

func (m *Monitor) runFailureHandler(ctx context.Context, assessmentID string, rule domain.RuleName, v state.RuleValue) {
	assessment, err := m.assessments.Get(ctx, assessmentID)
	if err != nil {
		m.log.Error().Err(err).Str("assessment_id", assessmentID).Msg("failure handler: load assessment failed")
		return
	}
	if assessment.Status == domain.AssessmentFailed {
		return // guard-and-skip: already handled
	}

	now := time.Now().UTC()
	if err := m.assessments.UpdateStatus(ctx, assessmentID, domain.AssessmentFailed, now); err != nil {
		m.log.Error().Err(err).Str("assessment_id", assessmentID).Msg("failure handler: durable status update failed")
		return
	}

	stateKey := cache.AssessmentStateKey(assessmentID)
	snap, ok, err := m.store.Get(ctx, stateKey)
	if err == nil && ok {
		for _, p := range snap.ActivePositions() {
			closedAt := now
			if err := m.assessments.UpsertPosition(ctx, domain.Position{
				ID: p.ID, AssessmentID: assessmentID, Market: p.Market, Side: p.Side,
				Quantity: p.Quantity, EntryPrice: p.EntryPrice, CurrentPrice: p.CurrentPrice,
				UnrealizedPnl: p.UnrealizedPnl, Status: domain.PositionOpen, OpenedAt: p.OpenedAt, ClosedAt: &closedAt,
			}); err != nil {
				m.log.Warn().Err(err).Str("position_id", p.ID).Msg("failure handler: position close persist failed")
			}
			// spec.md §4.6 step 3: emit with entry/exit both set to the
			// position's current price, not its original entry price.
			m.publish(eventbus.PositionClosedPayload{AssessmentID: assessmentID, PositionID: p.ID, EntryPrice: p.CurrentPrice, ExitPrice: p.CurrentPrice, RealizedPnl: 0}, "")
		}

		snap.Positions = nil
		if err := m.store.Set(ctx, stateKey, snap); err != nil {
			m.log.Error().Err(err).Str("assessment_id", assessmentID).Msg("failure handler: snapshot clear failed")
		}
	}

	violation := domain.Violation{
		ID: uuid.NewString(), AssessmentID: assessmentID, Rule: rule,
		Value: v.Value, Threshold: v.Threshold, OccurredAt: now,
	}
	if err := m.assessments.InsertViolation(ctx, violation); err != nil {
		m.log.Error().Err(err).Str("assessment_id", assessmentID).Msg("failure handler: violation record failed")
	}

	m.publish(eventbus.ViolationDetectedPayload{AssessmentID: assessmentID, Rule: string(rule), Value: v.Value, Threshold: v.Threshold}, "")
}

// passAssessment runs the pass-criteria handler under the assessment's
// lock, guarding against a concurrent order saga or the failure handler.
func (m *Monitor) passAssessment(ctx context.Context, assessmentID string) {
	_ = m.locks.With(assessmentID, func() error {
		m.runPassHandler(ctx, assessmentID)
		return nil
	})
}

// runPassHandler transitions active→passed (spec.md §3/§4.7) and publishes
// assessment.completed{status=passed}, which the core service's own
// consumer group dispatches to funded.Service.Activate.
func (m *Monitor) runPassHandler(ctx context.Context, assessmentID string) {
	assessment, err := m.assessments.Get(ctx, assessmentID)
	if err != nil {
		m.log.Error().Err(err).Str("assessment_id", assessmentID).Msg("pass handler: load assessment failed")
		return
	}
	if assessment.Status.Terminal() {
		return // guard-and-skip: already failed/passed/abandoned
	}

	now := time.Now().UTC()
	if err := m.assessments.UpdateStatus(ctx, assessmentID, domain.AssessmentPassed, now); err != nil {
		m.log.Error().Err(err).Str("assessment_id", assessmentID).Msg("pass handler: durable status update failed")
		return
	}

	m.publish(eventbus.AssessmentCompletedPayload{
		AssessmentLifecyclePayload: eventbus.AssessmentLifecyclePayload{
			AssessmentID: assessmentID, UserID: assessment.UserID, Status: string(domain.AssessmentPassed),
		},
		Reason: "passed",
	}, "")
}

// RunFunded sweeps every live funded-account snapshot once. Tier-fixed
// funded thresholds are used, not tier.MaxDrawdownRatio/MaxRiskPerTrade
// (spec.md §9 open question, resolved in SPEC_FULL.md).
func (m *Monitor) RunFunded(ctx context.Context) {
	keys, err := m.store.ScanKeys(ctx, cache.FundedStatePattern)
	if err != nil {
		m.log.Error().Err(err).Msg("scan funded state keys failed")
		return
	}
	for _, key := range keys {
		id := assessmentIDFromKey(key, ":state")
		if id == "" {
			continue
		}
		m.checkFunded(ctx, id)
	}
}

func (m *Monitor) checkFunded(ctx context.Context, fundedAccountID string) {
	fa, err := m.funded.Get(ctx, fundedAccountID)
	if err != nil {
		m.log.Warn().Err(err).Str("funded_account_id", fundedAccountID).Msg("load funded account for rule check failed")
		return
	}
	if fa.Status == domain.FundedClosed {
		return
	}

	snap, ok, err := m.store.Get(ctx, cache.FundedStateKey(fundedAccountID))
	if err != nil || !ok {
		return
	}

	tier, err := m.tiers.Get(ctx, fa.TierID)
	if err != nil {
		m.log.Warn().Err(err).Str("funded_account_id", fundedAccountID).Msg("load tier for rule check failed")
		return
	}

	drawdown := rulesengine.Drawdown(snap.PeakBalance, snap.CurrentBalance)
	riskPerTrade := rulesengine.MaxRiskPerTrade(snap)
	drawdownStatus := rulesengine.Bucket(drawdown, tier.FundedMaxDrawdownRatio, false)
	riskStatus := rulesengine.Bucket(riskPerTrade, tier.FundedMaxRiskPerTrade, false)

	rulesSnap := state.RulesSnapshot{
		Drawdown:     state.RuleValue{Value: drawdown, Threshold: tier.FundedMaxDrawdownRatio, Status: drawdownStatus},
		RiskPerTrade: state.RuleValue{Value: riskPerTrade, Threshold: tier.FundedMaxRiskPerTrade, Status: riskStatus},
	}
	if err := m.store.SetRules(ctx, cache.FundedRulesKey(fundedAccountID), rulesSnap); err != nil {
		m.log.Warn().Err(err).Str("funded_account_id", fundedAccountID).Msg("write funded rules snapshot failed")
	}

	if drawdownStatus == domain.RuleViolation {
		m.closeFunded(ctx, fundedAccountID, "drawdown_violation")
		return
	}
	if riskStatus == domain.RuleViolation {
		m.closeFunded(ctx, fundedAccountID, "risk_per_trade_violation")
	}
}

func (m *Monitor) closeFunded(ctx context.Context, fundedAccountID, reason string) {
	_ = m.locks.With(fundedAccountID, func() error {
		fa, err := m.funded.Get(ctx, fundedAccountID)
		if err != nil || fa.Status == domain.FundedClosed {
			return nil
		}
		now := time.Now().UTC()
		if err := m.funded.Close(ctx, fundedAccountID, reason, now); err != nil {
			m.log.Error().Err(err).Str("funded_account_id", fundedAccountID).Msg("close funded account failed")
			return nil
		}
		if err := m.store.Delete(ctx, cache.FundedStateKey(fundedAccountID)); err != nil {
			m.log.Warn().Err(err).Str("funded_account_id", fundedAccountID).Msg("delete funded hot snapshot failed")
		}
		return nil
	})
}

func assessmentIDFromKey(key, suffix string) string {
	const prefix1, prefix2 = "assessment:", "funded:"
	body := key
	if strings.HasPrefix(body, prefix1) {
		body = strings.TrimPrefix(body, prefix1)
	} else if strings.HasPrefix(body, prefix2) {
		body = strings.TrimPrefix(body, prefix2)
	}
	return strings.TrimSuffix(body, suffix)
}
