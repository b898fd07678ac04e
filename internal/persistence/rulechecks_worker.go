package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vaticlabs/vatic/internal/cache"
	"github.com/vaticlabs/vatic/internal/domain"
	"github.com/vaticlabs/vatic/internal/modules/assessments"
	"github.com/vaticlabs/vatic/internal/state"
)

// RuleChecksWorker is the companion persistence worker of spec.md §4.10:
// it durably records the rule-checks history the monitoring loop only
// keeps as a cache-resident snapshot.
type RuleChecksWorker struct {
	store *state.Store
	repo  *assessments.Repository
	log   zerolog.Logger

	interval time.Duration
}

// NewRuleChecksWorker constructs a RuleChecksWorker. interval is the
// reconciliation cadence (spec.md §4.10: 12 s).
func NewRuleChecksWorker(store *state.Store, repo *assessments.Repository, interval time.Duration, log zerolog.Logger) *RuleChecksWorker {
	return &RuleChecksWorker{
		store:    store,
		repo:     repo,
		interval: interval,
		log:      log.With().Str("component", "rule_checks_worker").Logger(),
	}
}

// Run ticks until ctx is cancelled, running one sweep per tick.
func (w *RuleChecksWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runCycle(ctx)
		}
	}
}

func (w *RuleChecksWorker) runCycle(ctx context.Context) {
	keys, err := w.store.ScanKeys(ctx, cache.AssessmentRulesPattern)
	if err != nil {
		w.log.Error().Err(err).Msg("scan assessment rules snapshots failed")
		return
	}

	checkedAt := time.Now().UTC()
	var checks []domain.RuleCheck
	for _, key := range keys {
		assessmentID := assessmentIDFromKey(key, ":rules")
		if assessmentID == "" {
			continue
		}
		rulesSnap, ok, err := w.store.GetRules(ctx, key)
		if err != nil || !ok {
			continue
		}
		checks = append(checks,
			ruleCheckRow(assessmentID, domain.RuleDrawdown, rulesSnap.Drawdown, checkedAt),
			ruleCheckRow(assessmentID, domain.RuleTradeCount, rulesSnap.TradeCount, checkedAt),
			ruleCheckRow(assessmentID, domain.RuleRiskPerTrade, rulesSnap.RiskPerTrade, checkedAt),
		)
	}

	if err := w.repo.InsertRuleChecksSkipDuplicates(ctx, checks); err != nil {
		w.log.Error().Err(err).Msg("bulk rule check persist failed")
	}
}

func ruleCheckRow(assessmentID string, rule domain.RuleName, v state.RuleValue, checkedAt time.Time) domain.RuleCheck {
	return domain.RuleCheck{
		ID: uuid.NewString(), AssessmentID: assessmentID, Rule: rule,
		Value: v.Value, Threshold: v.Threshold, Status: v.Status, CheckedAt: checkedAt,
	}
}
