package rulesengine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vaticlabs/vatic/internal/domain"
	"github.com/vaticlabs/vatic/internal/state"
)

func TestDrawdown_ZeroWhenPeakZeroOrCurrentAtOrAbovePeak(t *testing.T) {
	assert.Equal(t, 0.0, Drawdown(0, 0))
	assert.Equal(t, 0.0, Drawdown(50000, 50000))
	assert.Equal(t, 0.0, Drawdown(50000, 51000))
}

func TestDrawdown_MatchesDrawdownTripScenario(t *testing.T) {
	// spec.md §8 scenario 2: peak 50000, balance pushed to 39999.99.
	d := Drawdown(50000, 39999.99)
	assert.InDelta(t, 0.2000002, d, 1e-9)
	assert.Greater(t, d, 0.2)
}

func TestMaxRiskPerTrade_ZeroWithNoBalanceOrNoPositions(t *testing.T) {
	assert.Equal(t, 0.0, MaxRiskPerTrade(state.Snapshot{CurrentBalance: 0}))
	assert.Equal(t, 0.0, MaxRiskPerTrade(state.Snapshot{CurrentBalance: 50000}))
}

func TestMaxRiskPerTrade_MatchesHappyOrderScenario(t *testing.T) {
	// Quantity 0.05 @ entry 50050 (value 2502.5) against a 44994.995
	// balance: 2502.5/44994.995 ≈ 0.0556.
	snap := state.Snapshot{
		CurrentBalance: 44994.995,
		Positions: []state.PositionView{
			{Quantity: 0.05, EntryPrice: 50050, Status: domain.PositionOpen},
		},
	}
	assert.InDelta(t, 2502.5/44994.995, MaxRiskPerTrade(snap), 1e-9)
}

func TestMaxRiskPerTrade_IgnoresCancelledPositions(t *testing.T) {
	snap := state.Snapshot{
		CurrentBalance: 10000,
		Positions: []state.PositionView{
			{Quantity: 1, EntryPrice: 10000, Status: domain.PositionCancelled},
		},
	}
	assert.Equal(t, 0.0, MaxRiskPerTrade(snap))
}

func TestMaxRiskPerTrade_TakesTheMaxAcrossPositions(t *testing.T) {
	snap := state.Snapshot{
		CurrentBalance: 10000,
		Positions: []state.PositionView{
			{Quantity: 0.1, EntryPrice: 10000, Status: domain.PositionOpen},
			{Quantity: 0.5, EntryPrice: 10000, Status: domain.PositionOpen},
		},
	}
	assert.Equal(t, 0.5, MaxRiskPerTrade(snap))
}

func TestBucket_ThresholdBoundaries(t *testing.T) {
	const threshold = 0.2
	assert.Equal(t, domain.RuleSafe, Bucket(0.1, threshold, false))
	assert.Equal(t, domain.RuleSafe, Bucket(0.8*threshold-0.0001, threshold, false))
	assert.Equal(t, domain.RuleWarning, Bucket(0.8*threshold, threshold, false))
	assert.Equal(t, domain.RuleWarning, Bucket(0.9*threshold-0.0001, threshold, false))
	assert.Equal(t, domain.RuleDanger, Bucket(0.9*threshold, threshold, false))
	assert.Equal(t, domain.RuleDanger, Bucket(threshold-0.0001, threshold, false))
	assert.Equal(t, domain.RuleViolation, Bucket(threshold, threshold, false))
	assert.Equal(t, domain.RuleViolation, Bucket(threshold*2, threshold, false))
}

func TestBucket_TradeCountRuleTreatsReachingThresholdAsSafe(t *testing.T) {
	const minTradeCount = 10
	assert.Equal(t, domain.RuleDanger, Bucket(9, minTradeCount, true))
	assert.Equal(t, domain.RuleSafe, Bucket(10, minTradeCount, true))
	assert.Equal(t, domain.RuleSafe, Bucket(20, minTradeCount, true))
}

func TestCompute_MatchesDrawdownTripScenario(t *testing.T) {
	snap := state.Snapshot{PeakBalance: 50000, CurrentBalance: 39999.99, TradeCount: 3}
	rs := Compute(snap, 0.2, 10, 0.1)
	assert.Equal(t, domain.RuleViolation, rs.Drawdown.Status)
	assert.InDelta(t, 0.2000002, rs.Drawdown.Value, 1e-9)
}

func TestCompute_MatchesHappyOrderRiskGateScenario(t *testing.T) {
	// First attempt: quantity 0.1 @ 50050 against 44989.995 gives risk
	// ~0.111, over the 0.1 cap.
	snap := state.Snapshot{
		PeakBalance: 50000, CurrentBalance: 44989.995,
		Positions: []state.PositionView{{Quantity: 0.1, EntryPrice: 50050, Status: domain.PositionOpen}},
	}
	rs := Compute(snap, 0.2, 10, 0.1)
	assert.Equal(t, domain.RuleViolation, rs.RiskPerTrade.Status)

	// Retry: quantity 0.05 brings risk to ~0.0501, safely under the cap.
	snap.Positions[0] = state.PositionView{Quantity: 0.05, EntryPrice: 50050, Status: domain.PositionOpen}
	snap.CurrentBalance = 44994.995
	rs = Compute(snap, 0.2, 10, 0.1)
	assert.Equal(t, domain.RuleSafe, rs.RiskPerTrade.Status)
}
