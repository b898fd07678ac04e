// Package rulesengine implements the status-bucketing formula shared by the
// order saga's best-effort rules refresh (spec.md §4.3 step 11) and the
// rules-monitoring loop (spec.md §4.5), so the two paths can never disagree
// on what "danger" means for the same value/threshold pair.
package rulesengine

import "github.com/vaticlabs/vatic/internal/domain"
import "github.com/vaticlabs/vatic/internal/state"

// Compute derives a RulesSnapshot from a hot snapshot and a set of
// thresholds (spec.md §4.5).
func Compute(snap state.Snapshot, maxDrawdown, minTradeCount, maxRiskPerTrade float64) state.RulesSnapshot {
	drawdown := Drawdown(snap.PeakBalance, snap.CurrentBalance)
	riskPerTrade := MaxRiskPerTrade(snap)

	return state.RulesSnapshot{
		Drawdown:     state.RuleValue{Value: drawdown, Threshold: maxDrawdown, Status: Bucket(drawdown, maxDrawdown, false)},
		TradeCount:   state.RuleValue{Value: float64(snap.TradeCount), Threshold: minTradeCount, Status: Bucket(float64(snap.TradeCount), minTradeCount, true)},
		RiskPerTrade: state.RuleValue{Value: riskPerTrade, Threshold: maxRiskPerTrade, Status: Bucket(riskPerTrade, maxRiskPerTrade, false)},
	}
}

// Drawdown computes (peak-current)/peak, 0 if peak is 0 or current >= peak
// (spec.md §4.5).
func Drawdown(peak, current float64) float64 {
	if peak <= 0 || current >= peak {
		return 0
	}
	return (peak - current) / peak
}

// MaxRiskPerTrade computes the max over active positions of
// (qty*entry/currentBalance) (spec.md §4.5).
func MaxRiskPerTrade(snap state.Snapshot) float64 {
	max := 0.0
	if snap.CurrentBalance <= 0 {
		return 0
	}
	for _, p := range snap.ActivePositions() {
		r := (p.Quantity * p.EntryPrice) / snap.CurrentBalance
		if r > max {
			max = r
		}
	}
	return max
}

// Bucket implements spec.md §4.5's status thresholds:
// v < 0.8t -> safe, 0.8t <= v < 0.9t -> warning, 0.9t <= v < t -> danger,
// v >= t -> violation. For the tradeCount rule, violation is remapped to
// safe (it is informational).
func Bucket(value, threshold float64, tradeCountRule bool) domain.RuleStatus {
	switch {
	case value < 0.8*threshold:
		return domain.RuleSafe
	case value < 0.9*threshold:
		return domain.RuleWarning
	case value < threshold:
		return domain.RuleDanger
	default:
		if tradeCountRule {
			return domain.RuleSafe
		}
		return domain.RuleViolation
	}
}
