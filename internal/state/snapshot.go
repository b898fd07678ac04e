// Package state implements the hot-path state store of spec.md §4.1: the
// cache-resident per-assessment snapshot that every order mutates.
package state

import (
	"time"

	"github.com/vaticlabs/vatic/internal/domain"
)

// PositionView is one entry of a snapshot's positions list.
type PositionView struct {
	ID            string               `json:"id"`
	Market        string               `json:"market"`
	Side          domain.Side          `json:"side"`
	Quantity      float64              `json:"quantity"`
	EntryPrice    float64              `json:"entryPrice"`
	CurrentPrice  float64              `json:"currentPrice"`
	UnrealizedPnl float64              `json:"unrealizedPnl"`
	OpenedAt      time.Time            `json:"openedAt"`
	Status        domain.PositionStatus `json:"status"`
}

// Snapshot is the JSON shape stored at `assessment:{id}:state` /
// `funded:{id}:state` (spec.md §3).
type Snapshot struct {
	CurrentBalance float64        `json:"currentBalance"`
	PeakBalance    float64        `json:"peakBalance"`
	RealizedPnl    float64        `json:"realizedPnl"`
	UnrealizedPnl  float64        `json:"unrealizedPnl"`
	TradeCount     int            `json:"tradeCount"`
	Positions      []PositionView `json:"positions"`
}

// Clone returns a deep-enough copy for safe compensation capture (spec.md
// §4.3 step 6's "captured before step 6" rollback snapshot).
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Positions = make([]PositionView, len(s.Positions))
	copy(out.Positions, s.Positions)
	return out
}

// ActivePositions returns the positions with status=open.
func (s Snapshot) ActivePositions() []PositionView {
	active := make([]PositionView, 0, len(s.Positions))
	for _, p := range s.Positions {
		if p.Status == domain.PositionOpen {
			active = append(active, p)
		}
	}
	return active
}

// RuleValue is one rule's {value, threshold, status} triple (spec.md §3).
type RuleValue struct {
	Value     float64           `json:"value"`
	Threshold float64           `json:"threshold"`
	Status    domain.RuleStatus `json:"status"`
}

// RulesSnapshot is the JSON shape stored at `assessment:{id}:rules` /
// `funded:{id}:rules`.
type RulesSnapshot struct {
	Drawdown     RuleValue `json:"drawdown"`
	TradeCount   RuleValue `json:"tradeCount"`
	RiskPerTrade RuleValue `json:"riskPerTrade"`
}
