// Package domain holds the entities and enums of spec.md §3. It is a pure
// layer: no cache, database, or transport imports, matching the teacher's
// "domain layer is pure" convention (cmd/server/main.go's doc comment).
package domain

import "time"

// AssessmentStatus is the lifecycle state of an Assessment.
type AssessmentStatus string

const (
	AssessmentPending   AssessmentStatus = "pending"
	AssessmentActive    AssessmentStatus = "active"
	AssessmentPaused    AssessmentStatus = "paused"
	AssessmentFailed    AssessmentStatus = "failed"
	AssessmentPassed    AssessmentStatus = "passed"
	AssessmentAbandoned AssessmentStatus = "abandoned"
)

// Terminal reports whether the status never transitions again.
func (s AssessmentStatus) Terminal() bool {
	switch s {
	case AssessmentFailed, AssessmentPassed, AssessmentAbandoned:
		return true
	default:
		return false
	}
}

// PurchaseStatus is the lifecycle state of a Purchase.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseFailed    PurchaseStatus = "failed"
)

// PositionStatus is the lifecycle state of a Position.
type PositionStatus string

const (
	PositionOpen      PositionStatus = "open"
	PositionCancelled PositionStatus = "cancelled"
)

// MarshalJSON renders PositionOpen as "active", matching the hot snapshot's
// wire shape (spec.md §3: `status: "active" | "cancelled"`) while the
// durable column and Go constant stay "open" for readability.
func (s PositionStatus) MarshalJSON() ([]byte, error) {
	if s == PositionOpen {
		return []byte(`"active"`), nil
	}
	return []byte(`"` + string(s) + `"`), nil
}

// UnmarshalJSON accepts both "active" (snapshot wire shape) and "open".
func (s *PositionStatus) UnmarshalJSON(data []byte) error {
	str := string(data)
	if len(str) >= 2 {
		str = str[1 : len(str)-1]
	}
	if str == "active" {
		*s = PositionOpen
		return nil
	}
	*s = PositionStatus(str)
	return nil
}

// TradeKind distinguishes opening from closing trades.
type TradeKind string

const (
	TradeOpen  TradeKind = "open"
	TradeClose TradeKind = "close"
)

// Side is a position's directional side. Crypto markets use Long/Short;
// prediction markets use Yes/No.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
	SideYes   Side = "yes"
	SideNo    Side = "no"
)

// RuleStatus is the bucket a rule's value falls into relative to its
// threshold, per spec.md §4.5's bucketing formula.
type RuleStatus string

const (
	RuleSafe      RuleStatus = "safe"
	RuleWarning   RuleStatus = "warning"
	RuleDanger    RuleStatus = "danger"
	RuleViolation RuleStatus = "violation"
)

// RuleName identifies which monitored rule a RuleCheck/Violation concerns.
type RuleName string

const (
	RuleDrawdown     RuleName = "drawdown"
	RuleTradeCount   RuleName = "tradeCount"
	RuleRiskPerTrade RuleName = "riskPerTrade"
)

// FundedAccountStatus is the lifecycle state of a FundedAccount.
type FundedAccountStatus string

const (
	FundedActive FundedAccountStatus = "active"
	FundedClosed FundedAccountStatus = "closed"
)

// WithdrawalStatus is the lifecycle state of a Withdrawal.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalApproved  WithdrawalStatus = "approved"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalRejected  WithdrawalStatus = "rejected"
)

// Tier is immutable configuration seeded at deploy time.
type Tier struct {
	ID                 string
	Name               string
	PurchasePriceMinor int64
	StartingBalance    float64
	MaxDrawdownRatio    float64
	MinTradeCount      int
	MaxRiskPerTrade    float64
	ProfitSplitRatio   float64
	// Funded-specific fixed thresholds (spec.md §3: "funded tier parameters
	// typically stricter"). Resolves the open question in spec.md §9: the
	// funded rules worker reads these, not MaxDrawdownRatio/MaxRiskPerTrade.
	FundedMaxDrawdownRatio float64
	FundedMaxRiskPerTrade  float64
}

// User is an account holder.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
}

// Session is an opaque bearer token bound to a user.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// Valid reports whether the session has not expired.
func (s Session) Valid(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// Purchase records a tier purchase paid through the external provider.
type Purchase struct {
	ID               string
	UserID           string
	TierID           string
	ExternalPaymentRef string
	Status           PurchaseStatus
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// Assessment is a paid evaluation of a user's trading.
type Assessment struct {
	ID          string
	UserID      string
	TierID      string
	PurchaseID  string
	Status      AssessmentStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	DeleteAfter *time.Time // soft-delete horizon, set on abandonment
}

// VirtualAccount is the balance/P&L envelope attached 1:1 to an Assessment.
type VirtualAccount struct {
	AssessmentID    string
	StartingBalance float64
	CurrentBalance  float64
	PeakBalance     float64
	RealizedPnl     float64
	UnrealizedPnl   float64
	UpdatedAt       time.Time
}

// Position is a synthetic fill held against a VirtualAccount.
type Position struct {
	ID            string
	AssessmentID  string
	Market        string
	Side          Side
	Quantity      float64
	EntryPrice    float64
	CurrentPrice  float64
	UnrealizedPnl float64
	Status        PositionStatus
	OpenedAt      time.Time
	ClosedAt      *time.Time
}

// Trade is an immutable record of an order fill.
type Trade struct {
	ID              string
	AssessmentID    string
	PositionID      string
	Kind            TradeKind
	Market          string
	Side            Side
	Quantity        float64
	Price           float64
	SlippageAmount  float64
	FeeAmount       float64
	RealizedPnl     float64
	Cancelled       bool
	OrderID         string
	CreatedAt       time.Time
}

// Violation records a rule breach that ended an assessment or funded account.
type Violation struct {
	ID           string
	AssessmentID string
	Rule         RuleName
	Value        float64
	Threshold    float64
	OccurredAt   time.Time
}

// RuleCheck is a periodic snapshot of one rule's value/threshold/status.
type RuleCheck struct {
	ID           string
	AssessmentID string
	Rule         RuleName
	Value        float64
	Threshold    float64
	Status       RuleStatus
	CheckedAt    time.Time
}

// FundedAccount is the continuing account granted on assessment pass.
type FundedAccount struct {
	ID             string
	UserID         string
	TierID         string
	AssessmentID   string
	Status         FundedAccountStatus
	ClosureReason  string
	CreatedAt      time.Time
	ClosedAt       *time.Time
}

// FundedVirtualAccount mirrors VirtualAccount for a FundedAccount.
type FundedVirtualAccount struct {
	FundedAccountID   string
	StartingBalance   float64
	CurrentBalance    float64
	PeakBalance       float64
	RealizedPnl       float64
	UnrealizedPnl     float64
	TotalWithdrawals  float64
	UpdatedAt         time.Time
}

// Withdrawal is a request to pay out a share of funded-account profit.
type Withdrawal struct {
	ID                 string
	FundedAccountID    string
	UserID             string
	Amount             float64
	Status             WithdrawalStatus
	ExternalPayoutRef  string
	RejectionReason    string
	RequestedAt        time.Time
	ApprovedAt         *time.Time
	CompletedAt        *time.Time
	RejectedAt         *time.Time
}
