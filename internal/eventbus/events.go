// Package eventbus implements Vatic's event-bus contract over Kafka
// (spec.md §6): at-least-once, topic-partitioned, JSON-encoded messages
// keyed by assessment or funded-account id so that one entity's events
// stay in partition order.
package eventbus

import "time"

// Topic names (spec.md §6).
const (
	TopicOrderPlaced        = "trading.order-placed"
	TopicOrderFilled        = "trading.order-filled"
	TopicPositionOpened     = "trading.position-opened"
	TopicPositionClosed     = "trading.position-closed"
	TopicTradeCompleted     = "trading.trade-completed"
	TopicPositionRefunded   = "trading.position-refunded"
	TopicAssessmentCreated  = "assessment.created"
	TopicAssessmentStarted  = "assessment.started"
	TopicAssessmentPaused   = "assessment.paused"
	TopicAssessmentResumed  = "assessment.resumed"
	TopicAssessmentAbandoned = "assessment.abandoned"
	TopicAssessmentCompleted = "assessment.completed"
	TopicRulesViolation     = "rules.violation-detected"
	TopicRulesDrawdownCheck = "rules.drawdown-checked"
	TopicFundedCreated      = "funded-account.created"
	TopicFundedActivated    = "funded-account.activated"
	TopicWithdrawalRequested = "withdrawal.requested"
	TopicWithdrawalApproved  = "withdrawal.approved"
	TopicWithdrawalCompleted = "withdrawal.completed"
	TopicWithdrawalRejected  = "withdrawal.rejected"
	TopicWithdrawalFailed    = "withdrawal.failed"
	TopicPurchaseInitiated   = "payment.purchase-initiated"
	TopicPurchaseCompleted   = "payment.purchase-completed"
	TopicPurchaseFailed      = "payment.purchase-failed"
	TopicEventCancelled      = "events.event-cancelled"
	TopicMarketDataTicks     = "market-data.crypto-ticks" // also market-data.prediction-ticks etc.
	TopicAssessmentBalanceUpdated = "assessment.balance-updated"
	TopicAssessmentPnlUpdated     = "assessment.pnl-updated"
)

// Event is anything publishable on the bus. Topic selects the Kafka topic;
// PartitionKey selects the entity whose ordering must be preserved.
type Event interface {
	Topic() string
	PartitionKey() string
}

// Envelope is the wire format written to Kafka: every payload carries a
// correlationId and timestamp (spec.md §6).
type Envelope struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlationId"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       interface{}     `json:"payload"`
}

// --- Trading events ---

type OrderPlacedPayload struct {
	AssessmentID string  `json:"assessmentId"`
	OrderID      string  `json:"orderId"`
	Market       string  `json:"market"`
	Side         string  `json:"side"`
	Quantity     float64 `json:"quantity"`
}

func (p OrderPlacedPayload) Topic() string        { return TopicOrderPlaced }
func (p OrderPlacedPayload) PartitionKey() string { return p.AssessmentID }

type OrderFilledPayload struct {
	AssessmentID   string  `json:"assessmentId"`
	OrderID        string  `json:"orderId"`
	PositionID     string  `json:"positionId"`
	ExecutionPrice float64 `json:"executionPrice"`
	Balance        float64 `json:"balance"`
}

func (p OrderFilledPayload) Topic() string        { return TopicOrderFilled }
func (p OrderFilledPayload) PartitionKey() string { return p.AssessmentID }

type PositionOpenedPayload struct {
	AssessmentID string  `json:"assessmentId"`
	PositionID   string  `json:"positionId"`
	Market       string  `json:"market"`
	Side         string  `json:"side"`
	Quantity     float64 `json:"quantity"`
	EntryPrice   float64 `json:"entryPrice"`
}

func (p PositionOpenedPayload) Topic() string        { return TopicPositionOpened }
func (p PositionOpenedPayload) PartitionKey() string { return p.AssessmentID }

type PositionClosedPayload struct {
	AssessmentID string  `json:"assessmentId"`
	PositionID   string  `json:"positionId"`
	EntryPrice   float64 `json:"entryPrice"`
	ExitPrice    float64 `json:"exitPrice"`
	RealizedPnl  float64 `json:"realizedPnl"`
}

func (p PositionClosedPayload) Topic() string        { return TopicPositionClosed }
func (p PositionClosedPayload) PartitionKey() string { return p.AssessmentID }

type TradeCompletedPayload struct {
	AssessmentID string  `json:"assessmentId"`
	TradeID      string  `json:"tradeId"`
	PositionID   string  `json:"positionId"`
	RealizedPnl  float64 `json:"realizedPnl"`
}

func (p TradeCompletedPayload) Topic() string        { return TopicTradeCompleted }
func (p TradeCompletedPayload) PartitionKey() string { return p.AssessmentID }

type PositionRefundedPayload struct {
	AssessmentID string  `json:"assessmentId"`
	PositionID   string  `json:"positionId"`
	Refund       float64 `json:"refund"`
	EventID      string  `json:"eventId"`
}

func (p PositionRefundedPayload) Topic() string        { return TopicPositionRefunded }
func (p PositionRefundedPayload) PartitionKey() string { return p.AssessmentID }

// --- Assessment lifecycle events ---

type AssessmentLifecyclePayload struct {
	AssessmentID string `json:"assessmentId"`
	UserID       string `json:"userId"`
	Status       string `json:"status"`
}

type AssessmentCreatedPayload struct{ AssessmentLifecyclePayload }

func (p AssessmentCreatedPayload) Topic() string        { return TopicAssessmentCreated }
func (p AssessmentCreatedPayload) PartitionKey() string { return p.AssessmentID }

type AssessmentStartedPayload struct{ AssessmentLifecyclePayload }

func (p AssessmentStartedPayload) Topic() string        { return TopicAssessmentStarted }
func (p AssessmentStartedPayload) PartitionKey() string { return p.AssessmentID }

type AssessmentPausedPayload struct{ AssessmentLifecyclePayload }

func (p AssessmentPausedPayload) Topic() string        { return TopicAssessmentPaused }
func (p AssessmentPausedPayload) PartitionKey() string { return p.AssessmentID }

type AssessmentResumedPayload struct{ AssessmentLifecyclePayload }

func (p AssessmentResumedPayload) Topic() string        { return TopicAssessmentResumed }
func (p AssessmentResumedPayload) PartitionKey() string { return p.AssessmentID }

type AssessmentAbandonedPayload struct{ AssessmentLifecyclePayload }

func (p AssessmentAbandonedPayload) Topic() string        { return TopicAssessmentAbandoned }
func (p AssessmentAbandonedPayload) PartitionKey() string { return p.AssessmentID }

type AssessmentCompletedPayload struct {
	AssessmentLifecyclePayload
	Reason string `json:"reason,omitempty"`
}

func (p AssessmentCompletedPayload) Topic() string        { return TopicAssessmentCompleted }
func (p AssessmentCompletedPayload) PartitionKey() string { return p.AssessmentID }

// BalanceUpdatePayload carries a standalone balance/P&L refresh, distinct
// from the order-filled event that usually accompanies a balance change
// (spec.md §4.11's "assessment.balance-updated, assessment.pnl-updated"
// topic pair, both relayed as `pnl_update`).
type BalanceUpdatePayload struct {
	AssessmentID  string  `json:"assessmentId"`
	Balance       float64 `json:"balance"`
	RealizedPnl   float64 `json:"realizedPnl"`
	UnrealizedPnl float64 `json:"unrealizedPnl"`
}

type AssessmentBalanceUpdatedPayload struct{ BalanceUpdatePayload }

func (p AssessmentBalanceUpdatedPayload) Topic() string        { return TopicAssessmentBalanceUpdated }
func (p AssessmentBalanceUpdatedPayload) PartitionKey() string { return p.AssessmentID }

type AssessmentPnlUpdatedPayload struct{ BalanceUpdatePayload }

func (p AssessmentPnlUpdatedPayload) Topic() string        { return TopicAssessmentPnlUpdated }
func (p AssessmentPnlUpdatedPayload) PartitionKey() string { return p.AssessmentID }

// --- Rules events ---

type ViolationDetectedPayload struct {
	AssessmentID string  `json:"assessmentId"`
	Rule         string  `json:"rule"`
	Value        float64 `json:"value"`
	Threshold    float64 `json:"threshold"`
}

func (p ViolationDetectedPayload) Topic() string        { return TopicRulesViolation }
func (p ViolationDetectedPayload) PartitionKey() string { return p.AssessmentID }

type DrawdownCheckedPayload struct {
	AssessmentID string  `json:"assessmentId"`
	Drawdown     float64 `json:"drawdown"`
	Status       string  `json:"status"`
}

func (p DrawdownCheckedPayload) Topic() string        { return TopicRulesDrawdownCheck }
func (p DrawdownCheckedPayload) PartitionKey() string { return p.AssessmentID }

// --- Funded-account events ---

type FundedAccountEventPayload struct {
	FundedAccountID string `json:"fundedAccountId"`
	AssessmentID    string `json:"assessmentId"`
	UserID          string `json:"userId"`
}

type FundedAccountCreatedPayload struct{ FundedAccountEventPayload }

func (p FundedAccountCreatedPayload) Topic() string        { return TopicFundedCreated }
func (p FundedAccountCreatedPayload) PartitionKey() string { return p.FundedAccountID }

type FundedAccountActivatedPayload struct{ FundedAccountEventPayload }

func (p FundedAccountActivatedPayload) Topic() string        { return TopicFundedActivated }
func (p FundedAccountActivatedPayload) PartitionKey() string { return p.FundedAccountID }

// --- Withdrawal events ---

type WithdrawalEventPayload struct {
	WithdrawalID    string  `json:"withdrawalId"`
	FundedAccountID string  `json:"fundedAccountId"`
	Amount          float64 `json:"amount"`
}

type WithdrawalRequestedPayload struct{ WithdrawalEventPayload }

func (p WithdrawalRequestedPayload) Topic() string        { return TopicWithdrawalRequested }
func (p WithdrawalRequestedPayload) PartitionKey() string { return p.FundedAccountID }

type WithdrawalApprovedPayload struct{ WithdrawalEventPayload }

func (p WithdrawalApprovedPayload) Topic() string        { return TopicWithdrawalApproved }
func (p WithdrawalApprovedPayload) PartitionKey() string { return p.FundedAccountID }

type WithdrawalCompletedPayload struct{ WithdrawalEventPayload }

func (p WithdrawalCompletedPayload) Topic() string        { return TopicWithdrawalCompleted }
func (p WithdrawalCompletedPayload) PartitionKey() string { return p.FundedAccountID }

type WithdrawalRejectedPayload struct {
	WithdrawalEventPayload
	Reason string `json:"reason"`
}

func (p WithdrawalRejectedPayload) Topic() string        { return TopicWithdrawalRejected }
func (p WithdrawalRejectedPayload) PartitionKey() string { return p.FundedAccountID }

type WithdrawalFailedPayload struct {
	WithdrawalEventPayload
	Reason string `json:"reason"`
}

func (p WithdrawalFailedPayload) Topic() string        { return TopicWithdrawalFailed }
func (p WithdrawalFailedPayload) PartitionKey() string { return p.FundedAccountID }

// --- Payment events ---

type PurchaseEventPayload struct {
	PurchaseID string `json:"purchaseId"`
	UserID     string `json:"userId"`
}

type PurchaseInitiatedPayload struct{ PurchaseEventPayload }

func (p PurchaseInitiatedPayload) Topic() string        { return TopicPurchaseInitiated }
func (p PurchaseInitiatedPayload) PartitionKey() string { return p.PurchaseID }

type PurchaseCompletedPayload struct{ PurchaseEventPayload }

func (p PurchaseCompletedPayload) Topic() string        { return TopicPurchaseCompleted }
func (p PurchaseCompletedPayload) PartitionKey() string { return p.PurchaseID }

type PurchaseFailedPayload struct{ PurchaseEventPayload }

func (p PurchaseFailedPayload) Topic() string        { return TopicPurchaseFailed }
func (p PurchaseFailedPayload) PartitionKey() string { return p.PurchaseID }

// --- Consumed event: event cancellation ---

// EventCancelledPayload is consumed from events.event-cancelled (spec.md §4.9).
type EventCancelledPayload struct {
	EventID string `json:"eventId"`
	Source  string `json:"source"`
	Status  string `json:"status"`
}

func (p EventCancelledPayload) Topic() string        { return TopicEventCancelled }
func (p EventCancelledPayload) PartitionKey() string { return p.EventID }
