// Package cancellation implements the event-cancellation handler of
// spec.md §4.9: refund computation and position cancellation when an
// underlying market event is voided.
package cancellation

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vaticlabs/vatic/internal/cache"
	"github.com/vaticlabs/vatic/internal/domain"
	"github.com/vaticlabs/vatic/internal/eventbus"
	"github.com/vaticlabs/vatic/internal/saga"
	"github.com/vaticlabs/vatic/internal/state"
)

// Handler processes `events.event-cancelled` messages.
type Handler struct {
	store    *state.Store
	producer *eventbus.Producer
	locks    *saga.KeyLocks
	feeRate  float64
	log      zerolog.Logger
}

// New constructs a Handler. feeRate is the prediction-market fee rate used
// in the refund formula (spec.md §4.9: "entry × quantity × feeRate").
func New(store *state.Store, producer *eventbus.Producer, locks *saga.KeyLocks, feeRate float64, log zerolog.Logger) *Handler {
	return &Handler{store: store, producer: producer, locks: locks, feeRate: feeRate, log: log.With().Str("component", "cancellation").Logger()}
}

// marketAliases returns the market identifiers a cancelled event id can
// appear under in a position (spec.md §4.9: "eventId, polymarket:eventId,
// or kalshi:eventId").
func marketAliases(eventID string) []string {
	return []string{eventID, "polymarket:" + eventID, "kalshi:" + eventID}
}

// Handle conservatively scans every live assessment snapshot for positions
// matching eventID and refunds them.
func (h *Handler) Handle(ctx context.Context, eventID, correlationID string) error {
	aliases := marketAliases(eventID)

	keys, err := h.store.ScanKeys(ctx, cache.AssessmentStatePattern)
	if err != nil {
		return err
	}

	for _, key := range keys {
		assessmentID := assessmentIDFromStateKey(key)
		if assessmentID == "" {
			continue
		}
		h.processAssessment(ctx, assessmentID, aliases, correlationID)
	}
	return nil
}

func (h *Handler) processAssessment(ctx context.Context, assessmentID string, aliases []string, correlationID string) {
	_ = h.locks.With(assessmentID, func() error {
		stateKey := cache.AssessmentStateKey(assessmentID)
		snap, ok, err := h.store.Get(ctx, stateKey)
		if err != nil || !ok {
			return nil
		}

		var totalRefund float64
		var refunded []state.PositionView
		changed := false

		for i, p := range snap.Positions {
			if p.Status != domain.PositionOpen {
				continue
			}
			if !matches(p.Market, aliases) {
				continue
			}
			refund := p.EntryPrice*p.Quantity + p.EntryPrice*p.Quantity*h.feeRate
			totalRefund += refund
			snap.Positions[i].Status = domain.PositionCancelled
			refunded = append(refunded, p)
			changed = true
		}

		if !changed {
			return nil // idempotent re-delivery: nothing left to refund
		}

		snap.CurrentBalance += totalRefund
		snap.UnrealizedPnl = sumUnrealized(snap)

		if err := h.store.Set(ctx, stateKey, snap); err != nil {
			h.log.Error().Err(err).Str("assessment_id", assessmentID).Msg("cancellation snapshot write failed")
			return nil
		}

		for _, p := range refunded {
			refund := p.EntryPrice*p.Quantity + p.EntryPrice*p.Quantity*h.feeRate
			h.publish(eventbus.PositionRefundedPayload{
				AssessmentID: assessmentID, PositionID: p.ID, Refund: refund, EventID: aliases[0],
			}, correlationID)
		}
		return nil
	})
}

func matches(market string, aliases []string) bool {
	for _, a := range aliases {
		if market == a {
			return true
		}
	}
	return false
}

func sumUnrealized(snap state.Snapshot) float64 {
	var sum float64
	for _, p := range snap.ActivePositions() {
		sum += p.UnrealizedPnl
	}
	return sum
}

func (h *Handler) publish(event eventbus.Event, correlationID string) {
	if err := h.producer.Publish(event, correlationID); err != nil {
		h.log.Error().Err(err).Str("topic", event.Topic()).Msg("event publish failed")
	}
}

func assessmentIDFromStateKey(key string) string {
	const prefix, suffix = "assessment:", ":state"
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return ""
	}
	return key[len(prefix) : len(key)-len(suffix)]
}
