package fanout

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vaticlabs/vatic/internal/eventbus"
)

// Router consumes the event bus and turns envelopes into the typed
// server→client frames of spec.md §6, broadcasting only for assessments
// this node owns on the ring (spec.md §4.12: non-owning nodes drop the
// message).
type Router struct {
	hub    *Hub
	ring   *Ring
	nodeID string
	log    zerolog.Logger
}

// NewRouter constructs a Router.
func NewRouter(hub *Hub, ring *Ring, nodeID string, log zerolog.Logger) *Router {
	return &Router{hub: hub, ring: ring, nodeID: nodeID, log: log.With().Str("component", "fanout_router").Logger()}
}

// Topics lists every topic the fan-out service must subscribe to.
func Topics() []string {
	return []string{
		eventbus.TopicMarketDataTicks,
		eventbus.TopicOrderFilled,
		eventbus.TopicPositionOpened,
		eventbus.TopicPositionClosed,
		eventbus.TopicAssessmentBalanceUpdated,
		eventbus.TopicAssessmentPnlUpdated,
		eventbus.TopicAssessmentCreated,
		eventbus.TopicAssessmentStarted,
		eventbus.TopicAssessmentPaused,
		eventbus.TopicAssessmentResumed,
		eventbus.TopicAssessmentAbandoned,
		eventbus.TopicAssessmentCompleted,
		eventbus.TopicRulesViolation,
		eventbus.TopicRulesDrawdownCheck,
	}
}

// marketTick is the shape published by the external market-data ingestion
// pipeline (spec.md §1 non-goals) onto `market-data.*-ticks`.
type marketTick struct {
	Market string  `json:"market"`
	Price  float64 `json:"price"`
}

// Handle implements eventbus.Handler, dispatched by topic prefix.
func (r *Router) Handle(ctx context.Context, env eventbus.RawEnvelope) error {
	switch {
	case strings.HasPrefix(env.Type, "market-data."):
		return r.handleMarketTick(ctx, env)
	case env.Type == eventbus.TopicOrderFilled:
		return r.handleOrderFilled(ctx, env)
	case env.Type == eventbus.TopicAssessmentBalanceUpdated || env.Type == eventbus.TopicAssessmentPnlUpdated:
		return r.handleBalanceUpdate(ctx, env)
	case env.Type == eventbus.TopicPositionOpened || env.Type == eventbus.TopicPositionClosed:
		return r.handlePositionEvent(ctx, env)
	case isAssessmentLifecycle(env.Type):
		return r.handleAssessmentLifecycle(ctx, env)
	case env.Type == eventbus.TopicRulesViolation:
		return r.handleViolation(ctx, env)
	case env.Type == eventbus.TopicRulesDrawdownCheck:
		return r.handleDrawdownCheck(ctx, env)
	default:
		return nil
	}
}

func isAssessmentLifecycle(topic string) bool {
	switch topic {
	case eventbus.TopicAssessmentCreated, eventbus.TopicAssessmentStarted, eventbus.TopicAssessmentPaused,
		eventbus.TopicAssessmentResumed, eventbus.TopicAssessmentAbandoned, eventbus.TopicAssessmentCompleted:
		return true
	default:
		return false
	}
}

func (r *Router) handleMarketTick(ctx context.Context, env eventbus.RawEnvelope) error {
	var tick marketTick
	if err := json.Unmarshal(env.Payload, &tick); err != nil {
		return err
	}
	r.hub.BroadcastAll(ctx, map[string]any{"type": "market_price", "market": tick.Market, "price": tick.Price})
	return nil
}

func (r *Router) handleOrderFilled(ctx context.Context, env eventbus.RawEnvelope) error {
	var p eventbus.OrderFilledPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	if !r.owns(p.AssessmentID) {
		return nil
	}
	r.hub.BroadcastAssessment(ctx, p.AssessmentID, map[string]any{
		"type": "pnl_update", "assessmentId": p.AssessmentID, "positionId": p.PositionID, "balance": p.Balance,
	})
	return nil
}

// handleBalanceUpdate relays both halves of the balance/pnl-updated topic
// pair (spec.md §4.11) as the same `pnl_update` frame the order-filled
// handler sends.
func (r *Router) handleBalanceUpdate(ctx context.Context, env eventbus.RawEnvelope) error {
	var p eventbus.BalanceUpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	if !r.owns(p.AssessmentID) {
		return nil
	}
	r.hub.BroadcastAssessment(ctx, p.AssessmentID, map[string]any{
		"type": "pnl_update", "assessmentId": p.AssessmentID, "balance": p.Balance,
		"realizedPnl": p.RealizedPnl, "unrealizedPnl": p.UnrealizedPnl,
	})
	return nil
}

func (r *Router) handlePositionEvent(ctx context.Context, env eventbus.RawEnvelope) error {
	var assessmentID string
	switch env.Type {
	case eventbus.TopicPositionOpened:
		var p eventbus.PositionOpenedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		assessmentID = p.AssessmentID
		if !r.owns(assessmentID) {
			return nil
		}
		r.hub.BroadcastAssessment(ctx, assessmentID, map[string]any{
			"type": "position_update", "assessmentId": assessmentID, "positionId": p.PositionID,
			"market": p.Market, "side": p.Side, "quantity": p.Quantity, "entryPrice": p.EntryPrice, "status": "opened",
		})
	case eventbus.TopicPositionClosed:
		var p eventbus.PositionClosedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		assessmentID = p.AssessmentID
		if !r.owns(assessmentID) {
			return nil
		}
		r.hub.BroadcastAssessment(ctx, assessmentID, map[string]any{
			"type": "position_update", "assessmentId": assessmentID, "positionId": p.PositionID,
			"exitPrice": p.ExitPrice, "realizedPnl": p.RealizedPnl, "status": "closed",
		})
	}
	return nil
}

func (r *Router) handleAssessmentLifecycle(ctx context.Context, env eventbus.RawEnvelope) error {
	var p eventbus.AssessmentLifecyclePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	if !r.owns(p.AssessmentID) {
		return nil
	}
	r.hub.BroadcastAssessment(ctx, p.AssessmentID, map[string]any{
		"type": "assessment_update", "assessmentId": p.AssessmentID, "status": p.Status,
	})
	return nil
}

func (r *Router) handleViolation(ctx context.Context, env eventbus.RawEnvelope) error {
	var p eventbus.ViolationDetectedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	if !r.owns(p.AssessmentID) {
		return nil
	}
	r.hub.BroadcastAssessment(ctx, p.AssessmentID, map[string]any{
		"type": "violation", "assessmentId": p.AssessmentID, "rule": p.Rule, "value": p.Value, "threshold": p.Threshold,
	})
	return nil
}

func (r *Router) handleDrawdownCheck(ctx context.Context, env eventbus.RawEnvelope) error {
	var p eventbus.DrawdownCheckedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	if !r.owns(p.AssessmentID) {
		return nil
	}
	r.hub.BroadcastAssessment(ctx, p.AssessmentID, map[string]any{
		"type": "rule_status", "assessmentId": p.AssessmentID, "drawdown": p.Drawdown, "status": p.Status,
	})
	return nil
}

// owns reports whether this node is the ring owner of assessmentID. A
// ring with no members (not yet joined, or a single-node deployment)
// routes everywhere.
func (r *Router) owns(assessmentID string) bool {
	owner, ok := r.ring.NodeFor(assessmentID)
	return !ok || owner == r.nodeID
}
