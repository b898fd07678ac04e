package fanout

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vaticlabs/vatic/internal/eventbus"
)

func newTestRouter(t *testing.T, nodeID string, ring *Ring) *Router {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	return NewRouter(hub, ring, nodeID, zerolog.Nop())
}

func envelope(t *testing.T, topic string, payload any) eventbus.RawEnvelope {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return eventbus.RawEnvelope{Type: topic, Payload: body}
}

func TestRouter_Handle_OwnedAssessment(t *testing.T) {
	ring := NewRing()
	ring.Join("node-1")
	r := newTestRouter(t, "node-1", ring)

	env := envelope(t, eventbus.TopicOrderFilled, eventbus.OrderFilledPayload{
		AssessmentID: "a-1", OrderID: "o-1", PositionID: "p-1", ExecutionPrice: 100, Balance: 900,
	})
	require.NoError(t, r.Handle(context.Background(), env))
}

func TestRouter_Handle_NotOwned_NoError(t *testing.T) {
	ring := NewRing()
	ring.Join("node-1")
	ring.Join("node-2")
	r := newTestRouter(t, "node-1", ring)

	// find an assessment id this node does not own
	var assessmentID string
	for i := 0; i < 1000; i++ {
		candidate := "assessment-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		if owner, ok := ring.NodeFor(candidate); ok && owner != "node-1" {
			assessmentID = candidate
			break
		}
	}
	require.NotEmpty(t, assessmentID)

	env := envelope(t, eventbus.TopicRulesViolation, eventbus.ViolationDetectedPayload{
		AssessmentID: assessmentID, Rule: "drawdown", Value: 0.2, Threshold: 0.1,
	})
	require.NoError(t, r.Handle(context.Background(), env))
}

func TestRouter_Handle_MarketTick_BroadcastsToAll(t *testing.T) {
	ring := NewRing()
	r := newTestRouter(t, "node-1", ring)

	env := envelope(t, "market-data.crypto-ticks", marketTick{Market: "crypto:btc-usd", Price: 65000})
	require.NoError(t, r.Handle(context.Background(), env))
}

func TestRouter_Handle_AssessmentLifecycle(t *testing.T) {
	ring := NewRing()
	r := newTestRouter(t, "node-1", ring)

	env := envelope(t, eventbus.TopicAssessmentStarted, eventbus.AssessmentStartedPayload{
		AssessmentLifecyclePayload: eventbus.AssessmentLifecyclePayload{AssessmentID: "a-1", UserID: "u-1", Status: "active"},
	})
	require.NoError(t, r.Handle(context.Background(), env))
}

func TestRouter_Handle_UnknownTopic_NoOp(t *testing.T) {
	ring := NewRing()
	r := newTestRouter(t, "node-1", ring)
	env := eventbus.RawEnvelope{Type: "unhandled.topic", Payload: json.RawMessage(`{}`)}
	require.NoError(t, r.Handle(context.Background(), env))
}

func TestRouter_Owns_EmptyRingRoutesEverywhere(t *testing.T) {
	ring := NewRing()
	r := newTestRouter(t, "node-1", ring)
	require.True(t, r.owns("any-assessment"))
}
