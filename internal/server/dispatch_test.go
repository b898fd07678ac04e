package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaticlabs/vatic/internal/eventbus"
)

func TestCoreTopics_EventCancelledAndAssessmentCompleted(t *testing.T) {
	assert.Equal(t, []string{eventbus.TopicEventCancelled, eventbus.TopicAssessmentCompleted}, CoreTopics())
}

func TestCoreDispatcher_IgnoresOtherTopics(t *testing.T) {
	// A nil cancellation.Handler/funded.Service would panic if either were
	// reached, so this also pins down that non-matching topics never
	// dispatch to either saga.
	dispatch := NewCoreDispatcher(nil, nil, testLogger())

	err := dispatch(context.Background(), eventbus.RawEnvelope{Type: "some.other.topic", Payload: []byte(`{}`)})
	require.NoError(t, err)
}

func TestCoreDispatcher_DropsMalformedEventCancelledPayload(t *testing.T) {
	dispatch := NewCoreDispatcher(nil, nil, testLogger())

	err := dispatch(context.Background(), eventbus.RawEnvelope{
		Type:    eventbus.TopicEventCancelled,
		Payload: []byte(`not json`),
	})
	require.NoError(t, err)
}

func TestCoreDispatcher_IgnoresNonPassedAssessmentCompleted(t *testing.T) {
	// A nil funded.Service would panic if Activate were reached, so this
	// also pins down that only status=passed reaches the activation saga.
	dispatch := NewCoreDispatcher(nil, nil, testLogger())

	err := dispatch(context.Background(), eventbus.RawEnvelope{
		Type:    eventbus.TopicAssessmentCompleted,
		Payload: []byte(`{"assessmentId":"a-1","status":"abandoned"}`),
	})
	require.NoError(t, err)
}

func TestCoreDispatcher_DropsMalformedAssessmentCompletedPayload(t *testing.T) {
	dispatch := NewCoreDispatcher(nil, nil, testLogger())

	err := dispatch(context.Background(), eventbus.RawEnvelope{
		Type:    eventbus.TopicAssessmentCompleted,
		Payload: []byte(`not json`),
	})
	require.NoError(t, err)
}
