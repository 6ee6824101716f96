package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/portalbatch/internal/interfaces"
)

func TestNewLoggerSubscriber(t *testing.T) {
	subscriber := NewLoggerSubscriber(arbor.NewLogger())
	ctx := context.Background()

	assert.NoError(t, subscriber(ctx, interfaces.Event{
		Type: interfaces.EventItemCompleted,
		Payload: map[string]interface{}{
			"run_id":     "run_1",
			"identifier": "2877412",
		},
	}))
	assert.NoError(t, subscriber(ctx, interfaces.Event{Type: interfaces.EventRunStarted}))
}

func TestSubscribeLoggerToAllEvents(t *testing.T) {
	service := NewService(arbor.NewLogger())
	defer service.Close()

	require.NoError(t, SubscribeLoggerToAllEvents(service, arbor.NewLogger()))
	for _, eventType := range AllEventTypes {
		assert.NoError(t, service.PublishSync(context.Background(), interfaces.Event{Type: eventType}))
	}
}

func TestService_PublishSyncWaitsForHandlers(t *testing.T) {
	service := NewService(arbor.NewLogger())
	var calls atomic.Int32

	handler := func(ctx context.Context, event interfaces.Event) error {
		calls.Add(1)
		return nil
	}
	require.NoError(t, service.Subscribe(interfaces.EventRunStarted, handler))
	require.NoError(t, service.Subscribe(interfaces.EventRunStarted, handler))

	require.NoError(t, service.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventRunStarted}))
	assert.Equal(t, int32(2), calls.Load())

	// other event types are not delivered
	require.NoError(t, service.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventRunCompleted}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestService_PublishSyncReportsFailures(t *testing.T) {
	service := NewService(arbor.NewLogger())

	require.NoError(t, service.Subscribe(interfaces.EventItemStarted, func(ctx context.Context, event interfaces.Event) error {
		return errors.New("socket closed")
	}))
	require.NoError(t, service.Subscribe(interfaces.EventItemStarted, func(ctx context.Context, event interfaces.Event) error {
		panic("boom")
	}))

	err := service.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventItemStarted})
	assert.EqualError(t, err, "event handlers failed: 2 errors")
}

func TestService_Unsubscribe(t *testing.T) {
	service := NewService(arbor.NewLogger())
	var first, second atomic.Int32

	firstHandler := func(ctx context.Context, event interfaces.Event) error { first.Add(1); return nil }
	secondHandler := func(ctx context.Context, event interfaces.Event) error { second.Add(1); return nil }
	require.NoError(t, service.Subscribe(interfaces.EventStepCompleted, firstHandler))
	require.NoError(t, service.Subscribe(interfaces.EventStepCompleted, secondHandler))

	require.NoError(t, service.Unsubscribe(interfaces.EventStepCompleted, firstHandler))
	require.NoError(t, service.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventStepCompleted}))

	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
	assert.Error(t, service.Unsubscribe(interfaces.EventStepCompleted, firstHandler))
	assert.Error(t, service.Subscribe(interfaces.EventStepCompleted, nil))
}
