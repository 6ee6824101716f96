package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/portalbatch/internal/interfaces"
)

// AllEventTypes lists every event the batch processor publishes
var AllEventTypes = []interfaces.EventType{
	interfaces.EventRunStarted,
	interfaces.EventItemStarted,
	interfaces.EventStepCompleted,
	interfaces.EventItemCompleted,
	interfaces.EventRunCompleted,
}

// NewLoggerSubscriber creates an event handler that logs all events
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		logEvent := logger.Debug().
			Str("event_type", string(event.Type))

		if payload, ok := event.Payload.(map[string]interface{}); ok {
			for _, key := range []string{"run_id", "identifier", "step"} {
				if value, ok := payload[key].(string); ok && value != "" {
					logEvent = logEvent.Str(key, value)
				}
			}
		}

		logEvent.Msg("Event published")
		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	for _, eventType := range AllEventTypes {
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	return nil
}
