package broker

import (
	"context"
	"fmt"

	"booking-orchestrator/internal/models"
	"booking-orchestrator/internal/util"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing booking lifecycle events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishBookingEvent publishes a lifecycle event keyed by booking
func (ep *EventPublisher) PublishBookingEvent(ctx context.Context, event *models.BookingEvent) error {
	key := fmt.Sprintf("booking-%s", event.BookingID)
	return ep.producer.PublishEvent(ctx, key, event.EventType, event)
}

// EventHandler routes payment gateway events read from Kafka
type EventHandler struct {
	onGatewayEvent func(context.Context, *models.GatewayEvent) error
	logger         *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnGatewayEvent registers a handler for normalized gateway events
func (eh *EventHandler) OnGatewayEvent(handler func(context.Context, *models.GatewayEvent) error) {
	eh.onGatewayEvent = handler
}

// HandleMessage routes messages to the registered handler. Event types the
// orchestrator does not act on are skipped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	logger := util.LoggerFromContext(ctx, eh.logger)
	logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.GatewayEventPaymentSucceeded,
		models.GatewayEventPaymentFailed,
		models.GatewayEventSessionExpired,
		models.GatewayEventSessionCanceled:
		if eh.onGatewayEvent != nil {
			var event models.GatewayEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal gateway event: %w", err)
			}
			return eh.onGatewayEvent(ctx, &event)
		}

	default:
		logger.Info("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
