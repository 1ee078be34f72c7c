package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"registration-service/internal/models"
	"registration-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishReservationEvent publishes a reservation change keyed by catalog
// event, so changes to one event stay ordered on a single partition.
func (ep *EventPublisher) PublishReservationEvent(ctx context.Context, event *models.ReservationEvent) error {
	key := fmt.Sprintf("event-%d", event.CatalogEvent)
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onReservation func(context.Context, *models.ReservationEvent) error
	logger        *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger().With(zap.String("component", "event_handler"))}
}

// OnReservationEvent registers a handler for every reservation event type
func (eh *EventHandler) OnReservationEvent(handler func(context.Context, *models.ReservationEvent) error) {
	eh.onReservation = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeReservationCreated,
		models.EventTypeReservationConfirmed,
		models.EventTypeReservationCancelled,
		models.EventTypePaymentStatusChanged:
		if eh.onReservation != nil {
			var event models.ReservationEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal %s event: %w", baseEvent.EventType, err)
			}
			return eh.onReservation(ctx, &event)
		}

	default:
		eh.logger.Info("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
