package service

import (
	"context"
	"time"

	"registration-service/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func newReservationEvent(eventType string, r *models.Reservation, at time.Time) *models.ReservationEvent {
	ev := &models.ReservationEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: at,
		},
		ReservationID: r.ID,
		UserID:        r.UserID,
		CatalogEvent:  r.EventID,
		SectionID:     r.SectionID,
		Status:        r.Status,
		PaymentStatus: r.PaymentStatus,
	}
	if r.AmountCents != nil {
		ev.AmountCents = *r.AmountCents
	}
	if r.Currency != nil {
		ev.Currency = *r.Currency
	}
	return ev
}

// publishAll sends events after commit. Failures are logged and dropped.
func publishAll(ctx context.Context, publisher EventPublisher, logger *zap.Logger, events []*models.ReservationEvent) {
	for _, ev := range events {
		if err := publisher.PublishReservationEvent(ctx, ev); err != nil {
			logger.Error("Failed to publish reservation event",
				zap.String("event_type", ev.EventType),
				zap.Int64("reservation_id", ev.ReservationID),
				zap.Error(err))
		}
	}
}
