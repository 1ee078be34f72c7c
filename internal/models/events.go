package models

import "time"

// Event types
const (
	EventTypeReservationCreated   = "RESERVATION_CREATED"
	EventTypeReservationConfirmed = "RESERVATION_CONFIRMED"
	EventTypeReservationCancelled = "RESERVATION_CANCELLED"
	EventTypePaymentStatusChanged = "PAYMENT_STATUS_CHANGED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// ReservationEvent is published after a reservation change has been committed.
type ReservationEvent struct {
	BaseEvent
	ReservationID int64             `json:"reservation_id"`
	UserID        int64             `json:"user_id"`
	CatalogEvent  int64             `json:"catalog_event_id"`
	SectionID     string            `json:"section_id"`
	Status        ReservationStatus `json:"status"`
	PaymentStatus PaymentStatus     `json:"payment_status"`
	AmountCents   int64             `json:"amount_cents,omitempty"`
	Currency      string            `json:"currency,omitempty"`
}

// WebhookEventStatus is the processing state of a gateway webhook delivery.
type WebhookEventStatus string

// Webhook event statuses
const (
	WebhookEventReceived  WebhookEventStatus = "received"
	WebhookEventProcessed WebhookEventStatus = "processed"
	WebhookEventSkipped   WebhookEventStatus = "skipped"
	WebhookEventFailed    WebhookEventStatus = "failed"
)

// Done reports whether side effects for the event have already run to completion.
func (s WebhookEventStatus) Done() bool {
	return s == WebhookEventProcessed || s == WebhookEventSkipped
}

// ProcessedWebhookEvent is the idempotency record for one gateway event id.
type ProcessedWebhookEvent struct {
	ID               int64              `db:"id" json:"id"`
	EventID          string             `db:"event_id" json:"event_id"`
	Type             string             `db:"type" json:"type"`
	GatewayCreatedAt *time.Time         `db:"gateway_created_at" json:"gateway_created_at,omitempty"`
	ReceivedAt       time.Time          `db:"received_at" json:"received_at"`
	ProcessedAt      *time.Time         `db:"processed_at" json:"processed_at,omitempty"`
	Status           WebhookEventStatus `db:"status" json:"status"`
	HTTPStatusSent   *int               `db:"http_status_sent" json:"http_status_sent,omitempty"`
	Attempts         int                `db:"attempts" json:"attempts"`
	LastError        *string            `db:"last_error" json:"last_error,omitempty"`
	Payload          string             `db:"payload" json:"-"`
}
