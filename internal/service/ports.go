package service

import (
	"context"
	"time"

	"registration-service/internal/gateway"
	"registration-service/internal/models"
	"registration-service/internal/store"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID  int64
	Email   string
	Enabled bool
	IsAdmin bool
}

// IdentityFromUser builds the request identity from a directory entry.
func IdentityFromUser(u *models.User) Identity {
	return Identity{UserID: u.ID, Email: u.Email, Enabled: u.IsEnabled, IsAdmin: u.IsAdmin}
}

// ReservationStore is the Capacity Ledger and Reservation Store. Calls made
// inside WithTx must go through the Tx handle only.
type ReservationStore interface {
	WithTx(ctx context.Context, fn func(store.Tx) error) error
	FindActive(ctx context.Context, userID, eventID int64, sectionID string) (*models.Reservation, error)
	ListByUserEvent(ctx context.Context, userID, eventID int64) ([]models.Reservation, error)
	ListCapacity(ctx context.Context, eventID int64) ([]models.CapacityCounter, error)
	ProvisionCapacity(ctx context.Context, eventID int64, sectionID string, maxCapacity int) (*models.CapacityCounter, error)
}

// WebhookEventStore persists the idempotency record of gateway events.
type WebhookEventStore interface {
	RegisterOrTouch(ctx context.Context, eventID, eventType string, gatewayCreatedAt *time.Time, payload string) (*models.ProcessedWebhookEvent, bool, error)
	MarkProcessed(ctx context.Context, eventID string, httpStatus int) error
	MarkSkipped(ctx context.Context, eventID string, httpStatus int) error
	MarkFailed(ctx context.Context, eventID string, httpStatus int, lastError string) error
	GetWebhookEvent(ctx context.Context, eventID string) (*models.ProcessedWebhookEvent, error)
	ListWebhookEvents(ctx context.Context, status models.WebhookEventStatus, limit int) ([]models.ProcessedWebhookEvent, error)
}

type Catalog interface {
	GetEvent(ctx context.Context, eventID int64) (*models.Event, error)
}

type UserDirectory interface {
	GetUser(ctx context.Context, userID int64) (*models.User, error)
}

// AvailabilityCache holds short-lived capacity snapshots per event.
type AvailabilityCache interface {
	GetAvailability(ctx context.Context, eventID int64) ([]models.CapacityCounter, bool)
	SetAvailability(ctx context.Context, eventID int64, counters []models.CapacityCounter, ttl time.Duration)
	InvalidateAvailability(ctx context.Context, eventID int64)
}

// CheckoutCache remembers created sessions by session key.
type CheckoutCache interface {
	GetCheckoutSession(ctx context.Context, key string) (*gateway.Session, bool)
	SetCheckoutSession(ctx context.Context, key string, sess *gateway.Session, ttl time.Duration)
}

type EventPublisher interface {
	PublishReservationEvent(ctx context.Context, event *models.ReservationEvent) error
}

type CheckoutGateway interface {
	CreateCheckoutSession(ctx context.Context, req gateway.CheckoutRequest) (*gateway.Session, error)
	SessionKey(req gateway.CheckoutRequest) string
}

type EventVerifier interface {
	VerifyEvent(payload []byte, signatureHeader string) (*gateway.Event, error)
}

// NoopCache satisfies both cache ports without storing anything.
type NoopCache struct{}

func (NoopCache) GetAvailability(context.Context, int64) ([]models.CapacityCounter, bool) {
	return nil, false
}
func (NoopCache) SetAvailability(context.Context, int64, []models.CapacityCounter, time.Duration) {}
func (NoopCache) InvalidateAvailability(context.Context, int64)                                   {}
func (NoopCache) GetCheckoutSession(context.Context, string) (*gateway.Session, bool) {
	return nil, false
}
func (NoopCache) SetCheckoutSession(context.Context, string, *gateway.Session, time.Duration) {}

// NoopPublisher drops domain events.
type NoopPublisher struct{}

func (NoopPublisher) PublishReservationEvent(context.Context, *models.ReservationEvent) error {
	return nil
}
