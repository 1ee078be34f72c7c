package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"registration-service/internal/models"
)

const webhookEventColumns = `id, event_id, type, gateway_created_at, received_at, processed_at, status,
	http_status_sent, attempts, last_error, payload`

// RegisterOrTouch records a delivery of a gateway event. The first delivery
// inserts a received row; a redelivery bumps attempts and refreshes the payload
// and received time. isNew reports which of the two happened.
func (s *Store) RegisterOrTouch(ctx context.Context, eventID, eventType string, gatewayCreatedAt *time.Time, payload string) (*models.ProcessedWebhookEvent, bool, error) {
	var row struct {
		models.ProcessedWebhookEvent
		Inserted bool `db:"inserted"`
	}
	query := `
		INSERT INTO webhook_events (event_id, type, gateway_created_at, received_at, status, attempts, payload)
		VALUES ($1, $2, $3, NOW(), 'received', 1, $4)
		ON CONFLICT (event_id) DO UPDATE
		   SET attempts = webhook_events.attempts + 1,
		       payload = EXCLUDED.payload,
		       received_at = EXCLUDED.received_at
		RETURNING ` + webhookEventColumns + `, (xmax = 0) AS inserted`

	if err := s.db.GetContext(ctx, &row, query, eventID, eventType, gatewayCreatedAt, payload); err != nil {
		return nil, false, fmt.Errorf("failed to register webhook event: %w", err)
	}
	return &row.ProcessedWebhookEvent, row.Inserted, nil
}

func (s *Store) MarkProcessed(ctx context.Context, eventID string, httpStatus int) error {
	return s.markWebhookEvent(ctx, eventID, models.WebhookEventProcessed, httpStatus, nil)
}

func (s *Store) MarkSkipped(ctx context.Context, eventID string, httpStatus int) error {
	return s.markWebhookEvent(ctx, eventID, models.WebhookEventSkipped, httpStatus, nil)
}

func (s *Store) MarkFailed(ctx context.Context, eventID string, httpStatus int, lastError string) error {
	return s.markWebhookEvent(ctx, eventID, models.WebhookEventFailed, httpStatus, &lastError)
}

func (s *Store) markWebhookEvent(ctx context.Context, eventID string, status models.WebhookEventStatus, httpStatus int, lastError *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		   SET status = $2, processed_at = NOW(), http_status_sent = $3, last_error = $4
		 WHERE event_id = $1`, eventID, status, httpStatus, lastError)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event %s: %w", status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetWebhookEvent fetches the record of one gateway event.
func (s *Store) GetWebhookEvent(ctx context.Context, eventID string) (*models.ProcessedWebhookEvent, error) {
	var ev models.ProcessedWebhookEvent
	query := `SELECT ` + webhookEventColumns + ` FROM webhook_events WHERE event_id = $1`
	err := s.db.GetContext(ctx, &ev, query, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return &ev, nil
}

// ListWebhookEvents returns the most recently received events, optionally
// filtered by status.
func (s *Store) ListWebhookEvents(ctx context.Context, status models.WebhookEventStatus, limit int) ([]models.ProcessedWebhookEvent, error) {
	events := []models.ProcessedWebhookEvent{}
	query := `SELECT ` + webhookEventColumns + ` FROM webhook_events
		WHERE ($1 = '' OR status = $1) ORDER BY received_at DESC LIMIT $2`
	if err := s.db.SelectContext(ctx, &events, query, string(status), limit); err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	return events, nil
}
