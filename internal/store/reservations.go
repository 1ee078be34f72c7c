package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"registration-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const reservationColumns = `id, user_id, event_id, section_id, status, payment_status, amount_cents, currency,
	payment_intent_id, latest_charge_id, refunded_cents, receipt_url, gateway_payload, waitlist_position,
	expires_at, confirmed_at, cancelled_at, checked_in_at, attendance_status, created_at, updated_at`

// activeFilter excludes reservations that no longer claim their section.
const activeFilter = `status NOT IN ('cancelled', 'expired')`

func getReservation(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (*models.Reservation, error) {
	var r models.Reservation
	err := sqlx.GetContext(ctx, q, &r, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// FindByKey returns the row for (user, event, section) in any status, or nil.
func (t *sqlTx) FindByKey(ctx context.Context, userID, eventID int64, sectionID string) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations
		WHERE user_id = $1 AND event_id = $2 AND section_id = $3`
	r, err := getReservation(ctx, t.tx, query, userID, eventID, sectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find reservation: %w", err)
	}
	return r, nil
}

// LockActive returns the active row for (user, event, section) under a row lock, or nil.
func (t *sqlTx) LockActive(ctx context.Context, userID, eventID int64, sectionID string) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations
		WHERE user_id = $1 AND event_id = $2 AND section_id = $3 AND ` + activeFilter + `
		FOR UPDATE`
	r, err := getReservation(ctx, t.tx, query, userID, eventID, sectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock reservation: %w", err)
	}
	return r, nil
}

func (t *sqlTx) FindByPaymentIntent(ctx context.Context, paymentIntentID string) ([]models.Reservation, error) {
	rows := []models.Reservation{}
	query := `SELECT ` + reservationColumns + ` FROM reservations
		WHERE payment_intent_id = $1 ORDER BY id FOR UPDATE`
	if err := sqlx.SelectContext(ctx, t.tx, &rows, query, paymentIntentID); err != nil {
		return nil, fmt.Errorf("failed to find reservations by payment intent: %w", err)
	}
	return rows, nil
}

// Insert creates the reservation and fills in its id and timestamps.
func (t *sqlTx) Insert(ctx context.Context, r *models.Reservation) error {
	if r.AttendanceStatus == "" {
		r.AttendanceStatus = models.AttendanceNone
	}
	query := `
		INSERT INTO reservations (user_id, event_id, section_id, status, payment_status, amount_cents, currency,
			payment_intent_id, latest_charge_id, refunded_cents, receipt_url, gateway_payload, confirmed_at, attendance_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`

	err := t.tx.QueryRowxContext(ctx, query,
		r.UserID, r.EventID, r.SectionID, r.Status, r.PaymentStatus, r.AmountCents, r.Currency,
		r.PaymentIntentID, r.LatestChargeID, r.RefundedCents, r.ReceiptURL, r.GatewayPayload, r.ConfirmedAt,
		r.AttendanceStatus,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if isUniqueViolation(err, reservationConstraint) {
		return ErrDuplicateReservation
	}
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

// UpdateStatus persists the mutable lifecycle and payment fields of r.
func (t *sqlTx) UpdateStatus(ctx context.Context, r *models.Reservation) error {
	query := `
		UPDATE reservations
		   SET status = $2, payment_status = $3, amount_cents = $4, currency = $5,
		       payment_intent_id = $6, latest_charge_id = $7, refunded_cents = $8, receipt_url = $9,
		       gateway_payload = $10, confirmed_at = $11, cancelled_at = $12, updated_at = NOW()
		 WHERE id = $1
		RETURNING updated_at`

	err := t.tx.QueryRowxContext(ctx, query,
		r.ID, r.Status, r.PaymentStatus, r.AmountCents, r.Currency,
		r.PaymentIntentID, r.LatestChargeID, r.RefundedCents, r.ReceiptURL,
		r.GatewayPayload, r.ConfirmedAt, r.CancelledAt,
	).Scan(&r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	return nil
}

func (t *sqlTx) Delete(ctx context.Context, id int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM reservations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete reservation: %w", err)
	}
	return nil
}

// SetPaymentStatusByIntent moves every reservation of the intent whose payment
// status is in from to the status to, and reports how many rows changed.
func (t *sqlTx) SetPaymentStatusByIntent(ctx context.Context, paymentIntentID string, to models.PaymentStatus, from []models.PaymentStatus, payload string) (int64, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE reservations
		   SET payment_status = $2, gateway_payload = $3, updated_at = NOW()
		 WHERE payment_intent_id = $1 AND payment_status = ANY($4)`,
		paymentIntentID, to, payload, pq.Array(allowed))
	if err != nil {
		return 0, fmt.Errorf("failed to update payment status: %w", err)
	}
	return res.RowsAffected()
}

// ApplyRefund records a refund on every reservation paid by the charge or,
// when the charge is unknown locally, by its payment intent.
func (t *sqlTx) ApplyRefund(ctx context.Context, refund RefundUpdate) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE reservations
		   SET payment_status = $3, refunded_cents = $4, gateway_payload = $5,
		       latest_charge_id = COALESCE(latest_charge_id, NULLIF($1, '')), updated_at = NOW()
		 WHERE (latest_charge_id = NULLIF($1, '')) OR (payment_intent_id = NULLIF($2, ''))`,
		refund.ChargeID, refund.PaymentIntentID, refund.Status, refund.RefundedCents, refund.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to apply refund: %w", err)
	}
	return res.RowsAffected()
}

// FindActive returns the user's active reservation for a section, or nil.
func (s *Store) FindActive(ctx context.Context, userID, eventID int64, sectionID string) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations
		WHERE user_id = $1 AND event_id = $2 AND section_id = $3 AND ` + activeFilter
	r, err := getReservation(ctx, s.db, query, userID, eventID, sectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find reservation: %w", err)
	}
	return r, nil
}

// ListByUserEvent returns all of a user's reservations for an event.
func (s *Store) ListByUserEvent(ctx context.Context, userID, eventID int64) ([]models.Reservation, error) {
	rows := []models.Reservation{}
	query := `SELECT ` + reservationColumns + ` FROM reservations
		WHERE user_id = $1 AND event_id = $2 ORDER BY id`
	if err := s.db.SelectContext(ctx, &rows, query, userID, eventID); err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	return rows, nil
}

// GetReservation fetches one reservation by id.
func (s *Store) GetReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	r, err := getReservation(ctx, s.db, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	if r == nil {
		return nil, ErrNotFound
	}
	return r, nil
}
