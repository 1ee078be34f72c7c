package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"registration-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const capacityColumns = `event_id, section_id, max_capacity, used_capacity`

func (t *sqlTx) TryReserve(ctx context.Context, eventID int64, sectionID string) (models.Admission, error) {
	var counter models.CapacityCounter
	query := `SELECT ` + capacityColumns + ` FROM capacity WHERE event_id = $1 AND section_id = $2 FOR UPDATE`

	err := sqlx.GetContext(ctx, t.tx, &counter, query, eventID, sectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Admission{Reason: models.AdmissionNotProvisioned}, nil
	}
	if err != nil {
		return models.Admission{}, fmt.Errorf("failed to lock capacity: %w", err)
	}

	if !counter.HasRoom() {
		return models.Admission{Reason: models.AdmissionNoCapacity}, nil
	}

	_, err = t.tx.ExecContext(ctx,
		`UPDATE capacity SET used_capacity = used_capacity + 1, updated_at = NOW()
		 WHERE event_id = $1 AND section_id = $2`, eventID, sectionID)
	if err != nil {
		return models.Admission{}, fmt.Errorf("failed to take capacity: %w", err)
	}
	return models.Admission{OK: true}, nil
}

func (t *sqlTx) Release(ctx context.Context, eventID int64, sectionID string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE capacity SET used_capacity = GREATEST(used_capacity - 1, 0), updated_at = NOW()
		 WHERE event_id = $1 AND section_id = $2`, eventID, sectionID)
	if err != nil {
		return fmt.Errorf("failed to release capacity: %w", err)
	}
	return nil
}

// ListCapacity returns every provisioned counter of an event.
func (s *Store) ListCapacity(ctx context.Context, eventID int64) ([]models.CapacityCounter, error) {
	counters := []models.CapacityCounter{}
	query := `SELECT ` + capacityColumns + ` FROM capacity WHERE event_id = $1 ORDER BY section_id`
	if err := s.db.SelectContext(ctx, &counters, query, eventID); err != nil {
		return nil, fmt.Errorf("failed to list capacity: %w", err)
	}
	return counters, nil
}

// ProvisionCapacity creates the counter or changes its limit. The usage count
// is never touched; a limit below current usage is refused.
func (s *Store) ProvisionCapacity(ctx context.Context, eventID int64, sectionID string, maxCapacity int) (*models.CapacityCounter, error) {
	if maxCapacity < 0 {
		return nil, fmt.Errorf("max capacity must not be negative")
	}

	var counter models.CapacityCounter
	query := `
		INSERT INTO capacity (event_id, section_id, max_capacity, used_capacity)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (event_id, section_id) DO UPDATE
		   SET max_capacity = EXCLUDED.max_capacity, updated_at = NOW()
		 WHERE EXCLUDED.max_capacity = 0 OR EXCLUDED.max_capacity >= capacity.used_capacity
		RETURNING ` + capacityColumns

	err := s.db.GetContext(ctx, &counter, query, eventID, sectionID, maxCapacity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCapacityBelowUsage
	}
	if err != nil {
		return nil, fmt.Errorf("failed to provision capacity: %w", err)
	}
	return &counter, nil
}
