package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"registration-service/internal/models"
	"registration-service/internal/util"
)

type eventRow struct {
	ID       int64     `db:"id"`
	Name     string    `db:"name"`
	Date     time.Time `db:"date"`
	Sections []byte    `db:"sections_json"`
	Rules    []byte    `db:"rules_json"`
}

// GetEvent loads a catalog event and decodes its sections and rules.
func (s *Store) GetEvent(ctx context.Context, eventID int64) (*models.Event, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, name, date, sections_json, rules_json FROM events WHERE id = $1`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return DecodeEvent(row.ID, row.Name, row.Date, row.Sections, row.Rules)
}

// DecodeEvent builds an Event from its stored JSON columns and validates it.
func DecodeEvent(id int64, name string, date time.Time, sectionsJSON, rulesJSON []byte) (*models.Event, error) {
	ev := &models.Event{ID: id, Name: name, Date: date}
	if len(sectionsJSON) > 0 {
		if err := json.Unmarshal(sectionsJSON, &ev.Sections); err != nil {
			return nil, fmt.Errorf("event %d: invalid sections: %w", id, err)
		}
	}
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &ev.Rules); err != nil {
			return nil, fmt.Errorf("event %d: invalid rules: %w", id, err)
		}
	}
	if err := ValidateEvent(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// ValidateEvent checks section and rule definitions of a catalog event.
func ValidateEvent(ev *models.Event) error {
	seen := make(map[string]bool, len(ev.Sections))
	for i := range ev.Sections {
		if errs := util.ValidateStruct(ev.Sections[i]); errs != nil {
			return fmt.Errorf("event %d: section %d: %s", ev.ID, i, util.FormatValidationErrors(errs))
		}
		if seen[ev.Sections[i].ID] {
			return fmt.Errorf("event %d: duplicate section %q", ev.ID, ev.Sections[i].ID)
		}
		seen[ev.Sections[i].ID] = true
	}
	for i := range ev.Rules {
		if errs := util.ValidateStruct(ev.Rules[i]); errs != nil {
			return fmt.Errorf("event %d: rule %d: %s", ev.ID, i, util.FormatValidationErrors(errs))
		}
	}
	return nil
}

// SaveEvent inserts or replaces a catalog event and provisions a capacity
// counter for every section that has none, sized from Section.Capacity.
// Existing counters keep their limit and usage.
func (s *Store) SaveEvent(ctx context.Context, ev *models.Event) error {
	if err := ValidateEvent(ev); err != nil {
		return err
	}
	sections, err := json.Marshal(ev.Sections)
	if err != nil {
		return err
	}
	rules, err := json.Marshal(ev.Rules)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, name, date, sections_json, rules_json)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		   SET name = EXCLUDED.name, date = EXCLUDED.date,
		       sections_json = EXCLUDED.sections_json, rules_json = EXCLUDED.rules_json`,
		ev.ID, ev.Name, ev.Date, string(sections), string(rules))
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}

	for _, section := range ev.Sections {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO capacity (event_id, section_id, max_capacity, used_capacity)
			VALUES ($1, $2, $3, 0)
			ON CONFLICT (event_id, section_id) DO NOTHING`,
			ev.ID, section.ID, section.Capacity)
		if err != nil {
			return fmt.Errorf("failed to provision section %s: %w", section.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
