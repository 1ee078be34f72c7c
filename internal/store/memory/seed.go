package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"registration-service/internal/models"
)

// Seed is the content of a seed file: catalog events and directory users.
type Seed struct {
	Users  []models.User  `json:"users"`
	Events []models.Event `json:"events"`
}

// LoadSeedFile reads a JSON seed file and saves its users and events. Event
// sections are provisioned as SaveEvent does.
func (s *Store) LoadSeedFile(ctx context.Context, path string) (*Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("failed to decode seed file: %w", err)
	}

	for i := range seed.Users {
		if err := s.SaveUser(ctx, &seed.Users[i]); err != nil {
			return nil, err
		}
	}
	for i := range seed.Events {
		if err := s.SaveEvent(ctx, &seed.Events[i]); err != nil {
			return nil, fmt.Errorf("seed event %d: %w", seed.Events[i].ID, err)
		}
	}
	return &seed, nil
}
