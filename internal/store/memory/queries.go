package memory

import (
	"context"
	"sort"
	"time"

	"registration-service/internal/models"
	"registration-service/internal/store"
)

func (s *Store) FindActive(ctx context.Context, userID, eventID int64, sectionID string) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).LockActive(ctx, userID, eventID, sectionID)
}

func (s *Store) ListByUserEvent(ctx context.Context, userID, eventID int64) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := []models.Reservation{}
	for _, r := range s.data.reservations {
		if r.UserID == userID && r.EventID == eventID {
			rows = append(rows, r)
		}
	}
	sortByID(rows)
	return rows, nil
}

func (s *Store) GetReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data.reservations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (s *Store) ListCapacity(ctx context.Context, eventID int64) ([]models.CapacityCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters := []models.CapacityCounter{}
	for k, c := range s.data.capacity {
		if k.eventID == eventID {
			counters = append(counters, c)
		}
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i].SectionID < counters[j].SectionID })
	return counters, nil
}

func (s *Store) ProvisionCapacity(ctx context.Context, eventID int64, sectionID string, maxCapacity int) (*models.CapacityCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxCapacity < 0 {
		return nil, store.ErrCapacityBelowUsage
	}
	key := capacityKey{eventID, sectionID}
	counter, ok := s.data.capacity[key]
	if !ok {
		counter = models.CapacityCounter{EventID: eventID, SectionID: sectionID}
	}
	if maxCapacity > 0 && maxCapacity < counter.UsedCapacity {
		return nil, store.ErrCapacityBelowUsage
	}
	counter.MaxCapacity = maxCapacity
	s.data.capacity[key] = counter
	return &counter, nil
}

func (s *Store) RegisterOrTouch(ctx context.Context, eventID, eventType string, gatewayCreatedAt *time.Time, payload string) (*models.ProcessedWebhookEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ev, ok := s.data.webhookEvents[eventID]
	if ok {
		ev.Attempts++
		ev.Payload = payload
		ev.ReceivedAt = now
	} else {
		s.data.nextEventID++
		ev = models.ProcessedWebhookEvent{
			ID:               s.data.nextEventID,
			EventID:          eventID,
			Type:             eventType,
			GatewayCreatedAt: gatewayCreatedAt,
			ReceivedAt:       now,
			Status:           models.WebhookEventReceived,
			Attempts:         1,
			Payload:          payload,
		}
	}
	s.data.webhookEvents[eventID] = ev
	return &ev, !ok, nil
}

func (s *Store) MarkProcessed(ctx context.Context, eventID string, httpStatus int) error {
	return s.markWebhookEvent(eventID, models.WebhookEventProcessed, httpStatus, nil)
}

func (s *Store) MarkSkipped(ctx context.Context, eventID string, httpStatus int) error {
	return s.markWebhookEvent(eventID, models.WebhookEventSkipped, httpStatus, nil)
}

func (s *Store) MarkFailed(ctx context.Context, eventID string, httpStatus int, lastError string) error {
	return s.markWebhookEvent(eventID, models.WebhookEventFailed, httpStatus, &lastError)
}

func (s *Store) markWebhookEvent(eventID string, status models.WebhookEventStatus, httpStatus int, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.data.webhookEvents[eventID]
	if !ok {
		return store.ErrNotFound
	}
	now := s.now()
	ev.Status = status
	ev.ProcessedAt = &now
	ev.HTTPStatusSent = &httpStatus
	ev.LastError = lastError
	s.data.webhookEvents[eventID] = ev
	return nil
}

func (s *Store) GetWebhookEvent(ctx context.Context, eventID string) (*models.ProcessedWebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.data.webhookEvents[eventID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &ev, nil
}

func (s *Store) ListWebhookEvents(ctx context.Context, status models.WebhookEventStatus, limit int) ([]models.ProcessedWebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := []models.ProcessedWebhookEvent{}
	for _, ev := range s.data.webhookEvents {
		if status == "" || ev.Status == status {
			events = append(events, ev)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].ReceivedAt.Equal(events[j].ReceivedAt) {
			return events[i].ID > events[j].ID
		}
		return events[i].ReceivedAt.After(events[j].ReceivedAt)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *Store) GetEvent(ctx context.Context, eventID int64) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &ev, nil
}

// SaveEvent adds or replaces a catalog event and provisions the counters of
// sections that have none.
func (s *Store) SaveEvent(ctx context.Context, ev *models.Event) error {
	if err := store.ValidateEvent(ev); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = *ev
	for _, section := range ev.Sections {
		key := capacityKey{ev.ID, section.ID}
		if _, ok := s.data.capacity[key]; !ok {
			s.data.capacity[key] = models.CapacityCounter{EventID: ev.ID, SectionID: section.ID, MaxCapacity: section.Capacity}
		}
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

// SaveUser adds or replaces a user.
func (s *Store) SaveUser(ctx context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = *u
	return nil
}
