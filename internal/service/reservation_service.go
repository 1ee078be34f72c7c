package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"registration-service/internal/models"
	"registration-service/internal/rules"
	"registration-service/internal/store"
	"registration-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ReservationService admits users to event sections and releases them.
type ReservationService struct {
	store           ReservationStore
	catalog         Catalog
	cache           AvailabilityCache
	publisher       EventPublisher
	currency        string
	availabilityTTL time.Duration
	now             func() time.Time
	logger          *zap.Logger
}

type ReservationServiceConfig struct {
	Currency        string
	AvailabilityTTL time.Duration
}

// NewReservationService creates a reservation service. cache and publisher may be nil.
func NewReservationService(
	store ReservationStore,
	catalog Catalog,
	cache AvailabilityCache,
	publisher EventPublisher,
	cfg ReservationServiceConfig,
) *ReservationService {
	if cache == nil {
		cache = NoopCache{}
	}
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	if cfg.Currency == "" {
		cfg.Currency = "EUR"
	}
	return &ReservationService{
		store:           store,
		catalog:         catalog,
		cache:           cache,
		publisher:       publisher,
		currency:        strings.ToUpper(cfg.Currency),
		availabilityTTL: cfg.AvailabilityTTL,
		now:             time.Now,
		logger:          util.GetLogger().With(zap.String("service", "reservation")),
	}
}

// Subscribe reserves one unit of the section for the caller. A caller that
// already holds the section gets ErrAlreadySubscribed.
func (s *ReservationService) Subscribe(ctx context.Context, id Identity, eventID int64, sectionID string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Subscribe",
		attribute.Int64("event_id", eventID),
		attribute.String("section_id", sectionID))
	defer span.End()

	start := time.Now()
	defer func() {
		util.SubscribeLatency.Observe(time.Since(start).Seconds())
	}()

	r, err := s.subscribe(ctx, id, eventID, sectionID)
	util.SubscriptionsTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil && !errors.Is(err, ErrAlreadySubscribed) {
		util.RecordError(span, err)
	}
	return r, err
}

func (s *ReservationService) subscribe(ctx context.Context, id Identity, eventID int64, sectionID string) (*models.Reservation, error) {
	if !id.Enabled {
		return nil, ErrUserDisabled
	}

	event, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	section, ok := event.Section(sectionID)
	if !ok {
		return nil, ErrSectionNotFound
	}

	held, err := s.store.ListByUserEvent(ctx, id.UserID, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load reservations: %w", err)
	}
	for i := range held {
		if held[i].SectionID == sectionID && held[i].Status.IsActive() {
			return nil, ErrAlreadySubscribed
		}
	}
	if section.IsHidden && !rules.Evaluate(heldSections(held), event.Rules).Unlocks(sectionID) {
		s.logger.Info("Hidden section refused",
			zap.Int64("user_id", id.UserID),
			zap.Int64("event_id", eventID),
			zap.String("section_id", sectionID))
		return nil, ErrUnauthorized
	}

	var reservation *models.Reservation
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		adm, err := tx.TryReserve(ctx, eventID, sectionID)
		if err != nil {
			return err
		}
		if !adm.OK {
			util.CapacityRejectionsTotal.WithLabelValues(string(adm.Reason)).Inc()
			if adm.Reason == models.AdmissionNotProvisioned {
				return ErrRegistrationClosed
			}
			return ErrNoCapacity
		}

		current, err := tx.FindByKey(ctx, id.UserID, eventID, sectionID)
		if err != nil {
			return err
		}
		if current != nil && current.Status.IsActive() {
			return ErrAlreadySubscribed
		}

		r := s.newReservation(id.UserID, eventID, section)
		if current != nil {
			r.ID = current.ID
			r.CreatedAt = current.CreatedAt
			r.AttendanceStatus = current.AttendanceStatus
			if err := tx.UpdateStatus(ctx, r); err != nil {
				return err
			}
		} else if err := tx.Insert(ctx, r); err != nil {
			return err
		}
		reservation = r
		return nil
	})

	switch {
	case errors.Is(err, store.ErrDuplicateReservation), errors.Is(err, ErrAlreadySubscribed):
		return nil, ErrAlreadySubscribed
	case errors.Is(err, ErrNoCapacity), errors.Is(err, ErrRegistrationClosed):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	s.cache.InvalidateAvailability(ctx, eventID)

	now := s.now()
	events := []*models.ReservationEvent{newReservationEvent(models.EventTypeReservationCreated, reservation, now)}
	if reservation.Status == models.ReservationStatusConfirmed {
		events = append(events, newReservationEvent(models.EventTypeReservationConfirmed, reservation, now))
	}
	publishAll(ctx, s.publisher, s.logger, events)

	s.logger.Info("Reservation created",
		zap.Int64("reservation_id", reservation.ID),
		zap.Int64("user_id", id.UserID),
		zap.Int64("event_id", eventID),
		zap.String("section_id", sectionID),
		zap.String("status", string(reservation.Status)))
	return reservation, nil
}

func (s *ReservationService) newReservation(userID, eventID int64, section *models.Section) *models.Reservation {
	r := &models.Reservation{
		UserID:           userID,
		EventID:          eventID,
		SectionID:        section.ID,
		AttendanceStatus: models.AttendanceNone,
	}
	if cents := section.PriceCents(); cents > 0 {
		currency := s.currency
		r.Status = models.ReservationStatusPendingPayment
		r.PaymentStatus = models.PaymentStatusNone
		r.AmountCents = &cents
		r.Currency = &currency
		return r
	}
	now := s.now()
	r.Status = models.ReservationStatusConfirmed
	r.PaymentStatus = models.PaymentStatusSucceeded
	r.ConfirmedAt = &now
	return r
}

// Unsubscribe deletes the caller's active reservation and returns its
// capacity unit when it held one.
func (s *ReservationService) Unsubscribe(ctx context.Context, id Identity, eventID int64, sectionID string) error {
	ctx, span := util.StartSpan(ctx, "ReservationService.Unsubscribe",
		attribute.Int64("event_id", eventID),
		attribute.String("section_id", sectionID))
	defer span.End()

	err := s.unsubscribe(ctx, id, eventID, sectionID)
	util.UnsubscriptionsTotal.WithLabelValues(resultLabel(err)).Inc()
	util.RecordError(span, err)
	return err
}

func (s *ReservationService) unsubscribe(ctx context.Context, id Identity, eventID int64, sectionID string) error {
	active, err := s.store.FindActive(ctx, id.UserID, eventID, sectionID)
	if err != nil {
		return fmt.Errorf("failed to find reservation: %w", err)
	}
	if active == nil {
		return ErrNotSubscribed
	}

	var removed *models.Reservation
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		row, err := tx.LockActive(ctx, id.UserID, eventID, sectionID)
		if err != nil {
			return err
		}
		if row == nil {
			return ErrNotSubscribed
		}
		if err := tx.Delete(ctx, row.ID); err != nil {
			return err
		}
		if row.Status.ConsumesCapacity() {
			if err := tx.Release(ctx, eventID, sectionID); err != nil {
				return err
			}
		}
		removed = row
		return nil
	})
	if errors.Is(err, ErrNotSubscribed) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}

	s.cache.InvalidateAvailability(ctx, eventID)

	removed.Status = models.ReservationStatusCancelled
	publishAll(ctx, s.publisher, s.logger, []*models.ReservationEvent{
		newReservationEvent(models.EventTypeReservationCancelled, removed, s.now()),
	})

	s.logger.Info("Reservation removed",
		zap.Int64("reservation_id", removed.ID),
		zap.Int64("user_id", id.UserID),
		zap.Int64("event_id", eventID),
		zap.String("section_id", sectionID))
	return nil
}

// SectionView is one section as seen by a user.
type SectionView struct {
	Section         models.Section      `json:"section"`
	Availability    models.Availability `json:"availability"`
	Reservation     *models.Reservation `json:"reservation,omitempty"`
	RequiresPayment bool                `json:"requires_payment"`
	CanUnsubscribe  bool                `json:"can_unsubscribe"`
}

// Overview is the data behind a user's event page.
type Overview struct {
	EventID        int64         `json:"event_id"`
	Name           string        `json:"name"`
	Date           time.Time     `json:"date"`
	Sections       []SectionView `json:"sections"`
	Pages          []int64       `json:"pages"`
	AmountDueCents int64         `json:"amount_due_cents"`
	Currency       string        `json:"currency"`
}

// Overview lists the sections visible to the caller with availability and
// their own reservation state. Hidden sections appear once a rule unlocks
// them or the caller already holds them.
func (s *ReservationService) Overview(ctx context.Context, id Identity, eventID int64) (*Overview, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Overview", attribute.Int64("event_id", eventID))
	defer span.End()

	event, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	held, err := s.store.ListByUserEvent(ctx, id.UserID, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load reservations: %w", err)
	}
	counters, err := s.availability(ctx, eventID)
	if err != nil {
		return nil, err
	}

	bySection := make(map[string]*models.Reservation, len(held))
	for i := range held {
		if held[i].Status.IsActive() {
			bySection[held[i].SectionID] = &held[i]
		}
	}
	unlocked := rules.Evaluate(heldSections(held), event.Rules)

	out := &Overview{
		EventID:  event.ID,
		Name:     event.Name,
		Date:     event.Date,
		Sections: []SectionView{},
		Pages:    unlocked.Pages,
		Currency: s.currency,
	}
	for _, section := range event.Sections {
		r := bySection[section.ID]
		if section.IsHidden && r == nil && !unlocked.Unlocks(section.ID) {
			continue
		}
		view := SectionView{
			Section:      section,
			Availability: models.AvailabilityFor(section.ID, counters[section.ID]),
			Reservation:  r,
		}
		if r != nil {
			view.RequiresPayment = r.RequiresPayment()
			view.CanUnsubscribe = r.CanUnsubscribe()
			if view.RequiresPayment {
				out.AmountDueCents += section.PriceCents()
			}
		}
		out.Sections = append(out.Sections, view)
	}
	return out, nil
}

// ProvisionCapacity sets the capacity limit of a section (0 = unlimited).
func (s *ReservationService) ProvisionCapacity(ctx context.Context, eventID int64, sectionID string, maxCapacity int) (*models.CapacityCounter, error) {
	if maxCapacity < 0 {
		return nil, ErrInvalidCapacity
	}
	event, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if _, ok := event.Section(sectionID); !ok {
		return nil, ErrSectionNotFound
	}

	counter, err := s.store.ProvisionCapacity(ctx, eventID, sectionID, maxCapacity)
	if errors.Is(err, store.ErrCapacityBelowUsage) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCapacity, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to provision capacity: %w", err)
	}
	s.cache.InvalidateAvailability(ctx, eventID)

	s.logger.Info("Capacity provisioned",
		zap.Int64("event_id", eventID),
		zap.String("section_id", sectionID),
		zap.Int("max_capacity", maxCapacity))
	return counter, nil
}

func (s *ReservationService) availability(ctx context.Context, eventID int64) (map[string]*models.CapacityCounter, error) {
	counters, ok := s.cache.GetAvailability(ctx, eventID)
	if !ok {
		var err error
		counters, err = s.store.ListCapacity(ctx, eventID)
		if err != nil {
			return nil, fmt.Errorf("failed to load capacity: %w", err)
		}
		s.cache.SetAvailability(ctx, eventID, counters, s.availabilityTTL)
	}

	out := make(map[string]*models.CapacityCounter, len(counters))
	for i := range counters {
		out[counters[i].SectionID] = &counters[i]
	}
	return out, nil
}

func (s *ReservationService) loadEvent(ctx context.Context, eventID int64) (*models.Event, error) {
	event, err := s.catalog.GetEvent(ctx, eventID)
	if err != nil {
		return nil, classifyCatalogError(err)
	}
	return event, nil
}

func classifyCatalogError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrEventNotFound
	}
	return fmt.Errorf("failed to load event: %w", err)
}

// heldSections lists the sections the user holds a place in. Waiting list
// entries hold none and trigger no rule.
func heldSections(rows []models.Reservation) []string {
	ids := make([]string, 0, len(rows))
	for i := range rows {
		if rows[i].Status.ConsumesCapacity() {
			ids = append(ids, rows[i].SectionID)
		}
	}
	return ids
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadySubscribed):
		return "already_subscribed"
	case errors.Is(err, ErrNotSubscribed):
		return "not_subscribed"
	case errors.Is(err, ErrNoCapacity):
		return "no_capacity"
	case errors.Is(err, ErrRegistrationClosed):
		return "closed"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrUserDisabled):
		return "user_disabled"
	case errors.Is(err, ErrEventNotFound), errors.Is(err, ErrSectionNotFound):
		return "not_found"
	default:
		return "error"
	}
}
