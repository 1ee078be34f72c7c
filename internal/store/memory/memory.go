// Package memory is an in-process implementation of the store used for local
// development and tests. Every transaction runs under one mutex and is rolled
// back by restoring a snapshot.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"registration-service/internal/models"
	"registration-service/internal/store"
)

type capacityKey struct {
	eventID   int64
	sectionID string
}

type reservationKey struct {
	eventID   int64
	sectionID string
	userID    int64
}

type state struct {
	capacity      map[capacityKey]models.CapacityCounter
	reservations  map[int64]models.Reservation
	byKey         map[reservationKey]int64
	webhookEvents map[string]models.ProcessedWebhookEvent
	nextID        int64
	nextEventID   int64
}

func (s *state) clone() *state {
	c := &state{
		capacity:      make(map[capacityKey]models.CapacityCounter, len(s.capacity)),
		reservations:  make(map[int64]models.Reservation, len(s.reservations)),
		byKey:         make(map[reservationKey]int64, len(s.byKey)),
		webhookEvents: make(map[string]models.ProcessedWebhookEvent, len(s.webhookEvents)),
		nextID:        s.nextID,
		nextEventID:   s.nextEventID,
	}
	for k, v := range s.capacity {
		c.capacity[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.byKey {
		c.byKey[k] = v
	}
	for k, v := range s.webhookEvents {
		c.webhookEvents[k] = v
	}
	return c
}

type Store struct {
	mu     sync.Mutex
	data   *state
	events map[int64]models.Event
	users  map[int64]models.User
	now    func() time.Time
}

func NewStore() *Store {
	return &Store{
		data: &state{
			capacity:      make(map[capacityKey]models.CapacityCounter),
			reservations:  make(map[int64]models.Reservation),
			byKey:         make(map[reservationKey]int64),
			webhookEvents: make(map[string]models.ProcessedWebhookEvent),
		},
		events: make(map[int64]models.Event),
		users:  make(map[int64]models.User),
		now:    time.Now,
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// WithTx runs fn with exclusive access. Changes are discarded if fn fails.
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := s.data.clone()
	if err := fn(&memTx{s: s}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

type memTx struct {
	s *Store
}

func (t *memTx) TryReserve(ctx context.Context, eventID int64, sectionID string) (models.Admission, error) {
	key := capacityKey{eventID, sectionID}
	counter, ok := t.s.data.capacity[key]
	if !ok {
		return models.Admission{Reason: models.AdmissionNotProvisioned}, nil
	}
	if !counter.HasRoom() {
		return models.Admission{Reason: models.AdmissionNoCapacity}, nil
	}
	counter.UsedCapacity++
	t.s.data.capacity[key] = counter
	return models.Admission{OK: true}, nil
}

func (t *memTx) Release(ctx context.Context, eventID int64, sectionID string) error {
	key := capacityKey{eventID, sectionID}
	counter, ok := t.s.data.capacity[key]
	if !ok {
		return nil
	}
	if counter.UsedCapacity > 0 {
		counter.UsedCapacity--
	}
	t.s.data.capacity[key] = counter
	return nil
}

func (t *memTx) FindByKey(ctx context.Context, userID, eventID int64, sectionID string) (*models.Reservation, error) {
	id, ok := t.s.data.byKey[reservationKey{eventID, sectionID, userID}]
	if !ok {
		return nil, nil
	}
	r := t.s.data.reservations[id]
	return &r, nil
}

func (t *memTx) LockActive(ctx context.Context, userID, eventID int64, sectionID string) (*models.Reservation, error) {
	r, _ := t.FindByKey(ctx, userID, eventID, sectionID)
	if r == nil || !r.Status.IsActive() {
		return nil, nil
	}
	return r, nil
}

func (t *memTx) FindByPaymentIntent(ctx context.Context, paymentIntentID string) ([]models.Reservation, error) {
	var rows []models.Reservation
	for _, r := range t.s.data.reservations {
		if r.PaymentIntentID != nil && *r.PaymentIntentID == paymentIntentID {
			rows = append(rows, r)
		}
	}
	sortByID(rows)
	return rows, nil
}

func (t *memTx) Insert(ctx context.Context, r *models.Reservation) error {
	key := reservationKey{r.EventID, r.SectionID, r.UserID}
	if _, exists := t.s.data.byKey[key]; exists {
		return store.ErrDuplicateReservation
	}
	if r.AttendanceStatus == "" {
		r.AttendanceStatus = models.AttendanceNone
	}
	t.s.data.nextID++
	r.ID = t.s.data.nextID
	r.CreatedAt = t.s.now()
	r.UpdatedAt = r.CreatedAt
	t.s.data.reservations[r.ID] = *r
	t.s.data.byKey[key] = r.ID
	return nil
}

func (t *memTx) UpdateStatus(ctx context.Context, r *models.Reservation) error {
	cur, ok := t.s.data.reservations[r.ID]
	if !ok {
		return store.ErrNotFound
	}
	cur.Status = r.Status
	cur.PaymentStatus = r.PaymentStatus
	cur.AmountCents = r.AmountCents
	cur.Currency = r.Currency
	cur.PaymentIntentID = r.PaymentIntentID
	cur.LatestChargeID = r.LatestChargeID
	cur.RefundedCents = r.RefundedCents
	cur.ReceiptURL = r.ReceiptURL
	cur.GatewayPayload = r.GatewayPayload
	cur.ConfirmedAt = r.ConfirmedAt
	cur.CancelledAt = r.CancelledAt
	cur.UpdatedAt = t.s.now()
	r.UpdatedAt = cur.UpdatedAt
	t.s.data.reservations[r.ID] = cur
	return nil
}

func (t *memTx) Delete(ctx context.Context, id int64) error {
	r, ok := t.s.data.reservations[id]
	if !ok {
		return nil
	}
	delete(t.s.data.reservations, id)
	delete(t.s.data.byKey, reservationKey{r.EventID, r.SectionID, r.UserID})
	return nil
}

func (t *memTx) SetPaymentStatusByIntent(ctx context.Context, paymentIntentID string, to models.PaymentStatus, from []models.PaymentStatus, payload string) (int64, error) {
	var n int64
	for id, r := range t.s.data.reservations {
		if r.PaymentIntentID == nil || *r.PaymentIntentID != paymentIntentID || !containsStatus(from, r.PaymentStatus) {
			continue
		}
		r.PaymentStatus = to
		r.GatewayPayload = &payload
		r.UpdatedAt = t.s.now()
		t.s.data.reservations[id] = r
		n++
	}
	return n, nil
}

func (t *memTx) ApplyRefund(ctx context.Context, refund store.RefundUpdate) (int64, error) {
	var n int64
	for id, r := range t.s.data.reservations {
		byCharge := refund.ChargeID != "" && r.LatestChargeID != nil && *r.LatestChargeID == refund.ChargeID
		byIntent := refund.PaymentIntentID != "" && r.PaymentIntentID != nil && *r.PaymentIntentID == refund.PaymentIntentID
		if !byCharge && !byIntent {
			continue
		}
		refunded := refund.RefundedCents
		payload := refund.Payload
		r.PaymentStatus = refund.Status
		r.RefundedCents = &refunded
		r.GatewayPayload = &payload
		if r.LatestChargeID == nil && refund.ChargeID != "" {
			charge := refund.ChargeID
			r.LatestChargeID = &charge
		}
		r.UpdatedAt = t.s.now()
		t.s.data.reservations[id] = r
		n++
	}
	return n, nil
}

func containsStatus(list []models.PaymentStatus, s models.PaymentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortByID(rows []models.Reservation) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
}
