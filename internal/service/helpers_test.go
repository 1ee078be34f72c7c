package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"registration-service/internal/gateway"
	"registration-service/internal/models"
	"registration-service/internal/store"
	"registration-service/internal/store/memory"

	"github.com/stretchr/testify/require"
)

const (
	galaEvent  int64 = 1
	validSig         = "valid"
	testAmount int64 = 5000
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.ReservationEvent
}

func (p *recordingPublisher) PublishReservationEvent(_ context.Context, ev *models.ReservationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

// envelopeVerifier accepts any body signed with validSig.
type envelopeVerifier struct{}

func (envelopeVerifier) VerifyEvent(payload []byte, sig string) (*gateway.Event, error) {
	if sig != validSig {
		return nil, gateway.ErrSignatureInvalid
	}
	return gateway.DecodeEnvelope(payload)
}

// flakyStore fails the next n transactions.
type flakyStore struct {
	ReservationStore
	mu   sync.Mutex
	fail int
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	f.mu.Lock()
	if f.fail > 0 {
		f.fail--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.ReservationStore.WithTx(ctx, fn)
}

// staticCatalog serves events independently of the ledger.
type staticCatalog map[int64]*models.Event

func (c staticCatalog) GetEvent(_ context.Context, eventID int64) (*models.Event, error) {
	ev, ok := c[eventID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ev, nil
}

// unmarkedEvents drops the next n MarkProcessed writes, leaving the record
// received as if the first delivery were still running.
type unmarkedEvents struct {
	WebhookEventStore
	mu   sync.Mutex
	lose int
}

func (u *unmarkedEvents) MarkProcessed(ctx context.Context, eventID string, httpStatus int) error {
	u.mu.Lock()
	if u.lose > 0 {
		u.lose--
		u.mu.Unlock()
		return errors.New("connection reset")
	}
	u.mu.Unlock()
	return u.WebhookEventStore.MarkProcessed(ctx, eventID, httpStatus)
}

type fixture struct {
	store      *memory.Store
	publisher  *recordingPublisher
	svc        *ReservationService
	reconciler *Reconciler
}

func galaCatalogEvent() *models.Event {
	return &models.Event{
		ID:   galaEvent,
		Name: "Gala",
		Date: time.Date(2026, 11, 20, 0, 0, 0, 0, time.UTC),
		Sections: []models.Section{
			{ID: "A", Label: "Main hall", Capacity: 5},
			{ID: "B", Label: "Workshop"},
			{ID: "VIP", Label: "VIP lounge", Capacity: 1, IsHidden: true},
			{ID: "DINNER", Label: "Dinner", Capacity: 10, Price: 50},
			{ID: "WINE", Label: "Wine tasting", Capacity: 10, Price: 25.5},
			{ID: "AFTER", Label: "After party", IsHidden: true},
			{ID: "CLOSED", Label: "Not provisioned"},
		},
		Rules: []models.Rule{
			{Name: "vip", Triggers: []string{"A"}, Actions: []models.Action{models.UnlockSection("VIP"), models.ShowPage(12)}},
			{Name: "after", Triggers: []string{"A", "DINNER"}, Actions: []models.Action{models.UnlockSection("AFTER")}},
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	ms := memory.NewStore()

	// The ledger learns every section but CLOSED, which the catalog lists
	// without a counter behind it.
	catalog := galaCatalogEvent()
	saved := *catalog
	saved.Sections = catalog.Sections[:len(catalog.Sections)-1]
	require.NoError(t, ms.SaveEvent(ctx, &saved))

	pub := &recordingPublisher{}
	return &fixture{
		store:      ms,
		publisher:  pub,
		svc:        NewReservationService(ms, staticCatalog{galaEvent: catalog}, nil, pub, ReservationServiceConfig{Currency: "eur"}),
		reconciler: NewReconciler(envelopeVerifier{}, ms, ms, nil, pub),
	}
}

func user(id int64) Identity {
	return Identity{UserID: id, Email: fmt.Sprintf("user%d@example.com", id), Enabled: true}
}

func (f *fixture) used(t *testing.T, sectionID string) int {
	t.Helper()
	counters, err := f.store.ListCapacity(context.Background(), galaEvent)
	require.NoError(t, err)
	for _, c := range counters {
		if c.SectionID == sectionID {
			return c.UsedCapacity
		}
	}
	t.Fatalf("section %s not provisioned", sectionID)
	return 0
}

func (f *fixture) reservation(t *testing.T, userID int64, sectionID string) *models.Reservation {
	t.Helper()
	rows, err := f.store.ListByUserEvent(context.Background(), userID, galaEvent)
	require.NoError(t, err)
	for i := range rows {
		if rows[i].SectionID == sectionID {
			return &rows[i]
		}
	}
	return nil
}

func (f *fixture) deliver(t *testing.T, payload []byte) WebhookResult {
	t.Helper()
	return f.reconciler.Handle(context.Background(), payload, validSig)
}

func envelope(t *testing.T, id, eventType string, object interface{}) []byte {
	t.Helper()
	obj, err := json.Marshal(object)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]interface{}{
		"id":      id,
		"object":  "event",
		"type":    eventType,
		"created": 1700000000,
		"data":    map[string]json.RawMessage{"object": obj},
	})
	require.NoError(t, err)
	return body
}

func itemsMeta(userID int64, sections ...string) map[string]string {
	items := make([]gateway.CheckoutItem, 0, len(sections))
	for _, s := range sections {
		items = append(items, gateway.CheckoutItem{EventID: galaEvent, SectionID: s})
	}
	return gateway.CheckoutRequest{UserID: userID, Items: items}.Metadata()
}

func paymentIntent(id string, amount int64, meta map[string]string) map[string]interface{} {
	return map[string]interface{}{
		"id":              id,
		"object":          "payment_intent",
		"amount":          amount,
		"amount_received": amount,
		"currency":        "eur",
		"status":          "succeeded",
		"latest_charge":   map[string]string{"id": "ch_" + id, "receipt_url": "https://receipts.example/" + id},
		"metadata":        meta,
	}
}

func checkoutSession(id, intentID string, amount int64, meta map[string]string) map[string]interface{} {
	return map[string]interface{}{
		"id":             id,
		"object":         "checkout.session",
		"payment_intent": intentID,
		"amount_total":   amount,
		"currency":       "eur",
		"payment_status": "paid",
		"metadata":       meta,
	}
}
