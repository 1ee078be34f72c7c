package service

import (
	"context"
	"sync"
	"testing"

	"registration-service/internal/models"
	"registration-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeCapacityInvariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const users = 40
	var wg sync.WaitGroup
	errs := make([]error, users)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Subscribe(ctx, user(int64(100+i)), galaEvent, "A")
		}(i)
	}
	wg.Wait()

	admitted, full := 0, 0
	for _, err := range errs {
		if err == nil {
			admitted++
			continue
		}
		if assert.ErrorIs(t, err, ErrNoCapacity) {
			full++
		}
	}
	assert.Equal(t, 5, admitted)
	assert.Equal(t, users-5, full)
	assert.Equal(t, 5, f.used(t, "A"))

	active := 0
	for i := 0; i < users; i++ {
		if r := f.reservation(t, int64(100+i), "A"); r != nil && r.Status.ConsumesCapacity() {
			active++
		}
	}
	assert.Equal(t, f.used(t, "A"), active)
}

func TestSubscribeRaceSameUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const attempts = 10
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Subscribe(ctx, user(7), galaEvent, "A")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadySubscribed)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, f.used(t, "A"))

	rows, err := f.store.ListByUserEvent(ctx, 7, galaEvent)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSubscribeFreeAndPaidSections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	free, err := f.svc.Subscribe(ctx, user(1), galaEvent, "B")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusConfirmed, free.Status)
	assert.Equal(t, models.PaymentStatusSucceeded, free.PaymentStatus)
	assert.NotNil(t, free.ConfirmedAt)
	assert.Nil(t, free.AmountCents)

	paid, err := f.svc.Subscribe(ctx, user(1), galaEvent, "DINNER")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusPendingPayment, paid.Status)
	assert.Equal(t, models.PaymentStatusNone, paid.PaymentStatus)
	require.NotNil(t, paid.AmountCents)
	assert.Equal(t, testAmount, *paid.AmountCents)
	assert.Equal(t, "EUR", *paid.Currency)
	assert.Nil(t, paid.ConfirmedAt)
	assert.True(t, paid.RequiresPayment())

	assert.Equal(t, 1, f.publisher.count(models.EventTypeReservationConfirmed))
	assert.Equal(t, 2, f.publisher.count(models.EventTypeReservationCreated))
}

func TestSubscribeRefusals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		id      Identity
		eventID int64
		section string
		want    error
	}{
		{"disabled user", Identity{UserID: 1}, galaEvent, "A", ErrUserDisabled},
		{"unknown event", user(1), 99, "A", ErrEventNotFound},
		{"unknown section", user(1), galaEvent, "nope", ErrSectionNotFound},
		{"not provisioned", user(1), galaEvent, "CLOSED", ErrRegistrationClosed},
		{"hidden and locked", user(1), galaEvent, "VIP", ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Subscribe(ctx, tt.id, tt.eventID, tt.section)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, 0, f.used(t, "A"))
}

func TestHiddenSectionGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Subscribe(ctx, user(1), galaEvent, "VIP")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.Subscribe(ctx, user(1), galaEvent, "A")
	require.NoError(t, err)

	r, err := f.svc.Subscribe(ctx, user(1), galaEvent, "VIP")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusConfirmed, r.Status)

	// AFTER needs both A and DINNER.
	_, err = f.svc.Subscribe(ctx, user(1), galaEvent, "AFTER")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.Subscribe(ctx, user(1), galaEvent, "DINNER")
	require.NoError(t, err)
	_, err = f.svc.Subscribe(ctx, user(1), galaEvent, "AFTER")
	assert.NoError(t, err)
}

func TestVIPScenario(t *testing.T) {
	ctx := context.Background()
	ms := newFixture(t).store
	require.NoError(t, ms.SaveEvent(ctx, &models.Event{ID: 2, Name: "Launch",
		Sections: []models.Section{{ID: "VIP", Capacity: 1}}}))
	svc := NewReservationService(ms, ms, nil, nil, ReservationServiceConfig{})

	usedVIP := func() int {
		counters, err := ms.ListCapacity(ctx, 2)
		require.NoError(t, err)
		return counters[0].UsedCapacity
	}

	r, err := svc.Subscribe(ctx, user(1), 2, "VIP")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusConfirmed, r.Status)
	assert.Equal(t, 1, usedVIP())

	_, err = svc.Subscribe(ctx, user(2), 2, "VIP")
	assert.ErrorIs(t, err, ErrNoCapacity)

	require.NoError(t, svc.Unsubscribe(ctx, user(1), 2, "VIP"))
	assert.Equal(t, 0, usedVIP())

	_, err = svc.Subscribe(ctx, user(2), 2, "VIP")
	assert.NoError(t, err)
	assert.Equal(t, 1, usedVIP())
}

func TestReleaseSymmetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := f.used(t, "A")

	_, err := f.svc.Subscribe(ctx, user(1), galaEvent, "A")
	require.NoError(t, err)
	require.NoError(t, f.svc.Unsubscribe(ctx, user(1), galaEvent, "A"))
	assert.Equal(t, before, f.used(t, "A"))
	assert.Nil(t, f.reservation(t, 1, "A"))
	assert.Equal(t, 1, f.publisher.count(models.EventTypeReservationCancelled))

	assert.ErrorIs(t, f.svc.Unsubscribe(ctx, user(1), galaEvent, "A"), ErrNotSubscribed)
}

func TestUnsubscribeWaitingListKeepsCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Subscribe(ctx, user(2), galaEvent, "A")
	require.NoError(t, err)

	require.NoError(t, f.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.Insert(ctx, &models.Reservation{UserID: 1, EventID: galaEvent, SectionID: "A",
			Status: models.ReservationStatusWaitingList, PaymentStatus: models.PaymentStatusSucceeded})
	}))

	require.NoError(t, f.svc.Unsubscribe(ctx, user(1), galaEvent, "A"))
	assert.Equal(t, 1, f.used(t, "A"))
}

func TestSubscribeRevivesInactiveRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var old models.Reservation
	require.NoError(t, f.store.WithTx(ctx, func(tx store.Tx) error {
		old = models.Reservation{UserID: 1, EventID: galaEvent, SectionID: "A",
			Status: models.ReservationStatusCancelled, PaymentStatus: models.PaymentStatusNone}
		return tx.Insert(ctx, &old)
	}))

	r, err := f.svc.Subscribe(ctx, user(1), galaEvent, "A")
	require.NoError(t, err)
	assert.Equal(t, old.ID, r.ID)
	assert.Equal(t, models.ReservationStatusConfirmed, r.Status)
	assert.Equal(t, 1, f.used(t, "A"))
}

func TestOverview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ov, err := f.svc.Overview(ctx, user(1), galaEvent)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "DINNER", "WINE", "CLOSED"}, sectionIDs(ov))
	assert.Empty(t, ov.Pages)

	byID := sectionsByID(ov)
	assert.Equal(t, models.AvailabilityFew, byID["A"].Availability.Code)
	assert.Equal(t, 5, *byID["A"].Availability.Spots)
	assert.Equal(t, models.AvailabilityAvailable, byID["B"].Availability.Code)
	assert.Nil(t, byID["B"].Availability.Spots)
	assert.Equal(t, models.AvailabilityClosed, byID["CLOSED"].Availability.Code)

	_, err = f.svc.Subscribe(ctx, user(1), galaEvent, "A")
	require.NoError(t, err)
	_, err = f.svc.Subscribe(ctx, user(1), galaEvent, "DINNER")
	require.NoError(t, err)

	ov, err = f.svc.Overview(ctx, user(1), galaEvent)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "VIP", "DINNER", "WINE", "AFTER", "CLOSED"}, sectionIDs(ov))
	assert.Equal(t, []int64{12}, ov.Pages)
	assert.Equal(t, testAmount, ov.AmountDueCents)

	byID = sectionsByID(ov)
	assert.True(t, byID["DINNER"].RequiresPayment)
	assert.True(t, byID["DINNER"].CanUnsubscribe)
	assert.False(t, byID["A"].RequiresPayment)
	assert.Equal(t, 4, *byID["A"].Availability.Spots)
	assert.Nil(t, byID["B"].Reservation)
}

func TestProvisionCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ProvisionCapacity(ctx, galaEvent, "CLOSED", 2)
	require.NoError(t, err)
	_, err = f.svc.Subscribe(ctx, user(1), galaEvent, "CLOSED")
	require.NoError(t, err)
	_, err = f.svc.Subscribe(ctx, user(2), galaEvent, "CLOSED")
	require.NoError(t, err)

	_, err = f.svc.ProvisionCapacity(ctx, galaEvent, "CLOSED", 1)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
	_, err = f.svc.ProvisionCapacity(ctx, galaEvent, "CLOSED", -1)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
	_, err = f.svc.ProvisionCapacity(ctx, galaEvent, "nope", 1)
	assert.ErrorIs(t, err, ErrSectionNotFound)
}

func TestNotice(t *testing.T) {
	assert.Equal(t, "Sorry, this section is full.", Notice(ErrNoCapacity))
	assert.Equal(t, "You are already registered for this section.", Notice(ErrAlreadySubscribed))
	assert.Equal(t, "Something went wrong, please try again.", Notice(assert.AnError))
}

func sectionIDs(ov *Overview) []string {
	ids := make([]string, len(ov.Sections))
	for i, s := range ov.Sections {
		ids[i] = s.Section.ID
	}
	return ids
}

func sectionsByID(ov *Overview) map[string]SectionView {
	out := make(map[string]SectionView, len(ov.Sections))
	for _, s := range ov.Sections {
		out[s.Section.ID] = s
	}
	return out
}
