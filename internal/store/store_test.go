package store

import (
	"context"
	"database/sql"
	"os"
	"regexp"
	"testing"
	"time"

	"registration-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStoreFromDB(sqlx.NewDb(db, "postgres")), mock
}

func capacityRows(max, used int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"event_id", "section_id", "max_capacity", "used_capacity"}).
		AddRow(int64(1), "A", max, used)
}

func TestTryReserveTakesUnit(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM capacity WHERE event_id = \$1 AND section_id = \$2 FOR UPDATE`).
		WithArgs(int64(1), "A").
		WillReturnRows(capacityRows(2, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE capacity SET used_capacity = used_capacity + 1`)).
		WithArgs(int64(1), "A").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var adm models.Admission
	err := s.WithTx(context.Background(), func(tx Tx) error {
		var err error
		adm, err = tx.TryReserve(context.Background(), 1, "A")
		return err
	})

	require.NoError(t, err)
	assert.True(t, adm.OK)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryReserveRefusals(t *testing.T) {
	tests := []struct {
		name   string
		rows   *sqlmock.Rows
		reason models.AdmissionReason
	}{
		{"full", capacityRows(2, 2), models.AdmissionNoCapacity},
		{"not provisioned", sqlmock.NewRows([]string{"event_id", "section_id", "max_capacity", "used_capacity"}), models.AdmissionNotProvisioned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT .* FROM capacity`).WillReturnRows(tt.rows)
			mock.ExpectCommit()

			var adm models.Admission
			err := s.WithTx(context.Background(), func(tx Tx) error {
				var err error
				adm, err = tx.TryReserve(context.Background(), 1, "A")
				return err
			})

			require.NoError(t, err)
			assert.False(t, adm.OK)
			assert.Equal(t, tt.reason, adm.Reason)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestInsertDuplicateRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO reservations`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_reservation"})
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(tx Tx) error {
		return tx.Insert(context.Background(), &models.Reservation{
			UserID: 7, EventID: 1, SectionID: "A",
			Status: models.ReservationStatusConfirmed, PaymentStatus: models.PaymentStatusSucceeded,
		})
	})

	assert.ErrorIs(t, err, ErrDuplicateReservation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAssignsID(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO reservations`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(42), now, now))
	mock.ExpectCommit()

	r := &models.Reservation{UserID: 7, EventID: 1, SectionID: "A",
		Status: models.ReservationStatusHeld, PaymentStatus: models.PaymentStatusNone}
	err := s.WithTx(context.Background(), func(tx Tx) error {
		return tx.Insert(context.Background(), r)
	})

	require.NoError(t, err)
	assert.Equal(t, int64(42), r.ID)
	assert.Equal(t, models.AttendanceNone, r.AttendanceStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterOrTouchRedelivery(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "event_id", "type", "gateway_created_at", "received_at",
		"processed_at", "status", "http_status_sent", "attempts", "last_error", "payload", "inserted"}).
		AddRow(int64(1), "evt_1", "payment_intent.succeeded", nil, now, now, "processed", 200, 2, nil, "{}", false)
	mock.ExpectQuery(`INSERT INTO webhook_events .* ON CONFLICT \(event_id\) DO UPDATE`).
		WithArgs("evt_1", "payment_intent.succeeded", nil, "{}").
		WillReturnRows(rows)

	ev, isNew, err := s.RegisterOrTouch(context.Background(), "evt_1", "payment_intent.succeeded", nil, "{}")

	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, 2, ev.Attempts)
	assert.Equal(t, models.WebhookEventProcessed, ev.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProvisionCapacityBelowUsage(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`INSERT INTO capacity`).
		WithArgs(int64(1), "A", 1).
		WillReturnError(sql.ErrNoRows)

	_, err := s.ProvisionCapacity(context.Background(), 1, "A", 1)

	assert.ErrorIs(t, err, ErrCapacityBelowUsage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveEventProvisionsSections(t *testing.T) {
	s, mock := newMockStore(t)
	ev := &models.Event{ID: 5, Name: "Gala", Sections: []models.Section{
		{ID: "A", Capacity: 10},
		{ID: "VIP", Capacity: 1, IsHidden: true},
	}}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO capacity .* ON CONFLICT \(event_id, section_id\) DO NOTHING`).
		WithArgs(int64(5), "A", 10).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO capacity .* ON CONFLICT \(event_id, section_id\) DO NOTHING`).
		WithArgs(int64(5), "VIP", 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, s.SaveEvent(context.Background(), ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveEventRollsBackOnProvisionFailure(t *testing.T) {
	s, mock := newMockStore(t)
	ev := &models.Event{ID: 5, Name: "Gala", Sections: []models.Section{{ID: "A", Capacity: 10}}}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO capacity`).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := s.SaveEvent(context.Background(), ev)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEventDecodesLegacyRules(t *testing.T) {
	s, mock := newMockStore(t)
	date := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, name, date, sections_json, rules_json FROM events`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "date", "sections_json", "rules_json"}).
			AddRow(int64(5), "Gala", date,
				[]byte(`[{"id":"A","capacity":10,"price":0},{"id":"VIP","price":25.5,"isHidden":true}]`),
				[]byte(`[{"name":"vip","triggers":["A"],"actions":[{"allowSectionSubscription":"VIP"},{"showPage":12}]}]`)))

	ev, err := s.GetEvent(context.Background(), 5)

	require.NoError(t, err)
	require.Len(t, ev.Sections, 2)
	assert.Equal(t, int64(2550), ev.Sections[1].PriceCents())
	require.Len(t, ev.Rules, 1)
	assert.Equal(t, models.UnlockSection("VIP"), ev.Rules[0].Actions[0])
	assert.Equal(t, models.ShowPage(12), ev.Rules[0].Actions[1])
}

func TestGetEventRejectsInvalidSection(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id, name, date, sections_json, rules_json FROM events`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "date", "sections_json", "rules_json"}).
			AddRow(int64(5), "Gala", time.Now(), []byte(`[{"id":"","price":-1}]`), []byte(`[]`)))

	_, err := s.GetEvent(context.Background(), 5)
	assert.Error(t, err)
}

func TestGetUserNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id, email, name, is_enabled, is_admin FROM users`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name", "is_enabled", "is_admin"}))

	_, err := s.GetUser(context.Background(), 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestCapacityIntegration runs against a real PostgreSQL when TEST_DATABASE_URL is set.
func TestCapacityIntegration(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - requires TEST_DATABASE_URL")
	}

	s, err := NewStore(url)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	eventID := time.Now().UnixNano() % 1_000_000_000
	_, err = s.ProvisionCapacity(ctx, eventID, "A", 1)
	require.NoError(t, err)

	reserve := func() models.Admission {
		var adm models.Admission
		require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
			var err error
			adm, err = tx.TryReserve(ctx, eventID, "A")
			return err
		}))
		return adm
	}

	assert.True(t, reserve().OK)
	assert.Equal(t, models.AdmissionNoCapacity, reserve().Reason)

	_, err = s.ProvisionCapacity(ctx, eventID, "A", 0)
	require.NoError(t, err)
	assert.True(t, reserve().OK)

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		for i := 0; i < 5; i++ {
			if err := tx.Release(ctx, eventID, "A"); err != nil {
				return err
			}
		}
		return nil
	}))

	counters, err := s.ListCapacity(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, counters, 1)
	assert.Equal(t, 0, counters[0].UsedCapacity)
}
