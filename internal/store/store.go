package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"registration-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// Tx is the set of row-level operations that must share one database
// transaction: the capacity ledger and every reservation write that admission
// or reconciliation depends on.
type Tx interface {
	// TryReserve locks the (event, section) counter and takes one unit if it fits.
	TryReserve(ctx context.Context, eventID int64, sectionID string) (models.Admission, error)
	// Release gives one unit back, flooring at zero. A missing counter is a no-op.
	Release(ctx context.Context, eventID int64, sectionID string) error

	FindByKey(ctx context.Context, userID, eventID int64, sectionID string) (*models.Reservation, error)
	LockActive(ctx context.Context, userID, eventID int64, sectionID string) (*models.Reservation, error)
	FindByPaymentIntent(ctx context.Context, paymentIntentID string) ([]models.Reservation, error)
	Insert(ctx context.Context, r *models.Reservation) error
	UpdateStatus(ctx context.Context, r *models.Reservation) error
	Delete(ctx context.Context, id int64) error
	SetPaymentStatusByIntent(ctx context.Context, paymentIntentID string, to models.PaymentStatus, from []models.PaymentStatus, payload string) (int64, error)
	ApplyRefund(ctx context.Context, refund RefundUpdate) (int64, error)
}

// RefundUpdate carries a refund to every reservation paid by one charge.
type RefundUpdate struct {
	ChargeID        string
	PaymentIntentID string
	RefundedCents   int64
	Status          models.PaymentStatus
	Payload         string
}

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreFromDB wraps an existing connection.
func NewStoreFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside one transaction, committing only if fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx *sqlx.Tx
}
