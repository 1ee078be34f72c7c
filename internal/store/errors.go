package store

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned by Get* lookups when no row matches.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateReservation is returned by Insert when the (event, section, user)
	// uniqueness constraint fires, i.e. a concurrent insert won the race.
	ErrDuplicateReservation = errors.New("duplicate reservation")

	// ErrCapacityBelowUsage is returned when a capacity limit would drop below
	// the number of units already in use.
	ErrCapacityBelowUsage = errors.New("capacity below current usage")
)

const (
	uniqueViolation       = "23505"
	reservationConstraint = "uq_reservation"
)

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == uniqueViolation && (constraint == "" || pqErr.Constraint == constraint)
}
