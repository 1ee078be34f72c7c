package models

import (
	"math"
	"time"
)

// ReservationStatus is the reservation's own lifecycle, independent of payment.
type ReservationStatus string

// Reservation statuses
const (
	ReservationStatusHeld           ReservationStatus = "held"
	ReservationStatusPendingPayment ReservationStatus = "pending_payment"
	ReservationStatusConfirmed      ReservationStatus = "confirmed"
	ReservationStatusWaitingList    ReservationStatus = "waiting_list"
	ReservationStatusCancelled      ReservationStatus = "cancelled"
	ReservationStatusExpired        ReservationStatus = "expired"
)

// IsActive reports whether the reservation still counts as a claim on its section.
func (s ReservationStatus) IsActive() bool {
	return s != ReservationStatusCancelled && s != ReservationStatusExpired
}

// ConsumesCapacity reports whether a reservation in this status holds a capacity unit.
func (s ReservationStatus) ConsumesCapacity() bool {
	switch s {
	case ReservationStatusHeld, ReservationStatusPendingPayment, ReservationStatusConfirmed:
		return true
	}
	return false
}

// PaymentStatus mirrors the payment gateway's view of a reservation.
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusNone              PaymentStatus = "none"
	PaymentStatusRequiresAction    PaymentStatus = "requires_action"
	PaymentStatusProcessing        PaymentStatus = "processing"
	PaymentStatusSucceeded         PaymentStatus = "succeeded"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusCanceled          PaymentStatus = "canceled"
)

// Settled reports whether money has already moved for the reservation.
func (s PaymentStatus) Settled() bool {
	switch s {
	case PaymentStatusSucceeded, PaymentStatusRefunded, PaymentStatusPartiallyRefunded:
		return true
	}
	return false
}

// Refunded reports whether any refund has been applied.
func (s PaymentStatus) Refunded() bool {
	return s == PaymentStatusRefunded || s == PaymentStatusPartiallyRefunded
}

// AttendanceStatus records check-in at the event itself.
type AttendanceStatus string

// Attendance statuses
const (
	AttendanceNone      AttendanceStatus = "none"
	AttendanceCheckedIn AttendanceStatus = "checked_in"
	AttendanceNoShow    AttendanceStatus = "no_show"
)

// Reservation is one user's claim on one section of one event
type Reservation struct {
	ID               int64             `db:"id" json:"id"`
	UserID           int64             `db:"user_id" json:"user_id"`
	EventID          int64             `db:"event_id" json:"event_id"`
	SectionID        string            `db:"section_id" json:"section_id"`
	Status           ReservationStatus `db:"status" json:"status"`
	PaymentStatus    PaymentStatus     `db:"payment_status" json:"payment_status"`
	AmountCents      *int64            `db:"amount_cents" json:"amount_cents,omitempty"`
	Currency         *string           `db:"currency" json:"currency,omitempty"`
	PaymentIntentID  *string           `db:"payment_intent_id" json:"payment_intent_id,omitempty"`
	LatestChargeID   *string           `db:"latest_charge_id" json:"latest_charge_id,omitempty"`
	RefundedCents    *int64            `db:"refunded_cents" json:"refunded_cents,omitempty"`
	ReceiptURL       *string           `db:"receipt_url" json:"receipt_url,omitempty"`
	GatewayPayload   *string           `db:"gateway_payload" json:"-"`
	WaitlistPosition *int              `db:"waitlist_position" json:"waitlist_position,omitempty"`
	ExpiresAt        *time.Time        `db:"expires_at" json:"expires_at,omitempty"`
	ConfirmedAt      *time.Time        `db:"confirmed_at" json:"confirmed_at,omitempty"`
	CancelledAt      *time.Time        `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CheckedInAt      *time.Time        `db:"checked_in_at" json:"checked_in_at,omitempty"`
	AttendanceStatus AttendanceStatus  `db:"attendance_status" json:"attendance_status"`
	CreatedAt        time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time         `db:"updated_at" json:"updated_at"`
}

// RequiresPayment reports whether a new checkout may be started for the
// reservation: it is unpaid and no payment is in flight.
func (r *Reservation) RequiresPayment() bool {
	if r.Status != ReservationStatusPendingPayment {
		return false
	}
	switch r.PaymentStatus {
	case PaymentStatusNone, PaymentStatusFailed, PaymentStatusCanceled:
		return true
	}
	return false
}

// CanUnsubscribe reports whether the holder may drop the reservation.
func (r *Reservation) CanUnsubscribe() bool {
	switch r.Status {
	case ReservationStatusHeld, ReservationStatusPendingPayment,
		ReservationStatusConfirmed, ReservationStatusWaitingList:
		return true
	}
	return false
}

// CapacityCounter tracks admissions for one event section. MaxCapacity 0 means unlimited.
type CapacityCounter struct {
	EventID      int64  `db:"event_id" json:"event_id"`
	SectionID    string `db:"section_id" json:"section_id"`
	MaxCapacity  int    `db:"max_capacity" json:"max_capacity"`
	UsedCapacity int    `db:"used_capacity" json:"used_capacity"`
}

// HasRoom reports whether one more admission fits.
func (c *CapacityCounter) HasRoom() bool {
	return c.MaxCapacity == 0 || c.UsedCapacity < c.MaxCapacity
}

// AdmissionReason explains a refused admission.
type AdmissionReason string

// Admission refusal reasons
const (
	AdmissionNoCapacity     AdmissionReason = "no_capacity"
	AdmissionNotProvisioned AdmissionReason = "not_provisioned"
)

// Admission is the Capacity Ledger's answer to a reservation attempt.
type Admission struct {
	OK     bool
	Reason AdmissionReason
}

// AvailabilityCode summarizes remaining capacity for display.
type AvailabilityCode string

// Availability codes
const (
	AvailabilityAvailable AvailabilityCode = "available"
	AvailabilityFew       AvailabilityCode = "few"
	AvailabilityNone      AvailabilityCode = "none"
	AvailabilityClosed    AvailabilityCode = "closed"
)

// fewSpotsThreshold is the remaining count at or below which a section shows as "few".
const fewSpotsThreshold = 5

// Availability is the display view of a section's capacity.
type Availability struct {
	SectionID string           `json:"section_id"`
	Code      AvailabilityCode `json:"code"`
	Spots     *int             `json:"spots,omitempty"`
}

// AvailabilityFor derives the display availability of a section from its counter.
// A nil counter means the section was never provisioned.
func AvailabilityFor(sectionID string, counter *CapacityCounter) Availability {
	a := Availability{SectionID: sectionID}
	switch {
	case counter == nil:
		a.Code = AvailabilityClosed
	case counter.MaxCapacity == 0:
		a.Code = AvailabilityAvailable
	default:
		spots := counter.MaxCapacity - counter.UsedCapacity
		if spots < 0 {
			spots = 0
		}
		a.Spots = &spots
		switch {
		case spots == 0:
			a.Code = AvailabilityNone
		case spots <= fewSpotsThreshold:
			a.Code = AvailabilityFew
		default:
			a.Code = AvailabilityAvailable
		}
	}
	return a
}

// User is the User Directory's view of an account
type User struct {
	ID        int64  `db:"id" json:"id"`
	Email     string `db:"email" json:"email"`
	Name      string `db:"name" json:"name"`
	IsEnabled bool   `db:"is_enabled" json:"is_enabled"`
	IsAdmin   bool   `db:"is_admin" json:"is_admin"`
}

// Event is an Event Catalog entry with its sections and rules decoded.
type Event struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	Date     time.Time `json:"date"`
	Sections []Section `json:"sections"`
	Rules    []Rule    `json:"rules"`
}

// Section returns the section with the given id.
func (e *Event) Section(id string) (*Section, bool) {
	for i := range e.Sections {
		if e.Sections[i].ID == id {
			return &e.Sections[i], true
		}
	}
	return nil, false
}

// Section is a bookable part of an event.
type Section struct {
	ID       string  `json:"id" validate:"required,max=64"`
	Label    string  `json:"label"`
	Capacity int     `json:"capacity" validate:"gte=0"`
	Price    float64 `json:"price" validate:"gte=0"`
	IsHidden bool    `json:"isHidden"`
}

// PriceCents returns the price in minor currency units.
func (s *Section) PriceCents() int64 {
	return int64(math.Round(s.Price * 100))
}

// DisplayLabel falls back to the id when no label was configured.
func (s *Section) DisplayLabel() string {
	if s.Label != "" {
		return s.Label
	}
	return "Section " + s.ID
}
