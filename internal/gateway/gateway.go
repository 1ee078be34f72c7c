// Package gateway adapts the payment provider: checkout session creation,
// webhook signature verification and decoding of the objects it delivers.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	ErrMalformedPayload = errors.New("webhook payload malformed")
	ErrNotConfigured    = errors.New("payment gateway not configured")
)

// Event is a verified webhook delivery.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	// Object is the raw data.object of the event.
	Object json.RawMessage
}

// CheckoutItem is one reservation paid through a checkout.
type CheckoutItem struct {
	EventID       int64
	SectionID     string
	ReservationID int64
}

// CheckoutRequest describes a single-line checkout for a set of reservations.
type CheckoutRequest struct {
	UserID         int64
	Email          string
	AmountCents    int64
	Currency       string
	Description    string
	ReservationRef string
	Items          []CheckoutItem
	// FailedIntents lists earlier payment intents of these reservations that
	// did not go through. A retry gets a key distinct from those attempts.
	FailedIntents []string
}

// Session is a created checkout session.
type Session struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Metadata keys attached to sessions and payment intents.
const (
	MetaUserID         = "userId"
	MetaItems          = "items"
	MetaReservationRef = "reservationRef"
)

type metadataItem struct {
	EventID   flexString `json:"eventId"`
	SectionID flexString `json:"sectionId"`
}

// Metadata builds the string map attached to a checkout.
func (r CheckoutRequest) Metadata() map[string]string {
	items := make([]map[string]interface{}, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, map[string]interface{}{"eventId": it.EventID, "sectionId": it.SectionID})
	}
	encoded, _ := json.Marshal(items)

	meta := map[string]string{
		MetaUserID: strconv.FormatInt(r.UserID, 10),
		MetaItems:  string(encoded),
	}
	if r.ReservationRef != "" {
		meta[MetaReservationRef] = r.ReservationRef
	}
	return meta
}

// ItemRef identifies a reservation by its natural key.
type ItemRef struct {
	EventID   int64
	SectionID string
}

// PaymentMetadata is the decoded checkout metadata.
type PaymentMetadata struct {
	UserID         int64
	Items          []ItemRef
	ReservationRef string
}

// ParseMetadata decodes userId and items. Ids may be JSON numbers or strings.
// Items without an event or section are dropped.
func ParseMetadata(meta map[string]string) (PaymentMetadata, error) {
	var pm PaymentMetadata
	pm.ReservationRef = meta[MetaReservationRef]

	if raw := strings.TrimSpace(meta[MetaUserID]); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return pm, fmt.Errorf("%w: userId %q", ErrMalformedPayload, raw)
		}
		pm.UserID = id
	}

	raw := strings.TrimSpace(meta[MetaItems])
	if raw == "" {
		return pm, nil
	}
	var items []metadataItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return pm, fmt.Errorf("%w: items: %v", ErrMalformedPayload, err)
	}
	for _, it := range items {
		eventID, err := strconv.ParseInt(string(it.EventID), 10, 64)
		if err != nil || eventID <= 0 || it.SectionID == "" {
			continue
		}
		pm.Items = append(pm.Items, ItemRef{EventID: eventID, SectionID: string(it.SectionID)})
	}
	return pm, nil
}

// flexString decodes a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// expandableID decodes a field that is either an id or an expanded object.
type expandableID struct {
	ID         string
	ReceiptURL string
}

func (e *expandableID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.ID = s
		return nil
	}
	var obj struct {
		ID         string `json:"id"`
		ReceiptURL string `json:"receipt_url"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.ID, e.ReceiptURL = obj.ID, obj.ReceiptURL
	return nil
}

// Webhook event types handled by the reconciler.
const (
	EventCheckoutSessionCompleted      = "checkout.session.completed"
	EventCheckoutAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	EventCheckoutSessionExpired        = "checkout.session.expired"
	EventPaymentIntentSucceeded        = "payment_intent.succeeded"
	EventPaymentIntentFailed           = "payment_intent.payment_failed"
	EventPaymentIntentCanceled         = "payment_intent.canceled"
	EventChargeRefunded                = "charge.refunded"
	EventChargeRefundUpdated           = "charge.refund.updated"
)

// DecodeEnvelope parses a stored, already verified event body.
func DecodeEnvelope(payload []byte) (*Event, error) {
	var raw struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Created int64  `json:"created"`
		Data    struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if raw.ID == "" || raw.Type == "" || len(raw.Data.Object) == 0 {
		return nil, fmt.Errorf("%w: event envelope incomplete", ErrMalformedPayload)
	}
	return &Event{
		ID:      raw.ID,
		Type:    raw.Type,
		Created: time.Unix(raw.Created, 0).UTC(),
		Object:  raw.Data.Object,
	}, nil
}
