package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CheckoutSessionPayload is the subset of a checkout session the reconciler reads.
type CheckoutSessionPayload struct {
	ID                string
	PaymentIntentID   string
	AmountTotal       int64
	Currency          string
	PaymentStatus     string
	ClientReferenceID string
	Metadata          map[string]string
}

// PaymentIntentPayload is the subset of a payment intent the reconciler reads.
type PaymentIntentPayload struct {
	ID         string
	Amount     int64
	Currency   string
	Status     string
	ChargeID   string
	ReceiptURL string
	Metadata   map[string]string
}

// ChargePayload is the subset of a charge the reconciler reads.
type ChargePayload struct {
	ID              string
	PaymentIntentID string
	Amount          int64
	AmountRefunded  int64
	Refunded        bool
}

// DecodeCheckoutSession decodes data.object of a checkout.session.* event.
func DecodeCheckoutSession(obj json.RawMessage) (*CheckoutSessionPayload, error) {
	var raw struct {
		ID                string            `json:"id"`
		PaymentIntent     expandableID      `json:"payment_intent"`
		AmountTotal       int64             `json:"amount_total"`
		Currency          string            `json:"currency"`
		PaymentStatus     string            `json:"payment_status"`
		ClientReferenceID string            `json:"client_reference_id"`
		Metadata          map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(obj, &raw); err != nil {
		return nil, fmt.Errorf("%w: checkout session: %v", ErrMalformedPayload, err)
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("%w: checkout session without id", ErrMalformedPayload)
	}
	return &CheckoutSessionPayload{
		ID:                raw.ID,
		PaymentIntentID:   raw.PaymentIntent.ID,
		AmountTotal:       raw.AmountTotal,
		Currency:          strings.ToUpper(raw.Currency),
		PaymentStatus:     raw.PaymentStatus,
		ClientReferenceID: raw.ClientReferenceID,
		Metadata:          raw.Metadata,
	}, nil
}

// DecodePaymentIntent decodes data.object of a payment_intent.* event. The
// charge is read from latest_charge or, on older API versions, charges.data[0].
func DecodePaymentIntent(obj json.RawMessage) (*PaymentIntentPayload, error) {
	var raw struct {
		ID             string            `json:"id"`
		Amount         int64             `json:"amount"`
		AmountReceived int64             `json:"amount_received"`
		Currency       string            `json:"currency"`
		Status         string            `json:"status"`
		LatestCharge   expandableID      `json:"latest_charge"`
		Metadata       map[string]string `json:"metadata"`
		Charges        struct {
			Data []struct {
				ID         string `json:"id"`
				ReceiptURL string `json:"receipt_url"`
			} `json:"data"`
		} `json:"charges"`
	}
	if err := json.Unmarshal(obj, &raw); err != nil {
		return nil, fmt.Errorf("%w: payment intent: %v", ErrMalformedPayload, err)
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("%w: payment intent without id", ErrMalformedPayload)
	}

	pi := &PaymentIntentPayload{
		ID:         raw.ID,
		Amount:     raw.AmountReceived,
		Currency:   strings.ToUpper(raw.Currency),
		Status:     raw.Status,
		ChargeID:   raw.LatestCharge.ID,
		ReceiptURL: raw.LatestCharge.ReceiptURL,
		Metadata:   raw.Metadata,
	}
	if pi.Amount == 0 {
		pi.Amount = raw.Amount
	}
	if len(raw.Charges.Data) > 0 {
		if pi.ChargeID == "" {
			pi.ChargeID = raw.Charges.Data[0].ID
		}
		if pi.ReceiptURL == "" {
			pi.ReceiptURL = raw.Charges.Data[0].ReceiptURL
		}
	}
	return pi, nil
}

// DecodeCharge decodes data.object of a charge.* event.
func DecodeCharge(obj json.RawMessage) (*ChargePayload, error) {
	var raw struct {
		ID             string       `json:"id"`
		PaymentIntent  expandableID `json:"payment_intent"`
		Amount         int64        `json:"amount"`
		AmountRefunded int64        `json:"amount_refunded"`
		Refunded       bool         `json:"refunded"`
	}
	if err := json.Unmarshal(obj, &raw); err != nil {
		return nil, fmt.Errorf("%w: charge: %v", ErrMalformedPayload, err)
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("%w: charge without id", ErrMalformedPayload)
	}
	return &ChargePayload{
		ID:              raw.ID,
		PaymentIntentID: raw.PaymentIntent.ID,
		Amount:          raw.Amount,
		AmountRefunded:  raw.AmountRefunded,
		Refunded:        raw.Refunded,
	}, nil
}

// FullyRefunded reports whether the cumulative refund covers the charge.
func (c *ChargePayload) FullyRefunded() bool {
	return c.Amount > 0 && c.AmountRefunded >= c.Amount
}
