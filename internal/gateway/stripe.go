package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"registration-service/internal/util"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

type StripeConfig struct {
	SecretKey        string
	WebhookSecret    string
	WebhookTolerance time.Duration
	SuccessURL       string
	CancelURL        string
	SessionTTL       time.Duration
	// Backends overrides the API endpoint, used by tests.
	Backends *stripe.Backends
}

// StripeGateway talks to Stripe Checkout and verifies Stripe webhooks.
type StripeGateway struct {
	api    *client.API
	cfg    StripeConfig
	now    func() time.Time
	logger *zap.Logger
}

func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = webhook.DefaultTolerance
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}

	g := &StripeGateway{
		cfg:    cfg,
		now:    time.Now,
		logger: util.GetLogger().With(zap.String("component", "stripe_gateway")),
	}
	if cfg.SecretKey != "" {
		g.api = client.New(cfg.SecretKey, cfg.Backends)
	}
	return g
}

// VerifyEvent checks the Stripe-Signature header against the raw body and
// decodes the event envelope.
func (g *StripeGateway) VerifyEvent(payload []byte, signatureHeader string) (*Event, error) {
	if g.cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrSignatureInvalid)
	}

	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, g.cfg.WebhookSecret,
		webhook.ConstructEventOptions{
			Tolerance:                g.cfg.WebhookTolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ev.ID == "" || ev.Type == "" || ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event envelope incomplete", ErrMalformedPayload)
	}

	return &Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Created: time.Unix(ev.Created, 0).UTC(),
		Object:  ev.Data.Raw,
	}, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

// SessionKey identifies req independently of the session window.
func (g *StripeGateway) SessionKey(req CheckoutRequest) string {
	return SessionKey(req, g.cfg.SuccessURL, g.cfg.CancelURL)
}

// sessionWindow returns the start of the window containing now and the
// expiry shared by every session created in it. The expiry lies between one
// and two SessionTTLs ahead of now.
func (g *StripeGateway) sessionWindow(now time.Time) (time.Time, time.Time) {
	start := now.Truncate(g.cfg.SessionTTL)
	return start, start.Add(2 * g.cfg.SessionTTL)
}

// CreateCheckoutSession opens a one-line payment session for req. Metadata
// is set on the session and on its payment intent.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error) {
	if g.api == nil {
		return nil, ErrNotConfigured
	}

	ctx, span := util.StartSpan(ctx, "StripeGateway.CreateCheckoutSession")
	defer span.End()

	meta := req.Metadata()
	window, expiresAt := g.sessionWindow(g.now())

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(g.cfg.SuccessURL),
		CancelURL:  stripe.String(g.cfg.CancelURL),
		ExpiresAt:  stripe.Int64(expiresAt.Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.AmountCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: meta,
		},
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	if req.ReservationRef != "" {
		params.ClientReferenceID = stripe.String(req.ReservationRef)
	}
	for k, v := range meta {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	key := IdempotencyKey(req, g.cfg.SuccessURL, g.cfg.CancelURL, window)
	params.SetIdempotencyKey(key)

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		util.RecordError(span, err)
		g.logger.Error("Failed to create checkout session",
			zap.Int64("user_id", req.UserID),
			zap.String("idempotency_key", key),
			zap.Error(err))
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	g.logger.Info("Checkout session created",
		zap.String("session_id", sess.ID),
		zap.Int64("user_id", req.UserID),
		zap.Int64("amount_cents", req.AmountCents))

	out := &Session{ID: sess.ID, URL: sess.URL, ExpiresAt: expiresAt}
	if sess.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(sess.ExpiresAt, 0).UTC()
	}
	return out, nil
}
