package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"registration-service/internal/gateway"
	"registration-service/internal/models"
	"registration-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CheckoutService opens a payment session for a user's unpaid reservations.
type CheckoutService struct {
	store      ReservationStore
	catalog    Catalog
	gateway    CheckoutGateway
	cache      CheckoutCache
	currency   string
	sessionTTL time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

type CheckoutServiceConfig struct {
	Currency   string
	SessionTTL time.Duration
}

func NewCheckoutService(
	store ReservationStore,
	catalog Catalog,
	gw CheckoutGateway,
	cache CheckoutCache,
	cfg CheckoutServiceConfig,
) *CheckoutService {
	if cache == nil {
		cache = NoopCache{}
	}
	if cfg.Currency == "" {
		cfg.Currency = "EUR"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	return &CheckoutService{
		store:      store,
		catalog:    catalog,
		gateway:    gw,
		cache:      cache,
		currency:   strings.ToUpper(cfg.Currency),
		sessionTTL: cfg.SessionTTL,
		now:        time.Now,
		logger:     util.GetLogger().With(zap.String("service", "checkout")),
	}
}

// StartCheckout collects every reservation of the event still waiting for
// payment, including those whose last payment failed, and returns a session
// covering all of them. Repeated calls for the same set of reservations return
// the same session.
func (s *CheckoutService) StartCheckout(ctx context.Context, id Identity, eventID int64) (*gateway.Session, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.StartCheckout", attribute.Int64("event_id", eventID))
	defer span.End()

	sess, err := s.startCheckout(ctx, id, eventID)
	if err != nil {
		util.RecordError(span, err)
	}
	return sess, err
}

func (s *CheckoutService) startCheckout(ctx context.Context, id Identity, eventID int64) (*gateway.Session, error) {
	if !id.Enabled {
		return nil, ErrUserDisabled
	}

	event, err := s.catalog.GetEvent(ctx, eventID)
	if err != nil {
		return nil, classifyCatalogError(err)
	}
	rows, err := s.store.ListByUserEvent(ctx, id.UserID, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load reservations: %w", err)
	}

	req := gateway.CheckoutRequest{
		UserID:   id.UserID,
		Email:    id.Email,
		Currency: s.currency,
	}
	var labels []string
	var ids []int64
	for i := range rows {
		r := &rows[i]
		if !r.RequiresPayment() {
			continue
		}
		label := "Section " + r.SectionID
		var cents int64
		if section, ok := event.Section(r.SectionID); ok {
			label = section.DisplayLabel()
			cents = section.PriceCents()
		} else if r.AmountCents != nil {
			cents = *r.AmountCents
		}
		if cents <= 0 {
			continue
		}
		req.AmountCents += cents
		req.Items = append(req.Items, gateway.CheckoutItem{EventID: eventID, SectionID: r.SectionID, ReservationID: r.ID})
		labels = append(labels, label)
		ids = append(ids, r.ID)
		if r.PaymentStatus != models.PaymentStatusNone && r.PaymentIntentID != nil {
			req.FailedIntents = append(req.FailedIntents, *r.PaymentIntentID)
		}
	}
	if req.AmountCents <= 0 {
		util.CheckoutSessionsTotal.WithLabelValues("nothing_to_pay").Inc()
		return nil, ErrNothingToPay
	}

	req.Description = event.Name + ": " + strings.Join(labels, " + ")
	req.ReservationRef = reservationRef(ids)
	sort.Strings(req.FailedIntents)

	key := s.gateway.SessionKey(req)
	if cached, ok := s.cache.GetCheckoutSession(ctx, key); ok && cached.ExpiresAt.After(s.now()) {
		util.CheckoutSessionsTotal.WithLabelValues("cached").Inc()
		return cached, nil
	}

	sess, err := s.gateway.CreateCheckoutSession(ctx, req)
	if err != nil {
		util.CheckoutSessionsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to start checkout: %w", err)
	}
	util.CheckoutSessionsTotal.WithLabelValues("created").Inc()

	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 || ttl > s.sessionTTL {
		ttl = s.sessionTTL
	}
	s.cache.SetCheckoutSession(ctx, key, sess, ttl)

	s.logger.Info("Checkout started",
		zap.Int64("user_id", id.UserID),
		zap.Int64("event_id", eventID),
		zap.String("reservation_ref", req.ReservationRef),
		zap.Int64("amount_cents", req.AmountCents))
	return sess, nil
}

// reservationRef joins the sorted reservation ids with "-".
func reservationRef(ids []int64) string {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, "-")
}
