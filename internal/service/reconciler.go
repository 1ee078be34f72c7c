package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"registration-service/internal/gateway"
	"registration-service/internal/models"
	"registration-service/internal/store"
	"registration-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Outcome classifies how a webhook delivery was handled.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
	OutcomeRejected  Outcome = "rejected"
)

// WebhookResult is what the transport answers to the gateway. Err is set for
// rejected deliveries and for handler failures, which still answer 200.
type WebhookResult struct {
	HTTPStatus int     `json:"-"`
	Outcome    Outcome `json:"outcome"`
	EventID    string  `json:"event_id,omitempty"`
	EventType  string  `json:"event_type,omitempty"`
	Err        error   `json:"-"`
}

const (
	defaultEventListLimit = 50
	maxEventListLimit     = 500
)

// failableStatuses may move to failed; a settled payment never does.
var failableStatuses = []models.PaymentStatus{
	models.PaymentStatusNone,
	models.PaymentStatusRequiresAction,
	models.PaymentStatusProcessing,
	models.PaymentStatusFailed,
}

var cancelableStatuses = append(append([]models.PaymentStatus{}, failableStatuses...), models.PaymentStatusCanceled)

// Reconciler applies gateway webhook events to reservations exactly once per
// event id.
type Reconciler struct {
	verifier  EventVerifier
	events    WebhookEventStore
	store     ReservationStore
	cache     AvailabilityCache
	publisher EventPublisher
	now       func() time.Time
	logger    *zap.Logger
}

func NewReconciler(
	verifier EventVerifier,
	events WebhookEventStore,
	store ReservationStore,
	cache AvailabilityCache,
	publisher EventPublisher,
) *Reconciler {
	if cache == nil {
		cache = NoopCache{}
	}
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &Reconciler{
		verifier:  verifier,
		events:    events,
		store:     store,
		cache:     cache,
		publisher: publisher,
		now:       time.Now,
		logger:    util.GetLogger().With(zap.String("service", "reconciler")),
	}
}

// Handle verifies, deduplicates and dispatches one delivery.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signatureHeader string) WebhookResult {
	ctx, span := util.StartSpan(ctx, "Reconciler.Handle")
	defer span.End()

	start := time.Now()
	defer func() {
		util.WebhookProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	ev, err := r.verifier.VerifyEvent(payload, signatureHeader)
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues("unknown", string(OutcomeRejected)).Inc()
		util.RecordError(span, err)
		r.logger.Warn("Webhook rejected", zap.Error(err))
		return WebhookResult{HTTPStatus: http.StatusBadRequest, Outcome: OutcomeRejected, Err: err}
	}
	span.SetAttributes(attribute.String("event_id", ev.ID), attribute.String("event_type", ev.Type))

	res := r.registerAndProcess(ctx, ev, string(payload))
	util.WebhookEventsTotal.WithLabelValues(ev.Type, string(res.Outcome)).Inc()
	util.RecordError(span, res.Err)
	return res
}

// Replay re-dispatches a stored event that has not completed.
func (r *Reconciler) Replay(ctx context.Context, eventID string) (WebhookResult, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Replay", attribute.String("event_id", eventID))
	defer span.End()

	rec, err := r.events.GetWebhookEvent(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return WebhookResult{}, ErrWebhookNotFound
	}
	if err != nil {
		return WebhookResult{}, fmt.Errorf("failed to load webhook event: %w", err)
	}

	ev, err := gateway.DecodeEnvelope([]byte(rec.Payload))
	if err != nil {
		return WebhookResult{}, err
	}

	r.logger.Info("Replaying webhook event",
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.String("status", string(rec.Status)))

	res := r.registerAndProcess(ctx, ev, rec.Payload)
	util.WebhookEventsTotal.WithLabelValues(ev.Type, string(res.Outcome)).Inc()
	return res, nil
}

// ListEvents returns recent webhook records, newest first.
func (r *Reconciler) ListEvents(ctx context.Context, status models.WebhookEventStatus, limit int) ([]models.ProcessedWebhookEvent, error) {
	if limit <= 0 {
		limit = defaultEventListLimit
	}
	if limit > maxEventListLimit {
		limit = maxEventListLimit
	}
	return r.events.ListWebhookEvents(ctx, status, limit)
}

func (r *Reconciler) registerAndProcess(ctx context.Context, ev *gateway.Event, payload string) WebhookResult {
	res := WebhookResult{EventID: ev.ID, EventType: ev.Type}

	var created *time.Time
	if !ev.Created.IsZero() {
		created = &ev.Created
	}
	rec, _, err := r.events.RegisterOrTouch(ctx, ev.ID, ev.Type, created, payload)
	if err != nil {
		r.logger.Error("Failed to register webhook event", zap.String("event_id", ev.ID), zap.Error(err))
		res.HTTPStatus = http.StatusInternalServerError
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}
	if rec.Status.Done() {
		r.logger.Info("Duplicate webhook delivery",
			zap.String("event_id", ev.ID),
			zap.Int("attempts", rec.Attempts))
		res.HTTPStatus = http.StatusOK
		res.Outcome = OutcomeDuplicate
		return res
	}

	res.HTTPStatus = http.StatusOK
	fx, handled, err := r.dispatch(ctx, ev)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("%w: %v", ErrHandlerFailure, err)
		if markErr := r.events.MarkFailed(ctx, ev.ID, res.HTTPStatus, err.Error()); markErr != nil {
			r.logger.Error("Failed to mark webhook event failed", zap.String("event_id", ev.ID), zap.Error(markErr))
		}
		r.logger.Error("Webhook handler failed",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.Type),
			zap.Error(err))
		return res
	}

	if handled {
		res.Outcome = OutcomeProcessed
		err = r.events.MarkProcessed(ctx, ev.ID, res.HTTPStatus)
	} else {
		res.Outcome = OutcomeSkipped
		err = r.events.MarkSkipped(ctx, ev.ID, res.HTTPStatus)
	}
	if err != nil {
		r.logger.Error("Failed to record webhook outcome", zap.String("event_id", ev.ID), zap.Error(err))
	}

	fx.apply(ctx, r)
	return res
}

// effects are the post-commit side effects of a handler.
type effects struct {
	events    map[int64]struct{}
	published []*models.ReservationEvent
}

func (fx *effects) touched(eventType string, row *models.Reservation, at time.Time) {
	if fx.events == nil {
		fx.events = map[int64]struct{}{}
	}
	fx.events[row.EventID] = struct{}{}
	fx.published = append(fx.published, newReservationEvent(eventType, row, at))
}

func (fx *effects) apply(ctx context.Context, r *Reconciler) {
	for eventID := range fx.events {
		r.cache.InvalidateAvailability(ctx, eventID)
	}
	publishAll(ctx, r.publisher, r.logger, fx.published)
}

// dispatch runs the handler for ev in one transaction. handled is false for
// event types that need no action.
func (r *Reconciler) dispatch(ctx context.Context, ev *gateway.Event) (*effects, bool, error) {
	fx := &effects{}
	var handler func(tx store.Tx) error

	switch ev.Type {
	case gateway.EventCheckoutSessionCompleted:
		handler = func(tx store.Tx) error { return r.onCheckoutCompleted(ctx, tx, ev, false, fx) }
	case gateway.EventCheckoutAsyncPaymentSucceeded:
		handler = func(tx store.Tx) error { return r.onCheckoutCompleted(ctx, tx, ev, true, fx) }
	case gateway.EventPaymentIntentSucceeded:
		handler = func(tx store.Tx) error { return r.onPaymentIntentSucceeded(ctx, tx, ev, fx) }
	case gateway.EventPaymentIntentFailed:
		handler = func(tx store.Tx) error {
			pi, err := gateway.DecodePaymentIntent(ev.Object)
			if err != nil {
				return err
			}
			return r.setPaymentStatus(ctx, tx, pi.ID, models.PaymentStatusFailed, failableStatuses, ev, fx)
		}
	case gateway.EventCheckoutAsyncPaymentFailed, gateway.EventCheckoutSessionExpired:
		handler = func(tx store.Tx) error {
			cs, err := gateway.DecodeCheckoutSession(ev.Object)
			if err != nil {
				return err
			}
			return r.setPaymentStatus(ctx, tx, cs.PaymentIntentID, models.PaymentStatusFailed, failableStatuses, ev, fx)
		}
	case gateway.EventPaymentIntentCanceled:
		handler = func(tx store.Tx) error {
			pi, err := gateway.DecodePaymentIntent(ev.Object)
			if err != nil {
				return err
			}
			return r.setPaymentStatus(ctx, tx, pi.ID, models.PaymentStatusCanceled, cancelableStatuses, ev, fx)
		}
	case gateway.EventChargeRefunded:
		handler = func(tx store.Tx) error { return r.onChargeRefunded(ctx, tx, ev, fx) }
	default:
		// charge.refund.updated is covered by charge.refunded, which carries the cumulative amount.
		return fx, false, nil
	}

	if err := r.store.WithTx(ctx, handler); err != nil {
		return nil, true, err
	}
	return fx, true, nil
}

// onCheckoutCompleted records the payment intent of a finished checkout on
// every reservation listed in its metadata. paid applies the success path,
// used for asynchronous payment methods.
func (r *Reconciler) onCheckoutCompleted(ctx context.Context, tx store.Tx, ev *gateway.Event, paid bool, fx *effects) error {
	cs, err := gateway.DecodeCheckoutSession(ev.Object)
	if err != nil {
		return err
	}
	meta, err := gateway.ParseMetadata(cs.Metadata)
	if err != nil {
		return err
	}
	if meta.UserID == 0 || len(meta.Items) == 0 {
		r.logger.Warn("Checkout session without reservation metadata", zap.String("session_id", cs.ID))
		return nil
	}

	payment := paymentFacts{
		intentID: cs.PaymentIntentID,
		amount:   cs.AmountTotal,
		currency: cs.Currency,
		payload:  string(ev.Object),
		single:   len(meta.Items) == 1,
	}
	for _, item := range meta.Items {
		row, err := tx.FindByKey(ctx, meta.UserID, item.EventID, item.SectionID)
		if err != nil {
			return err
		}

		if row != nil && row.Status.IsActive() {
			if paid {
				if err := r.applySuccess(ctx, tx, row, payment, fx); err != nil {
					return err
				}
				continue
			}
			before := row.PaymentStatus
			linked := paidBy(row, payment.intentID)
			payment.annotate(row)
			if !row.PaymentStatus.Settled() {
				row.PaymentStatus = models.PaymentStatusProcessing
			}
			if err := tx.UpdateStatus(ctx, row); err != nil {
				return err
			}
			if !linked || row.PaymentStatus != before {
				fx.touched(models.EventTypePaymentStatusChanged, row, r.now())
			}
			continue
		}

		status := models.PaymentStatusProcessing
		if paid {
			status = models.PaymentStatusSucceeded
		}
		if err := r.reconstruct(ctx, tx, meta.UserID, item, row, status, payment, fx); err != nil {
			return err
		}
	}
	return nil
}

// onPaymentIntentSucceeded confirms every reservation paid by the intent. When
// none is linked yet, the targets are rebuilt from the intent metadata.
func (r *Reconciler) onPaymentIntentSucceeded(ctx context.Context, tx store.Tx, ev *gateway.Event, fx *effects) error {
	pi, err := gateway.DecodePaymentIntent(ev.Object)
	if err != nil {
		return err
	}
	payment := paymentFacts{
		intentID:   pi.ID,
		amount:     pi.Amount,
		currency:   pi.Currency,
		chargeID:   pi.ChargeID,
		receiptURL: pi.ReceiptURL,
		payload:    string(ev.Object),
	}

	rows, err := tx.FindByPaymentIntent(ctx, pi.ID)
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		payment.single = len(rows) == 1
		for i := range rows {
			if err := r.applySuccess(ctx, tx, &rows[i], payment, fx); err != nil {
				return err
			}
		}
		return nil
	}

	meta, err := gateway.ParseMetadata(pi.Metadata)
	if err != nil {
		return err
	}
	if meta.UserID == 0 || len(meta.Items) == 0 {
		r.logger.Warn("Payment intent matches no reservation and carries no metadata",
			zap.String("payment_intent_id", pi.ID))
		return nil
	}

	payment.single = len(meta.Items) == 1
	for _, item := range meta.Items {
		row, err := tx.FindByKey(ctx, meta.UserID, item.EventID, item.SectionID)
		if err != nil {
			return err
		}
		if row != nil && row.Status.IsActive() {
			if err := r.applySuccess(ctx, tx, row, payment, fx); err != nil {
				return err
			}
			continue
		}
		if err := r.reconstruct(ctx, tx, meta.UserID, item, row, models.PaymentStatusSucceeded, payment, fx); err != nil {
			return err
		}
	}
	return nil
}

// applySuccess confirms a paid reservation. A row that holds no capacity must
// win a unit first; if the section is full it stays on the waiting list.
// Refunded rows are left untouched. A row already confirmed by the same
// intent only picks up payment details.
func (r *Reconciler) applySuccess(ctx context.Context, tx store.Tx, row *models.Reservation, payment paymentFacts, fx *effects) error {
	if row.PaymentStatus.Refunded() {
		return nil
	}
	if row.Status == models.ReservationStatusConfirmed && row.PaymentStatus == models.PaymentStatusSucceeded &&
		paidBy(row, payment.intentID) {
		payment.annotate(row)
		return tx.UpdateStatus(ctx, row)
	}

	if !row.Status.ConsumesCapacity() {
		adm, err := tx.TryReserve(ctx, row.EventID, row.SectionID)
		if err != nil {
			return err
		}
		if !adm.OK {
			r.logger.Warn("Paid reservation has no capacity, kept on waiting list",
				zap.Int64("reservation_id", row.ID),
				zap.String("reason", string(adm.Reason)),
				zap.String("payment_intent_id", payment.intentID))
			row.Status = models.ReservationStatusWaitingList
		} else {
			row.Status = models.ReservationStatusConfirmed
		}
	} else {
		row.Status = models.ReservationStatusConfirmed
	}

	payment.annotate(row)
	row.PaymentStatus = models.PaymentStatusSucceeded
	if row.Status == models.ReservationStatusConfirmed {
		now := r.now()
		row.ConfirmedAt = &now
	}
	row.CancelledAt = nil
	if err := tx.UpdateStatus(ctx, row); err != nil {
		return err
	}

	if row.Status == models.ReservationStatusConfirmed {
		fx.touched(models.EventTypeReservationConfirmed, row, r.now())
	} else {
		fx.touched(models.EventTypePaymentStatusChanged, row, r.now())
	}
	return nil
}

// reconstruct creates, or revives, the reservation of a metadata item that has
// no active row. The capacity ledger is consulted; a refused admission is
// recorded on the waiting list so it never consumes capacity.
func (r *Reconciler) reconstruct(ctx context.Context, tx store.Tx, userID int64, item gateway.ItemRef, existing *models.Reservation, paymentStatus models.PaymentStatus, payment paymentFacts, fx *effects) error {
	adm, err := tx.TryReserve(ctx, item.EventID, item.SectionID)
	if err != nil {
		return err
	}

	row := &models.Reservation{
		UserID:           userID,
		EventID:          item.EventID,
		SectionID:        item.SectionID,
		PaymentStatus:    paymentStatus,
		AttendanceStatus: models.AttendanceNone,
	}
	switch {
	case !adm.OK:
		row.Status = models.ReservationStatusWaitingList
		r.logger.Warn("Reconstructed reservation has no capacity, recorded on waiting list",
			zap.Int64("user_id", userID),
			zap.Int64("event_id", item.EventID),
			zap.String("section_id", item.SectionID),
			zap.String("reason", string(adm.Reason)),
			zap.String("payment_intent_id", payment.intentID))
	case paymentStatus == models.PaymentStatusSucceeded:
		row.Status = models.ReservationStatusConfirmed
		now := r.now()
		row.ConfirmedAt = &now
	default:
		row.Status = models.ReservationStatusPendingPayment
	}
	payment.annotate(row)

	if existing != nil {
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
		err = tx.UpdateStatus(ctx, row)
	} else {
		err = tx.Insert(ctx, row)
	}
	if err != nil {
		return err
	}

	r.logger.Info("Reservation reconstructed from payment metadata",
		zap.Int64("reservation_id", row.ID),
		zap.String("status", string(row.Status)),
		zap.String("payment_status", string(row.PaymentStatus)))

	eventType := models.EventTypeReservationCreated
	if row.Status == models.ReservationStatusConfirmed {
		eventType = models.EventTypeReservationConfirmed
	}
	fx.touched(eventType, row, r.now())
	return nil
}

func (r *Reconciler) setPaymentStatus(ctx context.Context, tx store.Tx, intentID string, to models.PaymentStatus, from []models.PaymentStatus, ev *gateway.Event, fx *effects) error {
	if intentID == "" {
		r.logger.Info("Event carries no payment intent, nothing to update",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.Type))
		return nil
	}

	n, err := tx.SetPaymentStatusByIntent(ctx, intentID, to, from, string(ev.Object))
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return r.collectByIntent(ctx, tx, intentID, to, fx)
}

func (r *Reconciler) onChargeRefunded(ctx context.Context, tx store.Tx, ev *gateway.Event, fx *effects) error {
	ch, err := gateway.DecodeCharge(ev.Object)
	if err != nil {
		return err
	}
	status := models.PaymentStatusPartiallyRefunded
	if ch.FullyRefunded() {
		status = models.PaymentStatusRefunded
	}

	n, err := tx.ApplyRefund(ctx, store.RefundUpdate{
		ChargeID:        ch.ID,
		PaymentIntentID: ch.PaymentIntentID,
		RefundedCents:   ch.AmountRefunded,
		Status:          status,
		Payload:         string(ev.Object),
	})
	if err != nil {
		return err
	}
	if n == 0 {
		r.logger.Warn("Refund matches no reservation", zap.String("charge_id", ch.ID))
		return nil
	}
	if ch.PaymentIntentID != "" {
		return r.collectByIntent(ctx, tx, ch.PaymentIntentID, status, fx)
	}
	return nil
}

func (r *Reconciler) collectByIntent(ctx context.Context, tx store.Tx, intentID string, status models.PaymentStatus, fx *effects) error {
	rows, err := tx.FindByPaymentIntent(ctx, intentID)
	if err != nil {
		return err
	}
	for i := range rows {
		if rows[i].PaymentStatus == status {
			fx.touched(models.EventTypePaymentStatusChanged, &rows[i], r.now())
		}
	}
	return nil
}

// paidBy reports whether row is linked to intentID. An event without an
// intent matches any row.
func paidBy(row *models.Reservation, intentID string) bool {
	if intentID == "" {
		return true
	}
	return row.PaymentIntentID != nil && *row.PaymentIntentID == intentID
}

// paymentFacts are the gateway values copied onto reservations.
type paymentFacts struct {
	intentID   string
	amount     int64
	currency   string
	chargeID   string
	receiptURL string
	payload    string
	// single is true when the payment covers exactly one reservation, so its
	// total is that reservation's amount.
	single bool
}

func (p paymentFacts) annotate(row *models.Reservation) {
	if p.intentID != "" {
		id := p.intentID
		row.PaymentIntentID = &id
	}
	if p.amount > 0 && (p.single || row.AmountCents == nil) {
		amount := p.amount
		row.AmountCents = &amount
	}
	if p.currency != "" {
		currency := p.currency
		row.Currency = &currency
	}
	if p.chargeID != "" {
		charge := p.chargeID
		row.LatestChargeID = &charge
	}
	if p.receiptURL != "" {
		receipt := p.receiptURL
		row.ReceiptURL = &receipt
	}
	payload := p.payload
	row.GatewayPayload = &payload
}
