package worker

import (
	"context"
	"errors"
	"fmt"

	"registration-service/internal/broker"
	"registration-service/internal/models"
	"registration-service/internal/store"
	"registration-service/internal/util"

	"go.uber.org/zap"
)

// UserDirectory resolves the recipient of a notification.
type UserDirectory interface {
	GetUser(ctx context.Context, userID int64) (*models.User, error)
}

// Catalog resolves event and section names for the message text.
type Catalog interface {
	GetEvent(ctx context.Context, eventID int64) (*models.Event, error)
}

// Notification is one message for one user.
type Notification struct {
	Kind    string
	To      string
	Name    string
	Subject string
	Body    string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log instead of sending them.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	l.Logger.Info("Notification",
		zap.String("kind", n.Kind),
		zap.String("to", n.To),
		zap.String("subject", n.Subject),
		zap.String("body", n.Body))
	return nil
}

// NotificationWorker turns reservation events into user notifications.
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	users        UserDirectory
	catalog      Catalog
	notifier     Notifier
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker. notifier may be nil.
func NewNotificationWorker(
	consumer *broker.Consumer,
	users UserDirectory,
	catalog Catalog,
	notifier Notifier,
) *NotificationWorker {
	logger := util.GetLogger().With(zap.String("worker", "notification"))
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	w := &NotificationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		users:        users,
		catalog:      catalog,
		notifier:     notifier,
		logger:       logger,
	}
	w.eventHandler.OnReservationEvent(w.HandleReservationEvent)
	return w
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

// HandleReservationEvent notifies the reservation holder. Events that need no
// message, and events for users that no longer exist, are acknowledged.
func (w *NotificationWorker) HandleReservationEvent(ctx context.Context, ev *models.ReservationEvent) error {
	kind, ok := notificationKind(ev)
	if !ok {
		return nil
	}

	u, err := w.users.GetUser(ctx, ev.UserID)
	if errors.Is(err, store.ErrNotFound) {
		util.NotificationsTotal.WithLabelValues(kind, "no_recipient").Inc()
		w.logger.Warn("Notification recipient not found", zap.Int64("user_id", ev.UserID))
		return nil
	}
	if err != nil {
		util.NotificationsTotal.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("failed to load user: %w", err)
	}

	place := fmt.Sprintf("section %s of event %d", ev.SectionID, ev.CatalogEvent)
	if event, err := w.catalog.GetEvent(ctx, ev.CatalogEvent); err == nil {
		label := ev.SectionID
		if section, ok := event.Section(ev.SectionID); ok {
			label = section.DisplayLabel()
		}
		place = fmt.Sprintf("%s (%s)", event.Name, label)
	}

	n := Notification{Kind: kind, To: u.Email, Name: u.Name}
	switch kind {
	case "payment_due":
		n.Subject = "Complete your payment"
		n.Body = fmt.Sprintf("Your place at %s is reserved until you complete the payment.", place)
	case "confirmed":
		n.Subject = "Registration confirmed"
		n.Body = fmt.Sprintf("Your registration for %s is confirmed.", place)
	case "waiting_list":
		n.Subject = "You are on the waiting list"
		n.Body = fmt.Sprintf("Your payment for %s was received but the section is full. You are on the waiting list.", place)
	case "cancelled":
		n.Subject = "Registration cancelled"
		n.Body = fmt.Sprintf("Your registration for %s was cancelled.", place)
	case "payment_failed":
		n.Subject = "Payment failed"
		n.Body = fmt.Sprintf("Your payment for %s did not go through. You can try again from the event page.", place)
	case "refunded":
		n.Subject = "Refund issued"
		n.Body = fmt.Sprintf("A refund for %s has been issued.", place)
	}

	if err := w.notifier.Notify(ctx, n); err != nil {
		util.NotificationsTotal.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("failed to send notification: %w", err)
	}
	util.NotificationsTotal.WithLabelValues(kind, "sent").Inc()
	return nil
}

func notificationKind(ev *models.ReservationEvent) (string, bool) {
	switch ev.EventType {
	case models.EventTypeReservationCreated:
		if ev.Status == models.ReservationStatusPendingPayment {
			return "payment_due", true
		}
	case models.EventTypeReservationConfirmed:
		return "confirmed", true
	case models.EventTypeReservationCancelled:
		return "cancelled", true
	case models.EventTypePaymentStatusChanged:
		switch {
		case ev.Status == models.ReservationStatusWaitingList && ev.PaymentStatus == models.PaymentStatusSucceeded:
			return "waiting_list", true
		case ev.PaymentStatus == models.PaymentStatusFailed:
			return "payment_failed", true
		case ev.PaymentStatus.Refunded():
			return "refunded", true
		}
	}
	return "", false
}
