package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"registration-service/internal/gateway"
	"registration-service/internal/models"
	"registration-service/internal/service"
	"registration-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxWebhookBody caps the webhook payload read into memory. Events carrying
// expanded objects run well past 64 KiB.
const maxWebhookBody = 1 << 20

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	reservations *service.ReservationService
	checkout     *service.CheckoutService
	reconciler   *service.Reconciler
	users        service.UserDirectory
	jwtSecret    []byte
	checks       map[string]HealthCheck
	logger       *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	reservations *service.ReservationService,
	checkout *service.CheckoutService,
	reconciler *service.Reconciler,
	users service.UserDirectory,
	jwtSecret string,
	checks map[string]HealthCheck,
) *Handler {
	return &Handler{
		reservations: reservations,
		checkout:     checkout,
		reconciler:   reconciler,
		users:        users,
		jwtSecret:    []byte(jwtSecret),
		checks:       checks,
		logger:       util.GetLogger().With(zap.String("component", "http")),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/payments", h.paymentWebhook)

	v1 := router.Group("/api/v1", h.authenticate())
	{
		v1.GET("/events/:eventId", h.getEvent)
		v1.POST("/events/:eventId/sections/:sectionId/subscription", h.subscribe)
		v1.DELETE("/events/:eventId/sections/:sectionId/subscription", h.unsubscribe)
		v1.POST("/events/:eventId/checkout", h.startCheckout)

		admin := v1.Group("/admin", requireAdmin())
		admin.PUT("/events/:eventId/sections/:sectionId/capacity", h.provisionCapacity)
		admin.GET("/webhook-events", h.listWebhookEvents)
		admin.POST("/webhook-events/:eventId/replay", h.replayWebhookEvent)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck runs every dependency check
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// paymentWebhook receives gateway events. The raw body is needed for
// signature verification.
func (h *Handler) paymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.logger.Warn("Webhook body too large", zap.Int64("limit", tooLarge.Limit))
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable request body"})
		return
	}

	res := h.reconciler.Handle(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if res.HTTPStatus == http.StatusBadRequest {
		c.JSON(res.HTTPStatus, gin.H{"error": "Invalid webhook", "details": res.Err.Error()})
		return
	}
	c.JSON(res.HTTPStatus, res)
}

// getEvent returns the caller's view of an event
func (h *Handler) getEvent(c *gin.Context) {
	eventID, ok := pathID(c, "eventId")
	if !ok {
		return
	}

	overview, err := h.reservations.Overview(c.Request.Context(), identity(c), eventID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

// subscribe handles section registration
func (h *Handler) subscribe(c *gin.Context) {
	eventID, ok := pathID(c, "eventId")
	if !ok {
		return
	}

	r, err := h.reservations.Subscribe(c.Request.Context(), identity(c), eventID, c.Param("sectionId"))
	if errors.Is(err, service.ErrAlreadySubscribed) {
		c.JSON(http.StatusOK, gin.H{"message": service.Notice(err)})
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message":     service.Notice(nil),
		"reservation": r,
	})
}

// unsubscribe handles section deregistration
func (h *Handler) unsubscribe(c *gin.Context) {
	eventID, ok := pathID(c, "eventId")
	if !ok {
		return
	}

	if err := h.reservations.Unsubscribe(c.Request.Context(), identity(c), eventID, c.Param("sectionId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": service.Notice(nil)})
}

// startCheckout opens a payment session for the caller's unpaid sections
func (h *Handler) startCheckout(c *gin.Context) {
	eventID, ok := pathID(c, "eventId")
	if !ok {
		return
	}

	sess, err := h.checkout.StartCheckout(c.Request.Context(), identity(c), eventID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type capacityRequest struct {
	MaxCapacity *int `json:"max_capacity" binding:"required,gte=0"`
}

// provisionCapacity sets a section's capacity limit
func (h *Handler) provisionCapacity(c *gin.Context) {
	eventID, ok := pathID(c, "eventId")
	if !ok {
		return
	}

	var req capacityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	counter, err := h.reservations.ProvisionCapacity(c.Request.Context(), eventID, c.Param("sectionId"), *req.MaxCapacity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, counter)
}

// listWebhookEvents lists recent webhook records
func (h *Handler) listWebhookEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	status := models.WebhookEventStatus(c.Query("status"))

	events, err := h.reconciler.ListEvents(c.Request.Context(), status, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// replayWebhookEvent re-runs a stored webhook event
func (h *Handler) replayWebhookEvent(c *gin.Context) {
	res, err := h.reconciler.Replay(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	body := gin.H{"result": res}
	if res.Err != nil {
		body["error"] = res.Err.Error()
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": service.Notice(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrAlreadySubscribed):
		return http.StatusOK
	case errors.Is(err, service.ErrEventNotFound),
		errors.Is(err, service.ErrSectionNotFound),
		errors.Is(err, service.ErrNotSubscribed),
		errors.Is(err, service.ErrWebhookNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrUnauthorized), errors.Is(err, service.ErrUserDisabled):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNoCapacity),
		errors.Is(err, service.ErrRegistrationClosed),
		errors.Is(err, service.ErrNothingToPay):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidCapacity), errors.Is(err, gateway.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return id, true
}
