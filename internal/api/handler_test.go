package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"registration-service/internal/gateway"
	"registration-service/internal/models"
	"registration-service/internal/service"
	"registration-service/internal/store/memory"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	testJWTSecret     = "jwt-test-secret"
	testWebhookSecret = "whsec_api_test"
)

type testServer struct {
	router *gin.Engine
	store  *memory.Store
}

func newTestServer(t *testing.T, checks map[string]HealthCheck) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	ms := memory.NewStore()
	require.NoError(t, ms.SaveEvent(ctx, &models.Event{
		ID:   1,
		Name: "Gala",
		Sections: []models.Section{
			{ID: "A", Label: "Main hall", Capacity: 1},
			{ID: "DINNER", Label: "Dinner", Price: 40},
		},
	}))
	require.NoError(t, ms.SaveUser(ctx, &models.User{ID: 1, Email: "one@example.com", IsEnabled: true}))
	require.NoError(t, ms.SaveUser(ctx, &models.User{ID: 2, Email: "two@example.com", IsEnabled: true}))
	require.NoError(t, ms.SaveUser(ctx, &models.User{ID: 3, Email: "off@example.com"}))
	require.NoError(t, ms.SaveUser(ctx, &models.User{ID: 9, Email: "admin@example.com", IsEnabled: true, IsAdmin: true}))

	gw := gateway.NewStripeGateway(gateway.StripeConfig{WebhookSecret: testWebhookSecret})
	reservations := service.NewReservationService(ms, ms, nil, nil, service.ReservationServiceConfig{})
	checkout := service.NewCheckoutService(ms, ms, gw, nil, service.CheckoutServiceConfig{})
	reconciler := service.NewReconciler(gw, ms, ms, nil, nil)

	router := gin.New()
	NewHandler(reservations, checkout, reconciler, ms, testJWTSecret, checks).SetupRoutes(router)
	return &testServer{router: router, store: ms}
}

func token(t *testing.T, sub interface{}, secret string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path string, userID int64, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID > 0 {
		req.Header.Set("Authorization", "Bearer "+token(t, fmt.Sprint(userID), testJWTSecret))
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	})
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", 0, "").Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/ready", 0, "").Code)

	down := newTestServer(t, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	w := down.do(t, http.MethodGet, "/ready", 0, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + token(t, "1", "other"), http.StatusUnauthorized},
		{"unknown user", "Bearer " + token(t, "404", testJWTSecret), http.StatusUnauthorized},
		{"numeric subject", "Bearer " + token(t, 1, testJWTSecret), http.StatusOK},
		{"string subject", "Bearer " + token(t, "1", testJWTSecret), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/events/1", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestSubscribeFlow(t *testing.T) {
	s := newTestServer(t, nil)
	path := "/api/v1/events/1/sections/A/subscription"

	w := s.do(t, http.MethodPost, path, 1, "")
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	assert.Equal(t, "confirmed", body["reservation"].(map[string]interface{})["status"])

	w = s.do(t, http.MethodPost, path, 1, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, service.Notice(service.ErrAlreadySubscribed), decode(t, w)["message"])

	w = s.do(t, http.MethodPost, path, 2, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, service.Notice(service.ErrNoCapacity), decode(t, w)["error"])

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, path, 1, "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, path, 1, "").Code)
	assert.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, path, 2, "").Code)
}

func TestSubscribeErrors(t *testing.T) {
	s := newTestServer(t, nil)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/v1/events/1/sections/A/subscription", 3, "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/v1/events/1/sections/Z/subscription", 1, "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/v1/events/7/sections/A/subscription", 1, "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/v1/events/x/sections/A/subscription", 1, "").Code)
}

func TestEventOverview(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/events/1/sections/DINNER/subscription", 1, "").Code)

	w := s.do(t, http.MethodGet, "/api/v1/events/1", 1, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Gala", body["name"])
	assert.Equal(t, float64(4000), body["amount_due_cents"])
	assert.Len(t, body["sections"], 2)
}

func TestCheckoutWithoutGatewayKey(t *testing.T) {
	s := newTestServer(t, nil)

	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/v1/events/1/checkout", 1, "").Code)

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/events/1/sections/DINNER/subscription", 1, "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodPost, "/api/v1/events/1/checkout", 1, "").Code)
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	path := "/api/v1/admin/events/1/sections/A/capacity"

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPut, path, 1, `{"max_capacity":3}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPut, path, 9, `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPut, path, 9, `{"max_capacity":-1}`).Code)

	w := s.do(t, http.MethodPut, path, 9, `{"max_capacity":3}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), decode(t, w)["max_capacity"])

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/admin/webhook-events?status=failed", 9, "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/v1/admin/webhook-events/evt_nope/replay", 9, "").Code)
}

func signedWebhook(t *testing.T, payload string) *http.Request {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", sp.Header)
	return req
}

func TestPaymentWebhook(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/events/1/sections/DINNER/subscription", 1, "").Code)

	payload := `{"id":"evt_1","object":"event","type":"payment_intent.succeeded","created":1700000000,` +
		`"data":{"object":{"id":"pi_1","object":"payment_intent","amount":4000,"currency":"eur","status":"succeeded",` +
		`"metadata":{"userId":"1","items":"[{\"eventId\":1,\"sectionId\":\"DINNER\"}]"}}}}`

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, signedWebhook(t, payload))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "processed", decode(t, w)["outcome"])

	rows, err := s.store.ListByUserEvent(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.ReservationStatusConfirmed, rows[0].Status)

	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, signedWebhook(t, payload))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "duplicate", decode(t, w)["outcome"])

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPaymentWebhookBodyLimit(t *testing.T) {
	s := newTestServer(t, nil)
	object := func(size int) string {
		return `{"id":"evt_big","object":"event","type":"customer.updated","created":1700000000,` +
			`"data":{"object":{"id":"cus_1","object":"customer","description":"` + strings.Repeat("x", size) + `"}}}`
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, signedWebhook(t, object(200<<10)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "skipped", decode(t, w)["outcome"])

	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, signedWebhook(t, object(maxWebhookBody)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusOK, statusFor(service.ErrAlreadySubscribed))
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("wrapped: %w", service.ErrRegistrationClosed)))
	assert.Equal(t, http.StatusBadRequest, statusFor(service.ErrInvalidCapacity))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
