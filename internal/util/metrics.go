package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubscriptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registration_subscriptions_total",
		Help: "Subscribe attempts by result",
	}, []string{"result"})

	UnsubscriptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registration_unsubscriptions_total",
		Help: "Unsubscribe attempts by result",
	}, []string{"result"})

	CapacityRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registration_capacity_rejections_total",
		Help: "Admissions refused by the capacity ledger",
	}, []string{"reason"})

	SubscribeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "registration_subscribe_latency_seconds",
		Help:    "Latency of the subscribe transaction",
		Buckets: prometheus.DefBuckets,
	})

	CheckoutSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registration_checkout_sessions_total",
		Help: "Checkout sessions by result",
	}, []string{"result"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registration_webhook_events_total",
		Help: "Gateway webhook deliveries by type and outcome",
	}, []string{"type", "outcome"})

	WebhookProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "registration_webhook_processing_latency_seconds",
		Help:    "Latency of webhook reconciliation",
		Buckets: prometheus.DefBuckets,
	})

	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registration_cache_lookups_total",
		Help: "Cache lookups by cache and result",
	}, []string{"cache", "result"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registration_notifications_total",
		Help: "Notifications produced from reservation events",
	}, []string{"kind", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
