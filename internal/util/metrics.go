package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OfferValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offer_validations_total",
		Help: "Offer revalidations by product type and outcome",
	}, []string{"product_type", "result"})

	OfferValidationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offer_validation_latency_seconds",
		Help:    "Latency of provider re-pricing calls",
		Buckets: prometheus.DefBuckets,
	})

	HoldsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holds_created_total",
		Help: "Total number of holds created",
	}, []string{"product_type", "channel"})

	HoldsDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "holds_duplicate_total",
		Help: "Hold requests answered from an existing booking",
	})

	HoldsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holds_rejected_total",
		Help: "Hold requests rejected before persistence",
	}, []string{"reason"})

	HoldsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "holds_expired_total",
		Help: "Abandoned holds cancelled by the sweeper",
	})

	PaymentSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_sessions_total",
		Help: "Checkout sessions handed out, by whether an open session was reused",
	}, []string{"reused"})

	PaymentCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_callbacks_total",
		Help: "Gateway callbacks by event type and outcome",
	}, []string{"event_type", "result"})

	LatePaymentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "late_payments_total",
		Help: "Payment successes received after hold expiry",
	})

	FinalizationAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finalization_attempts_total",
		Help: "Provider finalization attempts by outcome",
	}, []string{"product_type", "result"})

	FinalizationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "finalization_latency_seconds",
		Help:    "Latency of provider finalize calls",
		Buckets: prometheus.DefBuckets,
	})

	ProviderPendingTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookings_provider_pending_total",
		Help: "Bookings escalated to admin review after finalization exhaustion",
	})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Confirmation notifications by outcome",
	}, []string{"result"})

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
