package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/newsgate/paywall_services/internal/unlock_service/domain"
)

// ObserveClassification counts a network classification result. Called by the
// transport layer on every classified request.
func ObserveClassification(t domain.NetworkType) {
	classificationsTotal.WithLabelValues(string(t)).Inc()
}

var (
	classificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unlock",
			Name:      "classifications_total",
			Help:      "Total network classifications by resulting type.",
		},
		[]string{"network_type"},
	)

	identificationSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unlock",
			Name:      "identification_sessions_total",
			Help:      "Identification session outcomes.",
		},
		[]string{"outcome"}, // "started", "identified", "failed", "late_callback", "replayed"
	)

	paymentCallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unlock",
			Name:      "payment_callbacks_total",
			Help:      "Provider payment callbacks processed.",
		},
		[]string{"status", "duplicate"}, // status: "completed", "failed", "conflict"
	)

	unlocksCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "unlock",
			Name:      "completed_total",
			Help:      "Total paid unlocks recorded as completed.",
		},
	)

	bypassUsesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "unlock",
			Name:      "bypass_uses_total",
			Help:      "Entitlement bypass secret uses. Never revenue.",
		},
	)

	providerRequestDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "unlock",
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of HTTP calls to the billing provider.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"}, // "initiate_charge"
	)
)
