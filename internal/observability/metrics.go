package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bloodlink"

var (
	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "donor_matches_total", Help: "Total donor candidates returned by matching"})
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Donor matching latency seconds"})
	DonorsOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "donors_online", Help: "Donors currently in the geo index"})

	ReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "reservations_total", Help: "Inventory reservation attempts by outcome"},
		[]string{"outcome"},
	)
	UnitsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "units_expired_total", Help: "Blood units moved to expired by sweeps"})

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notification deliveries by channel and outcome"},
		[]string{"channel", "outcome"},
	)
	SecurityEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "security_events_total", Help: "Security events recorded by type"},
		[]string{"type"},
	)
	StatusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "request_transitions_total", Help: "Blood request status transitions by target status"},
		[]string{"to"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
