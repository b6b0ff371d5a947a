package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "ride_bidding"

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Name: "rides_requested_total", Help: "Rides created by passengers"})
	RidesCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: Namespace, Name: "rides_cancelled_total", Help: "Rides cancelled, by reason"},
		[]string{"reason"},
	)
	RidesCompleted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Name: "rides_completed_total", Help: "Rides completed"})
	DriversNotified = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "drivers_notified",
		Help:      "Drivers notified per ride request",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})

	OffersSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Name: "offers_submitted_total", Help: "Offers submitted by drivers"})
	OffersAccepted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Name: "offers_accepted_total", Help: "Offers accepted by passengers"})
	OffersExpired   = promauto.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Name: "offers_expired_total", Help: "Offers moved to expired"})
	CounterOffers   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: Namespace, Name: "counter_offers_total", Help: "Counter proposals, by direction"},
		[]string{"direction"},
	)
	// time from request to acceptance
	NegotiationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "negotiation_duration_seconds",
		Help:      "Seconds between ride request and offer acceptance",
		Buckets:   []float64{5, 15, 30, 60, 120, 180, 300},
	})

	TimeoutsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: Namespace, Name: "ride_timer_fires_total", Help: "Ride timers that fired, by outcome"},
		[]string{"outcome"},
	)
	TimersArmed = promauto.NewGauge(prometheus.GaugeOpts{Namespace: Namespace, Name: "ride_timers_armed", Help: "Currently armed ride timers"})

	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: Namespace, Name: "notification_failures_total", Help: "Failed notifications, by channel"},
		[]string{"channel"},
	)
	WSSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: Namespace, Name: "ws_sessions", Help: "Open websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: Namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
