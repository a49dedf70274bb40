package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "food_dispatch"

var (
	RouteRequests  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "route_backend_requests_total", Help: "Routing backend calls by backend and outcome"}, []string{"backend", "outcome"})
	RouteFallbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "route_fallbacks_total", Help: "Straight-line fallback routes served"})
	CacheLookups   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "cache_lookups_total", Help: "Cache lookups by cache and result"}, []string{"cache", "result"})

	NearbyLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "nearby_query_seconds", Help: "Nearby search latency seconds"})
	NearbyETAFail = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "nearby_eta_failures_total", Help: "Candidates served without a delivery estimate"})

	PositionsReported = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "positions_reported_total", Help: "Driver position reports by result"}, []string{"result"})
	ETARecomputes     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "eta_recomputes_total", Help: "ETA recomputations by trigger"}, []string{"trigger"})
	SubscriberDrops   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "subscriber_dropped_updates_total", Help: "Tracking updates dropped for slow subscribers"})
	Subscribers       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "tracking_subscribers", Help: "Open tracking subscriptions"})

	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "order_transitions_total", Help: "Applied order status transitions"}, []string{"to"})
	Notifications    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notification deliveries by sink and outcome"}, []string{"sink", "outcome"})
	DriverRankings   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "driver_rankings_total", Help: "Pickup candidate rankings by result"}, []string{"result"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_errors_total", Help: "API error responses by route and error code"},
		[]string{"path", "code"},
	)
	WebsocketSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "websocket_sessions", Help: "Open websocket sessions by route"},
		[]string{"path"},
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
