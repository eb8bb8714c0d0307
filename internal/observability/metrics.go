package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_grouping", Name: "requests_submitted_total", Help: "Ride requests accepted into the candidate index"})
	RequestsRejected  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_grouping", Name: "requests_rejected_total", Help: "Ride requests rejected by validation"})
	RequestsCancelled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_grouping", Name: "requests_cancelled_total", Help: "Ride requests cancelled by their requester"})
	DeferredRequests  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_grouping", Name: "deferred_requests_total", Help: "Requests skipped for a pass because of collaborator failures"})
	StaleMembers      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_grouping", Name: "stale_members_total", Help: "Members dropped from a proposal because they stopped being matchable mid-pass"})
	IndexSize         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_grouping", Name: "index_size", Help: "Pending requests in the candidate index"})
	PassLatency       = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_grouping", Name: "pass_latency_seconds", Help: "Matching pass latency seconds"})
	PairsScored       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_grouping", Name: "pairs_scored_total", Help: "Pairwise scores computed"})

	GroupTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_grouping", Name: "group_transitions_total", Help: "Group lifecycle transitions by resulting status"},
		[]string{"status"},
	)
	EventDeliveryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_grouping", Name: "event_delivery_errors_total", Help: "Failed lifecycle event deliveries by sink"},
		[]string{"sink"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_grouping", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_grouping",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
