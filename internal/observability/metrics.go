package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "carpool"

var (
	SwipesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "swipes_total", Help: "Recorded swipe decisions"},
		[]string{"direction"},
	)
	OutOfBudgetTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "swipes_out_of_budget_total", Help: "Swipes refused because the daily budget was used up"})
	RefillDuration    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "queue_refill_seconds", Help: "Time to score and rebuild a discovery queue"})
	RefillsSuperseded = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "queue_refills_superseded_total", Help: "Refills discarded because a newer refill started"})
	ActiveSessions    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "swipe_sessions_active", Help: "Swipe sessions held in memory"})

	PendingAcceptsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "pending_accepts_total", Help: "Accepts waiting for the other family"})
	MatchesTotal        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Mutual matches created"})
	MatchEventErrors    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "match_event_errors_total", Help: "Failed match event deliveries"},
		[]string{"sink"},
	)

	GroupsFormed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "groups_formed_total", Help: "Group formation requests by outcome"},
		[]string{"outcome"},
	)

	ProfilesIngested = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "profiles_ingested_total", Help: "Family profile updates accepted"})

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
