package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingress
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callgate_events_total",
			Help: "Inbound events by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callgate_rate_limit_hits_total",
			Help: "Events rejected by the per-tenant rate limiter",
		},
		[]string{"tenant"},
	)

	SyncWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callgate_sync_wait_seconds",
			Help:    "Time a synchronous caller waited for its result",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 3, 5, 10},
		},
		[]string{"outcome"},
	)

	// Queue
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "callgate_queue_depth",
			Help: "Jobs per queue state",
		},
		[]string{"state"},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callgate_jobs_total",
			Help: "Job attempts by event type and result",
		},
		[]string{"type", "result"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callgate_job_duration_seconds",
			Help:    "Handler execution time",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callgate_dead_letters_total",
			Help: "Jobs moved to dead_letter",
		},
		[]string{"type"},
	)

	StalledRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callgate_stalled_jobs_total",
			Help: "Jobs recovered after their lease expired",
		},
	)

	// Booking
	ReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callgate_reservations_total",
			Help: "Reservation attempts by outcome",
		},
		[]string{"outcome"},
	)

	HoldsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callgate_holds_expired_total",
			Help: "Unconfirmed holds released by the sweeper",
		},
	)
)

// ObserveQueue publishes a queue snapshot.
func ObserveQueue(waiting, active, completed, failed, delayed int64) {
	QueueDepth.WithLabelValues("waiting").Set(float64(waiting))
	QueueDepth.WithLabelValues("active").Set(float64(active))
	QueueDepth.WithLabelValues("completed").Set(float64(completed))
	QueueDepth.WithLabelValues("failed").Set(float64(failed))
	QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
}
