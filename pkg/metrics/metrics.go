package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WorkQueueDepth tracks pending pushes per reactor, after the
	// per-reactor cap is applied.
	WorkQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sequent_workqueue_depth",
			Help: "Current number of pending signals per reactor in the work queue",
		},
		[]string{"reactor"},
	)

	WorkQueueDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequent_workqueue_dropped_total",
			Help: "Total pushes dropped because a reactor was already at its per-reactor cap",
		},
		[]string{"reactor"},
	)

	ClaimsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sequent_claims_active",
			Help: "Number of offsets currently claimed by a worker, by group",
		},
		[]string{"group"},
	)

	GroupsStopped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sequent_groups_stopped",
			Help: "Number of consumer groups currently in the stopped state",
		},
	)

	GroupRetryCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sequent_group_retry_count",
			Help: "Current retry_count recorded in a group's error_context",
		},
		[]string{"group"},
	)

	AppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sequent_backend_append_duration_seconds",
			Help:    "Time taken to append a batch of messages to a stream",
			Buckets: prometheus.DefBuckets,
		},
	)

	AckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sequent_backend_ack_duration_seconds",
			Help:    "Time taken to acknowledge a processed message for a group",
			Buckets: prometheus.DefBuckets,
		},
	)

	RouterBatchesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequent_router_batches_processed_total",
			Help: "Total batches successfully handled and applied, by group",
		},
		[]string{"group"},
	)

	RouterBatchesFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequent_router_batches_failed_total",
			Help: "Total batches that raised an error during handling or apply, by group",
		},
		[]string{"group"},
	)

	RouterDispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sequent_router_dispatch_duration_seconds",
			Help:    "Time taken by one handle_next_event_for_reactor call, claim through ack",
			Buckets: prometheus.DefBuckets,
		},
	)

	HousekeeperPromotedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sequent_housekeeper_promoted_total",
			Help: "Total scheduled messages promoted into the log",
		},
	)

	HousekeeperClaimsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sequent_housekeeper_claims_reaped_total",
			Help: "Total stale claims released by the housekeeper",
		},
	)

	NotifierReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sequent_notifier_reconnects_total",
			Help: "Total LISTEN/NOTIFY reconnect or disconnect events seen by the notifier, at most one per second",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkQueueDepth,
		WorkQueueDroppedTotal,
		ClaimsActive,
		GroupsStopped,
		GroupRetryCount,
		AppendDuration,
		AckDuration,
		RouterBatchesProcessedTotal,
		RouterBatchesFailedTotal,
		RouterDispatchDuration,
		HousekeeperPromotedTotal,
		HousekeeperClaimsReapedTotal,
		NotifierReconnectsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to the histogram in vec
// selected by labels.
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
