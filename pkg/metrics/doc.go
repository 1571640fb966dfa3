/*
Package metrics provides Prometheus metrics collection, health checks, and
exposition for sequent.

It defines and registers every sequent metric via the Prometheus client
library, giving operators visibility into work queue pressure, claim
throughput, router outcomes, housekeeper sweeps, and notifier connection
health. Metrics are exposed over HTTP for scraping; health.go additionally
exposes liveness/readiness handlers the same HTTP server can mount.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  WorkQueue:   depth, dropped pushes         │          │
	│  │  Claims:      active claims per group       │          │
	│  │  Groups:      stopped count, retry counts   │          │
	│  │  Backend:     append/ack latency            │          │
	│  │  Router:      batches processed/failed,     │          │
	│  │               dispatch latency              │          │
	│  │  Housekeeper: promoted, claims reaped       │          │
	│  │  Notifier:    LISTEN/NOTIFY reconnects      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Prometheus Server                   │          │
	│  │  - Scrapes /metrics on its own interval     │          │
	│  │  - Stores time series                       │          │
	│  │  - Serves PromQL queries to dashboards      │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metrics Catalog

Work queue (pkg/workqueue):

  - sequent_workqueue_depth{reactor} (gauge) — pending pushes currently
    queued for reactor, after the per-reactor cap is applied.
  - sequent_workqueue_dropped_total{reactor} (counter) — pushes dropped
    because reactor was already at its per-reactor cap (max_per_reactor).

Claims (Collector, from Backend.Stats):

  - sequent_claims_active{group} (gauge) — offsets currently claimed by a
    worker for group.

Consumer groups (pkg/router):

  - sequent_groups_stopped (gauge) — consumer groups currently in the
    stopped state, across the whole process.
  - sequent_group_retry_count{group} (gauge) — the retry_count currently
    recorded in group's error_context.

Backend:

  - sequent_backend_append_duration_seconds (histogram) — time to append a
    batch of messages to a stream.
  - sequent_backend_ack_duration_seconds (histogram) — time to acknowledge
    a processed message for a group.

Both backend histograms are registered, but no backend in this module
observes them, so they stay empty.

Router (pkg/router):

  - sequent_router_batches_processed_total{group} (counter) — batches
    successfully handled and applied.
  - sequent_router_batches_failed_total{group} (counter) — batches that
    raised an error during handling or apply.
  - sequent_router_dispatch_duration_seconds (histogram) — time spent in
    one HandleNextEventForReactor call, claim through ack.

Housekeeper (pkg/housekeeper):

  - sequent_housekeeper_promoted_total (counter) — scheduled messages
    promoted into the log.
  - sequent_housekeeper_claims_reaped_total (counter) — stale claims
    released after exceeding their TTL.

Notifier (pkg/notifier):

  - sequent_notifier_reconnects_total (counter) — LISTEN/NOTIFY reconnect
    or disconnect events observed by the Postgres notifier, rate-limited
    to one count per second so a flapping connection doesn't inflate it.

# Usage

Register no metrics yourself; importing pkg/metrics is enough, since every
collector above is created and registered in this package's init(). Record
against the package-level vars directly from the component that owns the
event:

	metrics.RouterBatchesProcessedTotal.WithLabelValues(groupID).Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RouterDispatchDuration)

Mount the handlers from a single HTTP server, as cmd/sequent/serve.go does:

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

# Health checks

health.go maintains a HealthChecker independent of the Prometheus registry:
cmd/sequent/serve.go calls RegisterComponent for backend, notifier, and
workqueue once at startup; UpdateComponent records a later status change,
and only the tests call it. GetReadiness treats
backend, notifier, and workqueue as critical — any one of them unhealthy or
unregistered fails the readiness probe, so a load balancer or orchestrator
stops routing work to this process before it silently drops it. Liveness
never inspects component state; it answers the narrower question of
whether the process is alive enough to respond at all.

# Design notes

Gauges for point-in-time state (queue depth, active claims, retry counts);
counters for monotonic totals (dropped pushes, processed/failed batches,
reconnects); histograms for latency distributions using the Prometheus
default buckets, on the assumption that append/ack/dispatch calls complete
in low hundreds of milliseconds under normal load. Every vector metric is
labeled by reactor or group id, not by stream id — stream cardinality is
unbounded over a long-running log, and a metrics label set that grows
without a cap is the easiest way to take down a Prometheus server.

See pkg/workqueue, pkg/router, pkg/backend, pkg/housekeeper, and
pkg/notifier for where each metric is recorded.
*/
package metrics
