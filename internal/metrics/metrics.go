// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync queue
	SyncQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "timrs_sync_queue_length",
			Help: "Number of items waiting in the sync queue",
		},
	)

	SyncItemsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timrs_sync_items_delivered_total",
			Help: "Queue items delivered to the remote store",
		},
		[]string{"collection", "operation"},
	)

	SyncItemsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timrs_sync_items_retried_total",
			Help: "Queue items requeued after a failed delivery",
		},
		[]string{"collection"},
	)

	SyncItemsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timrs_sync_items_dropped_total",
			Help: "Queue items dropped after exhausting their retries",
		},
		[]string{"collection"},
	)

	SyncDrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "timrs_sync_drain_duration_seconds",
			Help:    "Duration of a sync queue drain",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "timrs_sync_status",
			Help: "1 for the current sync status, 0 otherwise",
		},
		[]string{"status"},
	)

	SyncAllTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timrs_sync_all_total",
			Help: "Manual full syncs by outcome",
		},
		[]string{"result"}, // success, error, skipped
	)

	// Remote store
	RemoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timrs_remote_request_duration_seconds",
			Help:    "Duration of remote store calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	RemoteRequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timrs_remote_request_errors_total",
			Help: "Failed remote store calls",
		},
		[]string{"backend", "operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "timrs_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timrs_circuit_breaker_state_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Connectivity
	NetworkOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "timrs_network_online",
			Help: "1 when the remote is reachable, 0 otherwise",
		},
	)

	// Local store
	StoreWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timrs_store_write_errors_total",
			Help: "Failed local store writes",
		},
		[]string{"key"},
	)

	// HTTP
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timrs_api_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

var syncStatuses = []string{"offline", "pending", "syncing", "synced", "error"}

// SetSyncStatus marks status as the current one.
func SetSyncStatus(status string) {
	for _, s := range syncStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		SyncStatus.WithLabelValues(s).Set(v)
	}
}

// ObserveRemote records the duration and outcome of a remote call.
func ObserveRemote(backend, operation string, start time.Time, err error) {
	RemoteRequestDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		RemoteRequestErrors.WithLabelValues(backend, operation).Inc()
	}
}
