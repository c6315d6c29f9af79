package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transfer pipeline metrics
var (
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3watcher_transfers_total",
			Help: "Total number of transfer runs by terminal state",
		},
		[]string{"state"},
	)

	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "s3watcher_transfer_duration_seconds",
			Help:    "Duration of transfer runs in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"state"},
	)

	TransfersInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "s3watcher_transfers_in_flight",
			Help: "Number of transfer runs currently executing",
		},
	)

	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3watcher_delivery_attempts_total",
			Help: "Total number of delivery attempts by result",
		},
		[]string{"result"},
	)

	DeliveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3watcher_delivery_outcomes_total",
			Help: "Delivery outcome data points published per transfer run",
		},
		[]string{"name", "stage", "uploaded_by"},
	)

	DeliveredBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3watcher_delivered_bytes_total",
			Help: "Total number of bytes accepted by the delivery endpoint",
		},
		[]string{"stage"},
	)

	QuarantinedObjects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3watcher_quarantined_objects_total",
			Help: "Objects copied to the fail bucket",
		},
		[]string{"fail_bucket"},
	)

	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3watcher_retry_attempts_total",
			Help: "Retries performed after a failed first attempt",
		},
		[]string{"operation"},
	)
)

// Object store metrics
var (
	ObjectStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3watcher_object_store_operations_total",
			Help: "Total number of object store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	ObjectStoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "s3watcher_object_store_operation_duration_seconds",
			Help:    "Duration of object store operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"backend", "operation"},
	)

	ObjectStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3watcher_object_store_errors_total",
			Help: "Object store errors by classification",
		},
		[]string{"backend", "operation", "class"},
	)
)

// Notification intake and audit metrics
var (
	NotificationsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3watcher_notifications_received_total",
			Help: "Object notifications received by source",
		},
		[]string{"source"},
	)

	NotificationsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3watcher_notifications_skipped_total",
			Help: "Notification records ignored by reason",
		},
		[]string{"reason"},
	)

	AuditEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3watcher_audit_events_total",
			Help: "Audit events recorded by kind",
		},
		[]string{"kind"},
	)

	AuditDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "s3watcher_audit_events_dropped_total",
			Help: "Audit events lost because the sink failed",
		},
	)
)

// Resilience and health metrics
var (
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "s3watcher_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "s3watcher_component_health_status",
			Help: "Component health status (0=unhealthy, 1=degraded, 2=healthy)",
		},
		[]string{"component"},
	)

	HealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "s3watcher_health_check_duration_seconds",
			Help:    "Duration of health checks in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"component"},
	)
)
