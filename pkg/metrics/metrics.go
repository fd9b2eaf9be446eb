package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Migration metrics
	MigrationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardmig_migrations_total",
			Help: "Number of migrations by state",
		},
		[]string{"state"},
	)

	ItemsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardmig_items_processed_total",
			Help: "Records migrated per store class",
		},
		[]string{"store_class"},
	)

	// Executor metrics
	BatchesApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardmig_batches_applied_total",
			Help: "Data batches durably applied per shard",
		},
		[]string{"shard"},
	)

	BatchSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardmig_batch_size",
			Help: "Current adaptive batch size per shard",
		},
		[]string{"shard"},
	)

	BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shardmig_batch_duration_seconds",
			Help:    "End-to-end batch latency (stream, transform, apply, checkpoint)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"shard"},
	)

	ExecutorRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardmig_executor_retries_total",
			Help: "Executor retries by error class",
		},
		[]string{"class"},
	)

	// Lock metrics
	LocksAcquired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardmig_locks_acquired_total",
			Help: "Advisory lock acquisitions",
		},
	)

	LockContention = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardmig_lock_contention_total",
			Help: "Lock acquisitions refused because the resource was held",
		},
	)

	// Event bus metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardmig_events_published_total",
			Help: "Lifecycle events published by kind",
		},
		[]string{"kind"},
	)

	CommandsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardmig_commands_consumed_total",
			Help: "Operator commands consumed from the bus by kind",
		},
		[]string{"kind"},
	)

	OutboxDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardmig_event_outbox_depth",
			Help: "Events buffered in the status store awaiting bus drain",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardmig_api_requests_total",
			Help: "Control API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(MigrationsTotal)
	prometheus.MustRegister(ItemsProcessed)
	prometheus.MustRegister(BatchesApplied)
	prometheus.MustRegister(BatchSize)
	prometheus.MustRegister(BatchDuration)
	prometheus.MustRegister(ExecutorRetries)
	prometheus.MustRegister(LocksAcquired)
	prometheus.MustRegister(LockContention)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(CommandsConsumed)
	prometheus.MustRegister(OutboxDepth)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer creates and starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since the timer started
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveBatch records the elapsed time in the batch duration histogram
func (t *Timer) ObserveBatch(shard string) time.Duration {
	d := t.Elapsed()
	BatchDuration.WithLabelValues(shard).Observe(d.Seconds())
	return d
}
