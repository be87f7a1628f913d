package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every Prometheus metric family the execution core exports.
// A single instance is created per process with promauto, so re-registration
// panics are caught at startup rather than silently dropped.
type Metrics struct {
	// HTTP metrics (command bus submission endpoint only)
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestTotal    *prometheus.CounterVec

	// Broker publish metrics (MqPublisher + KafkaPublisher)
	EventsPublished         *prometheus.CounterVec
	EventsConsumed          *prometheus.CounterVec
	EventProcessingDuration *prometheus.HistogramVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBConnections   *prometheus.GaugeVec

	// Outbox dispatcher metrics
	OutboxClaimed          *prometheus.CounterVec
	OutboxPublished        *prometheus.CounterVec
	OutboxRescheduled      *prometheus.CounterVec
	OutboxDispatchDuration *prometheus.HistogramVec
	OutboxStuckRecovered   prometheus.Counter

	// Executor metrics
	ExecutorDuration *prometheus.HistogramVec
	ExecutorOutcomes *prometheus.CounterVec

	// Process manager metrics
	ProcessInstancesByStatus *prometheus.GaugeVec
	ProcessStepsEmitted      *prometheus.CounterVec

	// Fast-path notifier metrics (Redis LPUSH/BRPOP optimization)
	FastPathNotified *prometheus.CounterVec
	FastPathKicks    *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	return &Metrics{
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPRequestTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		EventsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total broker publishes, by topic and outcome",
			},
			[]string{"topic", "status"},
		),
		EventsConsumed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_consumed_total",
				Help:      "Total broker deliveries consumed, by topic and outcome",
			},
			[]string{"topic", "status"},
		),
		EventProcessingDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_processing_duration_seconds",
				Help:      "Time spent handling one inbound delivery",
				Buckets:   []float64{.01, .05, .1, .5, 1, 2, 5, 10},
			},
			[]string{"topic", "handler"},
		),
		DBQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_query_duration_seconds",
				Help:      "Database query duration",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),
		DBConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Current database connections",
			},
			[]string{"state"},
		),
		OutboxClaimed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_claimed_total",
				Help:      "Outbox rows claimed by this dispatcher, by category",
			},
			[]string{"category"},
		),
		OutboxPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_published_total",
				Help:      "Outbox rows successfully published, by category",
			},
			[]string{"category"},
		),
		OutboxRescheduled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_rescheduled_total",
				Help:      "Outbox rows rescheduled after a publish failure, by category",
			},
			[]string{"category"},
		),
		OutboxDispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "outbox_dispatch_duration_seconds",
				Help:      "Time spent publishing one claimed outbox row",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .5, 1, 5},
			},
			[]string{"category"},
		),
		OutboxStuckRecovered: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_stuck_recovered_total",
				Help:      "CLAIMED outbox rows reclaimed after exceeding the claim timeout",
			},
		),
		ExecutorDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "executor_duration_seconds",
				Help:      "Time spent in the transactional command envelope",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"command_name"},
		),
		ExecutorOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executor_outcomes_total",
				Help:      "Executor invocations, by outcome (duplicate, succeeded, failed, retryable)",
			},
			[]string{"command_name", "outcome"},
		),
		ProcessInstancesByStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "process_instances",
				Help:      "Live process instance count by status",
			},
			[]string{"process_type", "status"},
		),
		ProcessStepsEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_steps_emitted_total",
				Help:      "Step (or compensation) commands emitted by the process manager",
			},
			[]string{"process_type", "step"},
		),
		FastPathNotified: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fastpath_notified_total",
				Help:      "Fast-path LPUSH attempts after an outbox commit, by outcome",
			},
			[]string{"status"},
		),
		FastPathKicks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fastpath_kicks_total",
				Help:      "Outbox ids popped by the fast-path listener, by outcome (ok: handed to Dispatcher.Kick; error: not a numeric id)",
			},
			[]string{"status"},
		),
	}
}

// ObserveHTTP records HTTP request metrics for the command bus endpoint.
func (m *Metrics) ObserveHTTP(method, endpoint, status string, duration time.Duration) {
	m.HTTPRequestDuration.WithLabelValues(method, endpoint, status).Observe(duration.Seconds())
	m.HTTPRequestTotal.WithLabelValues(method, endpoint, status).Inc()
}
