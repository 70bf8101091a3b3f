// Package metrics is the process-wide Prometheus metric registry, grounded
// on the pack's internal/metrics package (distributed-cron) and the
// admin-module's middleware/metrics.go: package-level promauto vectors that
// self-register against the default registry, initialized once before any
// component starts and handed to components by value (the Supervisor and
// HTTP server never need their own registries).
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FailuresTotal counts every failure by its domain.Kind and the
	// component that observed it, satisfying §7's "every failure increments
	// a labeled counter" requirement.
	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_failures_total",
			Help: "Total number of failures observed, by error kind and component.",
		},
		[]string{"kind", "component"},
	)

	// EventsProcessedTotal counts FileEvents the Dispatcher Engine finished
	// processing, by source and outcome (created/updated_same_hash/updated_new_hash).
	EventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_events_processed_total",
			Help: "Total number of FileEvents processed by the dispatcher engine.",
		},
		[]string{"source", "result"},
	)

	// DispatchedTotal counts successful target dispatches.
	DispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_dispatched_total",
			Help: "Total number of files dispatched to a target with a confirmed publish.",
		},
		[]string{"target"},
	)

	// HashDurationSeconds observes the time spent streaming a file through
	// SHA-256, labeled by source.
	HashDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cortex_hash_duration_seconds",
			Help:    "Time spent hashing a file while determining its identity.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// AMQPReconnectsTotal counts AMQP Gateway reconnect attempts.
	AMQPReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cortex_amqp_reconnects_total",
			Help: "Total number of AMQP broker reconnect attempts.",
		},
	)

	// SftpConnectionState reports each configured SFTP source's current
	// state machine value (0=Disconnected, 1=Connecting, 2=Ready,
	// 3=Reconnecting, 4=Failed), per §4.2's state machine.
	SftpConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cortex_sftp_connection_state",
			Help: "Current SFTP Executor connection state by source (0=Disconnected,1=Connecting,2=Ready,3=Reconnecting,4=Failed).",
		},
		[]string{"source"},
	)

	// EventBusSubscribers reports the number of active Event Bus subscribers.
	EventBusSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cortex_eventbus_subscribers",
			Help: "Current number of active Event Bus subscribers.",
		},
	)

	// SupervisedTaskRestartsTotal counts Supervisor-driven subtask restarts.
	SupervisedTaskRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_supervised_task_restarts_total",
			Help: "Total number of times the Supervisor restarted a transient subtask.",
		},
		[]string{"task"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_http_requests_total",
			Help: "Total HTTP requests served by the admin/metrics surface.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cortex_http_request_duration_seconds",
			Help:    "HTTP request duration served by the admin/metrics surface.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// ObserveFailure increments FailuresTotal for a component/kind pair.
func ObserveFailure(component, kind string) {
	FailuresTotal.WithLabelValues(kind, component).Inc()
}

type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware records request count and latency for every admin/metrics
// surface endpoint, in the shape of the admin-module's MetricsMiddleware.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
