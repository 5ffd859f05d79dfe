package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "defenderhub"

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	checkins        *prometheus.CounterVec
	threats         *prometheus.CounterVec
	eventLogs       prometheus.Counter
	asrEvents       *prometheus.CounterVec
	statusFailures  prometheus.Counter
	enrollments     *prometheus.CounterVec
	retentionRows   *prometheus.CounterVec
	retentionErrors prometheus.Counter
}

// NewMetrics registers collectors on reg. Collectors already registered by an
// earlier call are reused.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	registerOrExisting := func(coll prometheus.Collector) prometheus.Collector {
		if err := reg.Register(coll); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			panic(err)
		}
		return coll
	}

	m := &Metrics{gatherer: reg}
	m.requests = registerOrExisting(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"route", "method", "code"},
	)).(*prometheus.CounterVec)

	m.requestDuration = registerOrExisting(prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "The HTTP request latencies in seconds.",
		},
		[]string{"route"},
	)).(*prometheus.HistogramVec)

	m.checkins = registerOrExisting(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_checkins_total",
			Help:      "Successful agent protocol calls by operation.",
		},
		[]string{"operation"},
	)).(*prometheus.CounterVec)

	m.threats = registerOrExisting(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threats_ingested_total",
			Help:      "Threat reports processed, by outcome.",
		},
		[]string{"result"},
	)).(*prometheus.CounterVec)

	m.eventLogs = registerOrExisting(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_logs_ingested_total",
		Help:      "Event log rows stored.",
	})).(prometheus.Counter)

	m.asrEvents = registerOrExisting(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asr_events_total",
			Help:      "Parsed attack surface reduction events by action.",
		},
		[]string{"action"},
	)).(*prometheus.CounterVec)

	m.statusFailures = registerOrExisting(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_insert_failures_total",
		Help:      "Heartbeat status snapshots that could not be stored.",
	})).(prometheus.Counter)

	m.enrollments = registerOrExisting(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_enrollments_total",
			Help:      "Router enrollment attempts by result.",
		},
		[]string{"result"},
	)).(*prometheus.CounterVec)

	m.retentionRows = registerOrExisting(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "deleted_rows_total",
			Help:      "Rows removed by the retention sweep.",
		},
		[]string{"table"},
	)).(*prometheus.CounterVec)

	m.retentionErrors = registerOrExisting(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retention",
		Name:      "errors_total",
		Help:      "Batch failures reported by the retention sweep.",
	})).(prometheus.Counter)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route, method string, code int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) CheckIn(operation string) {
	m.checkins.WithLabelValues(operation).Inc()
}

func (m *Metrics) ThreatIngested(result string) {
	m.threats.WithLabelValues(result).Inc()
}

func (m *Metrics) EventLogsIngested(n int) {
	m.eventLogs.Add(float64(n))
}

func (m *Metrics) AsrEvent(action string) {
	m.asrEvents.WithLabelValues(action).Inc()
}

func (m *Metrics) StatusInsertFailed() {
	m.statusFailures.Inc()
}

func (m *Metrics) RouterEnrollment(result string) {
	m.enrollments.WithLabelValues(result).Inc()
}

// RetentionSwept records one sweep's per-table deletions and error count.
func (m *Metrics) RetentionSwept(deleted map[string]int64, errors int) {
	for table, n := range deleted {
		m.retentionRows.WithLabelValues(table).Add(float64(n))
	}
	m.retentionErrors.Add(float64(errors))
}
