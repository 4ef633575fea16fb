package metrics

import "github.com/prometheus/client_golang/prometheus"

// RedisMetrics covers the ingest client: command latency, dial failures, breaker state and ingested messages.
// All methods are safe on a nil receiver.
type RedisMetrics struct {
	OpsTotal                   *prometheus.CounterVec
	OpDuration                 *prometheus.HistogramVec
	ConnectionErrors           prometheus.Counter
	CircuitBreakerState        prometheus.Gauge
	CircuitBreakerStateChanges *prometheus.CounterVec
	IngestMessages             *prometheus.CounterVec
}

// NewRedisMetrics creates and registers redis metrics on the given registry.
func NewRedisMetrics(reg prometheus.Registerer) *RedisMetrics {
	m := &RedisMetrics{
		OpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operations_total",
			Help:      "Redis commands executed, by command and status.",
		}, []string{"operation", "status"}),
		OpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Redis command latency in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"operation"}),
		ConnectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "connection_errors_total",
			Help:      "Failed attempts to dial redis.",
		}),
		CircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "circuit_breaker_state",
			Help:      "Redis circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
		CircuitBreakerStateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Redis circuit breaker transitions, by new state.",
		}, []string{"state"}),
		IngestMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "ingest_messages_total",
			Help:      "Producer events received over redis pub/sub, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.OpsTotal,
		m.OpDuration,
		m.ConnectionErrors,
		m.CircuitBreakerState,
		m.CircuitBreakerStateChanges,
		m.IngestMessages,
	)
	return m
}

func (m *RedisMetrics) Operation(operation, status string, seconds float64) {
	if m == nil {
		return
	}
	m.OpsTotal.WithLabelValues(operation, status).Inc()
	m.OpDuration.WithLabelValues(operation).Observe(seconds)
}

func (m *RedisMetrics) DialFailed() {
	if m == nil {
		return
	}
	m.ConnectionErrors.Inc()
}

func (m *RedisMetrics) BreakerStateChanged(state string, value float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerStateChanges.WithLabelValues(state).Inc()
	m.CircuitBreakerState.Set(value)
}

func (m *RedisMetrics) Ingested(outcome string) {
	if m == nil {
		return
	}
	m.IngestMessages.WithLabelValues(outcome).Inc()
}
