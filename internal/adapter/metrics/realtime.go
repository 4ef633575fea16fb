package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcome labels.
const (
	OutcomeDelivered     = "delivered"
	OutcomeNoSubscribers = "no_subscribers"
	OutcomeInvalid       = "invalid"

	OutcomeOK          = "ok"
	OutcomeDenied      = "denied"
	OutcomeMalformed   = "malformed"
	OutcomeRateLimited = "rate_limited"
)

// RealtimeMetrics covers the connection registry, the dispatcher and inbound client frames.
// All methods are safe on a nil receiver so tests can run without a registry.
type RealtimeMetrics struct {
	ActiveConnections    prometheus.Gauge
	MessagesDelivered    *prometheus.CounterVec
	DeliveryFailures     *prometheus.CounterVec
	SlowConsumersEvicted prometheus.Counter
	IdleReclaims         prometheus.Counter
	Dispatches           *prometheus.CounterVec
	ClientMessages       *prometheus.CounterVec
}

// NewRealtimeMetrics creates and registers realtime metrics on the given registry.
func NewRealtimeMetrics(reg prometheus.Registerer) *RealtimeMetrics {
	m := &RealtimeMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "active_connections",
			Help:      "Number of live WebSocket connections.",
		}),
		MessagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "messages_delivered_total",
			Help:      "Frames handed to subscriber sessions, by server event name.",
		}, []string{"event"}),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "delivery_failures_total",
			Help:      "Frames that could not be handed to a subscriber session, by reason.",
		}, []string{"reason"}),
		SlowConsumersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "slow_consumers_evicted_total",
			Help:      "Connections closed because their outbound buffer was full.",
		}),
		IdleReclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "idle_reclaims_total",
			Help:      "Connections closed by the idle sweep.",
		}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "dispatches_total",
			Help:      "Channel fan-outs started by the dispatcher, by event kind and outcome.",
		}, []string{"kind", "outcome"}),
		ClientMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "client_messages_total",
			Help:      "Inbound client frames, by event name and outcome.",
		}, []string{"event", "outcome"}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.MessagesDelivered,
		m.DeliveryFailures,
		m.SlowConsumersEvicted,
		m.IdleReclaims,
		m.Dispatches,
		m.ClientMessages,
	)
	return m
}

func (m *RealtimeMetrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *RealtimeMetrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *RealtimeMetrics) Delivered(event string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MessagesDelivered.WithLabelValues(event).Add(float64(n))
}

func (m *RealtimeMetrics) DeliveryFailed(reason string) {
	if m == nil {
		return
	}
	m.DeliveryFailures.WithLabelValues(reason).Inc()
}

func (m *RealtimeMetrics) SlowConsumerEvicted() {
	if m == nil {
		return
	}
	m.SlowConsumersEvicted.Inc()
}

func (m *RealtimeMetrics) IdleReclaimed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.IdleReclaims.Add(float64(n))
}

func (m *RealtimeMetrics) Dispatched(kind, outcome string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(kind, outcome).Inc()
}

func (m *RealtimeMetrics) ClientMessage(event, outcome string) {
	if m == nil {
		return
	}
	m.ClientMessages.WithLabelValues(event, outcome).Inc()
}

// RegistrySnapshot is the subset of registry statistics exported as gauges.
type RegistrySnapshot struct {
	AuthenticatedConnections int
	Channels                 int
	Subscriptions            int
}

// RegisterRegistryGauges exports registry statistics computed on scrape.
func RegisterRegistryGauges(reg prometheus.Registerer, snapshot func() RegistrySnapshot) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "authenticated_connections",
			Help:      "Connections bound to a user identity.",
		}, func() float64 { return float64(snapshot().AuthenticatedConnections) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "channels",
			Help:      "Channels with at least one subscriber.",
		}, func() float64 { return float64(snapshot().Channels) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "subscriptions",
			Help:      "Channel memberships across all connections.",
		}, func() float64 { return float64(snapshot().Subscriptions) }),
	)
}
