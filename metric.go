package outbox

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "go_pq_outbox"

// Metric records engine activity. Discriminators without an explicit
// registration share the wildcard label to bound cardinality.
type Metric interface {
	SetProcessLatency(latency int64)
	SetConfirmedPosition(pos Position)
	SetState(s State)
	AddDispatch(discriminator, result string)
	AddReconnect()
	PrometheusCollectors() []prometheus.Collector
}

const (
	resultSuccess = "success"
	resultRetried = "retried"
	resultSkipped = "skipped"
	resultAborted = "aborted"
)

var hostname, _ = os.Hostname()

type metric struct {
	processLatencyNs  prometheus.Gauge
	confirmedPosition prometheus.Gauge
	state             prometheus.Gauge
	dispatch          *prometheus.CounterVec
	reconnect         prometheus.Counter
	known             map[string]bool
}

func NewMetric(slotName string, discriminators []string) Metric {
	labels := prometheus.Labels{
		"host":      hostname,
		"slot_name": slotName,
	}
	known := make(map[string]bool, len(discriminators))
	for _, d := range discriminators {
		known[d] = true
	}
	return &metric{
		known: known,
		processLatencyNs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "process_latency",
			Name:        "current",
			Help:        "latest handler process latency in nanoseconds",
			ConstLabels: labels,
		}),
		confirmedPosition: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "confirmed_position",
			Name:        "current",
			Help:        "latest WAL position handled by the subscriber",
			ConstLabels: labels,
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "state",
			Name:        "current",
			Help:        "subscriber state: 0 disconnected, 1 connecting, 2 streaming, 3 reconnecting, 4 stopped",
			ConstLabels: labels,
		}),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "dispatch",
			Name:        "total",
			Help:        "total number of dispatched outbox rows by result",
			ConstLabels: labels,
		}, []string{"discriminator", "result"}),
		reconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "reconnect",
			Name:        "total",
			Help:        "total number of replication reconnect attempts",
			ConstLabels: labels,
		}),
	}
}

func (m *metric) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.processLatencyNs,
		m.confirmedPosition,
		m.state,
		m.dispatch,
		m.reconnect,
	}
}

func (m *metric) SetProcessLatency(latency int64) {
	m.processLatencyNs.Set(float64(latency))
}

func (m *metric) SetConfirmedPosition(pos Position) {
	m.confirmedPosition.Set(float64(pos))
}

func (m *metric) SetState(s State) {
	m.state.Set(float64(s))
}

func (m *metric) AddDispatch(discriminator, result string) {
	if !m.known[discriminator] {
		discriminator = Wildcard
	}
	m.dispatch.WithLabelValues(discriminator, result).Inc()
}

func (m *metric) AddReconnect() {
	m.reconnect.Inc()
}
