package publisher

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "go_pq_outbox_rabbitmq"

type Metric interface {
	SetPublishLatency(latency int64)
	PrometheusCollectors() []prometheus.Collector
	AddSuccessOp(routingKey string, count float64)
	AddErrOp(routingKey string, count float64)
}

var hostname, _ = os.Hostname()

type metric struct {
	publishLatencyNs prometheus.Gauge
	totalSuccess     *prometheus.CounterVec
	totalErr         *prometheus.CounterVec
}

func NewMetric(slotName string) Metric {
	labels := prometheus.Labels{
		"host":      hostname,
		"slot_name": slotName,
	}
	return &metric{
		publishLatencyNs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "publish_latency",
			Name:        "current",
			Help:        "latest confirmed publish latency in nanoseconds",
			ConstLabels: labels,
		}),
		totalSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "publish",
			Name:        "total",
			Help:        "total number of messages confirmed by rabbitmq",
			ConstLabels: labels,
		}, []string{"routing_key"}),
		totalErr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "err",
			Name:        "total",
			Help:        "total number of messages rabbitmq failed to confirm",
			ConstLabels: labels,
		}, []string{"routing_key"}),
	}
}

func (m *metric) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.publishLatencyNs,
		m.totalSuccess,
		m.totalErr,
	}
}

func (m *metric) SetPublishLatency(latency int64) {
	m.publishLatencyNs.Set(float64(latency))
}

func (m *metric) AddSuccessOp(routingKey string, count float64) {
	m.totalSuccess.WithLabelValues(routingKey).Add(count)
}

func (m *metric) AddErrOp(routingKey string, count float64) {
	m.totalErr.WithLabelValues(routingKey).Add(count)
}
