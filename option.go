package outbox

import (
	"github.com/lsfera/go-pq-outbox/logger"
	"github.com/prometheus/client_golang/prometheus"
)

type Option func(Subscriber)
type Options []Option

func (ops Options) Apply(s Subscriber) {
	for _, op := range ops {
		op(s)
	}
}

func mustSubscriber(s Subscriber) *subscriber {
	sub, ok := s.(*subscriber)
	if !ok {
		panic("option can only be applied to outbox.subscriber")
	}
	return sub
}

// WithPrometheusMetrics registers additional collectors, typically a relay's,
// on the subscriber's metrics endpoint.
func WithPrometheusMetrics(collectors []prometheus.Collector) Option {
	return func(s Subscriber) {
		sub := mustSubscriber(s)
		sub.collectors = append(sub.collectors, collectors...)
	}
}

// WithLogger sets the logger of this subscriber only. The table, publication
// and slot setup helpers keep logging through logger.Default.
func WithLogger(l logger.Logger) Option {
	return func(s Subscriber) {
		if l == nil {
			return
		}
		mustSubscriber(s).log = l
	}
}
