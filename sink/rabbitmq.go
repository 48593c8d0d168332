package sink

import (
	"context"
	"fmt"

	"github.com/lsfera/go-pq-outbox/config"
	"github.com/lsfera/go-pq-outbox/rabbitmq"
	"github.com/lsfera/go-pq-outbox/rabbitmq/publisher"
	"github.com/prometheus/client_golang/prometheus"
)

type confirmPublisher interface {
	Publish(ctx context.Context, msgs []rabbitmq.PublishMessage) error
}

type router interface {
	RoutingKey(discriminator string) (string, error)
}

// RabbitMQ publishes records to an exchange with publisher confirms. The
// routing key of a record is resolved from its discriminator.
type RabbitMQ struct {
	client    rabbitmq.Client
	publisher confirmPublisher
	router    router
	metric    publisher.Metric
	appID     string
}

// NewRabbitMQ connects to the broker and declares the configured topology.
// schema and table feed the routing key templates.
func NewRabbitMQ(cfg config.RabbitMQ, schema, table, slotName string, responseHandler rabbitmq.ResponseHandler) (*RabbitMQ, error) {
	cfg.SetDefault()
	r, err := rabbitmq.NewRouter(cfg.RoutingKeyTemplate, cfg.RoutingKeyMapping, schema, table)
	if err != nil {
		return nil, err
	}

	client, err := rabbitmq.NewClient(&cfg)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq client: %w", err)
	}
	p := publisher.New(client, &cfg, responseHandler, slotName)

	return &RabbitMQ{
		client:    client,
		publisher: p,
		router:    r,
		metric:    p.Metric(),
		appID:     cfg.ConnectionName,
	}, nil
}

func (s *RabbitMQ) Publish(ctx context.Context, r Record) error {
	key, err := s.router.RoutingKey(r.Discriminator)
	if err != nil {
		return fmt.Errorf("%w: %w", rabbitmq.ErrPermanent, err)
	}
	return s.publisher.Publish(ctx, []rabbitmq.PublishMessage{PublishMessage(r, key, s.appID)})
}

// PrometheusCollectors exposes the publish metrics so they can be served by
// the subscriber's metric endpoint.
func (s *RabbitMQ) PrometheusCollectors() []prometheus.Collector {
	if s.metric == nil {
		return nil
	}
	return s.metric.PrometheusCollectors()
}

func (s *RabbitMQ) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// PublishMessage maps a record to an AMQP message routed with key.
func PublishMessage(r Record, key, appID string) rabbitmq.PublishMessage {
	headers := make(map[string]any, len(r.Headers))
	for name, v := range r.Headers {
		headers[name] = v
	}
	return rabbitmq.PublishMessage{
		Timestamp:   r.CreatedAt,
		Headers:     headers,
		RoutingKey:  key,
		ContentType: "application/json",
		MessageID:   r.DedupID(),
		Type:        r.Discriminator,
		AppID:       appID,
		Body:        r.Payload,
	}
}
