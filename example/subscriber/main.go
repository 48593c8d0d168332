package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	outbox "github.com/lsfera/go-pq-outbox"
	"github.com/lsfera/go-pq-outbox/config"
	"github.com/lsfera/go-pq-outbox/example/contracts"
	"github.com/lsfera/go-pq-outbox/logger"
	"github.com/lsfera/go-pq-outbox/naming"
	"github.com/lsfera/go-pq-outbox/rabbitmq"
	"github.com/lsfera/go-pq-outbox/sink"
	"github.com/prometheus/client_golang/prometheus"
)

type Relay struct {
	// Kind selects the broker: rabbitmq, kafka or nats. Empty disables the relay.
	Kind     string          `yaml:"kind"`
	RabbitMQ config.RabbitMQ `yaml:"rabbitmq"`
	Kafka    config.Kafka    `yaml:"kafka"`
	NATS     config.NATS     `yaml:"nats"`
	Breaker  config.Breaker  `yaml:"breaker"`
}

type Config struct {
	Subscriber config.Subscriber `yaml:"subscriber"`
	Relay      Relay             `yaml:"relay"`
}

func main() {
	path := flag.String("config", "example/subscriber/config.yml", "path to the YAML configuration")
	flag.Parse()

	var cfg Config
	if err := config.Load(*path, &cfg); err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("subscriber", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) error {
	cfg.Subscriber.SetDefault()
	logger.SetDefault(logger.New(cfg.Subscriber.Logger.Level))

	b := outbox.NewBuilder().
		WithConfig(cfg.Subscriber).
		NamingPolicy(naming.URNPolicy).
		ErrorProcessor(outbox.RetryOnError(3, outbox.Abort()))
	outbox.Consumes(b, contracts.UserCreatedKind, outbox.HandlerFunc[contracts.UserCreated](
		func(ctx context.Context, msg contracts.UserCreated) error {
			env, _ := outbox.EnvelopeFromContext(ctx)
			logger.Info("user created", "id", msg.ID, "name", msg.Name, "position", env.Position)
			return nil
		}))
	outbox.Consumes(b, contracts.UserDeletedKind, outbox.HandlerFunc[contracts.UserDeleted](
		func(_ context.Context, msg contracts.UserDeleted) error {
			logger.Info("user deleted", "id", msg.ID)
			return nil
		}))

	s, err := newSink(ctx, cfg)
	if err != nil {
		return err
	}
	var collectors []prometheus.Collector
	if s != nil {
		defer s.Close()
		if c, ok := s.(interface{ PrometheusCollectors() []prometheus.Collector }); ok {
			collectors = c.PrometheusCollectors()
		}
		if cfg.Relay.Breaker.Enabled {
			s = sink.WithBreaker(cfg.Relay.Kind, s, cfg.Relay.Breaker)
		}
		b.ConsumesRawString(sink.Relay(s), contracts.UserModifiedKind.URN, contracts.UserSubscribedKind.URN)
	} else {
		b.ConsumesRawObject(outbox.HandlerFunc[map[string]any](func(_ context.Context, msg map[string]any) error {
			logger.Info("user changed", "payload", msg)
			return nil
		}), contracts.UserModifiedKind.URN, contracts.UserSubscribedKind.URN)
	}

	sub, err := b.Build()
	if err != nil {
		return err
	}

	subscriber, err := outbox.NewSubscriber(ctx, sub,
		outbox.WithLogger(logger.Default()),
		outbox.WithPrometheusMetrics(collectors),
	)
	if err != nil {
		return err
	}
	defer subscriber.Close()

	return subscriber.Start(ctx)
}

func newSink(ctx context.Context, cfg Config) (sink.Sink, error) {
	switch cfg.Relay.Kind {
	case "":
		return nil, nil
	case "rabbitmq":
		return sink.NewRabbitMQ(cfg.Relay.RabbitMQ, cfg.Subscriber.Table.Schema, cfg.Subscriber.Table.Name,
			cfg.Subscriber.Slot.Name, &rabbitmq.DefaultResponseHandler{})
	case "kafka":
		return sink.NewKafka(cfg.Relay.Kafka)
	case "nats":
		return sink.NewNATS(ctx, cfg.Relay.NATS)
	default:
		return nil, fmt.Errorf("unknown relay kind %q", cfg.Relay.Kind)
	}
}
