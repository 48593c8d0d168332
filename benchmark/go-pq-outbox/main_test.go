package benchmark

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/lib/pq"
	outbox "github.com/lsfera/go-pq-outbox"
	"github.com/lsfera/go-pq-outbox/config"
	"github.com/lsfera/go-pq-outbox/logger"
	"github.com/lsfera/go-pq-outbox/pq/table"
	"github.com/lsfera/go-pq-outbox/rabbitmq"
	"github.com/lsfera/go-pq-outbox/sink"
)

func BenchmarkThroughput(b *testing.B) {
	pgHost := envOrDefault("BENCH_POSTGRES_HOST", "localhost")
	pgPort := envOrDefault("BENCH_POSTGRES_PORT", "5432")
	rmqHost := envOrDefault("BENCH_RABBITMQ_HOST", "localhost")
	rmqPort := envOrDefault("BENCH_RABBITMQ_PORT", "5672")
	dsn := fmt.Sprintf("postgres://outbox_user:outbox_pass@%s:%s/outbox_db?sslmode=disable", pgHost, pgPort)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		b.Fatal(err)
	}
	defer db.Close()

	tbl := table.Descriptor{Name: "benchmark_outbox"}
	relay, err := sink.NewRabbitMQ(config.RabbitMQ{
		URL:      fmt.Sprintf("amqp://guest:guest@%s:%s/", rmqHost, rmqPort),
		Exchange: config.ExchangeConfig{Name: "benchmark.events"},
	}, "public", tbl.Name, "benchmark_slot", &rabbitmq.DefaultResponseHandler{})
	if err != nil {
		b.Fatal(err)
	}
	defer relay.Close()

	var relayed atomic.Int64
	handler := sink.Relay(relay)
	sub, err := outbox.NewBuilder().
		ConnectionString(dsn).
		WithTable(tbl).
		WithSlot(config.Slot{Name: "benchmark_slot"}).
		WithPublication(config.Publication{Name: "benchmark_pub"}).
		ConsumesRawStrings(outbox.HandlerFunc[string](func(ctx context.Context, msg string) error {
			if err := handler.Handle(ctx, msg); err != nil {
				return err
			}
			relayed.Add(1)
			return nil
		})).
		Build()
	if err != nil {
		b.Fatal(err)
	}

	s, err := outbox.NewSubscriber(context.Background(), sub, outbox.WithLogger(logger.Nop))
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	go func() { _ = s.Start(context.Background()) }()
	if err := s.WaitUntilReady(context.Background()); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := db.ExecContext(context.Background(),
			`INSERT INTO benchmark_outbox (message_type, data) VALUES ($1, $2)`,
			"benchmark.event.v1", fmt.Sprintf(`{"seq":%d}`, i)); err != nil {
			b.Fatal(err)
		}
	}
	for relayed.Load() < int64(b.N) {
		time.Sleep(10 * time.Millisecond)
	}
}

func envOrDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
