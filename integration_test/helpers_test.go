package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	outbox "github.com/lsfera/go-pq-outbox"
	"github.com/lsfera/go-pq-outbox/config"
	"github.com/lsfera/go-pq-outbox/pq/table"
	"github.com/lsfera/go-pq-outbox/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

func dsn() string {
	return fmt.Sprintf("postgres://outbox_user:outbox_pass@%s:%s/outbox_db?sslmode=disable", Infra.PostgresHost, Infra.PostgresPort)
}

func mustOpenDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("postgres", dsn())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// newBuilder returns a builder whose table, slot and publication are named
// after name so tests never share replication state.
func newBuilder(name string) *outbox.Builder {
	return outbox.NewBuilder().
		ConnectionString(dsn()).
		WithTable(table.Descriptor{Name: name}).
		WithSlot(config.Slot{Name: name + "_slot"}).
		WithPublication(config.Publication{Name: name + "_pub"}).
		WithStream(config.Stream{
			ReconnectInterval:    100 * time.Millisecond,
			ReconnectMaxInterval: time.Second,
			RetryInterval:        10 * time.Millisecond,
		})
}

type started struct {
	outbox.Subscriber
	errCh chan error
}

// Err waits for Start to return.
func (s started) Err(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.errCh:
		return err
	case <-time.After(30 * time.Second):
		t.Fatal("subscriber did not stop")
		return nil
	}
}

func mustStart(t *testing.T, sub *outbox.Subscription) started {
	t.Helper()
	s := start(t, sub)
	readyCtx, cancel := withTimeout(context.Background())
	defer cancel()
	require.NoError(t, s.WaitUntilReady(readyCtx))
	return s
}

func start(t *testing.T, sub *outbox.Subscription) started {
	t.Helper()
	s, err := outbox.NewSubscriber(context.Background(), sub)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(context.Background()) }()
	return started{Subscriber: s, errCh: errCh}
}

func dropSlot(t *testing.T, db *sql.DB, name string) {
	t.Helper()
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(),
			`SELECT pg_drop_replication_slot(slot_name) FROM pg_replication_slots WHERE slot_name = $1 AND NOT active`, name)
	})
}

func insert(t *testing.T, db *sql.DB, tableName, discriminator string, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	_, err = db.ExecContext(context.Background(),
		fmt.Sprintf(`INSERT INTO %s (message_type, data) VALUES ($1, $2)`, tableName), discriminator, string(body))
	require.NoError(t, err)
}

// collector records the envelopes it handles in arrival order.
type collector struct {
	ch  chan outbox.Envelope
	mu  sync.Mutex
	got []outbox.Envelope
}

func newCollector() *collector {
	return &collector{ch: make(chan outbox.Envelope, 128)}
}

func (c *collector) Handle(ctx context.Context, _ string) error {
	env, _ := outbox.EnvelopeFromContext(ctx)
	c.mu.Lock()
	c.got = append(c.got, env)
	c.mu.Unlock()
	c.ch <- env
	return nil
}

func (c *collector) next(t *testing.T) outbox.Envelope {
	t.Helper()
	select {
	case env := <-c.ch:
		return env
	case <-time.After(20 * time.Second):
		t.Fatal("no message received")
		return outbox.Envelope{}
	}
}

func mustConsumeOne(t *testing.T, queue string) amqp.Delivery {
	t.Helper()
	conn, err := amqp.Dial(fmt.Sprintf("amqp://guest:guest@%s:%s/", Infra.RabbitHost, Infra.RabbitPort))
	require.NoError(t, err)
	defer conn.Close()

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	msgCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	msg, err := rabbitmq.ConsumeOne(msgCtx, ch, queue)
	require.NoError(t, err)
	return msg
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 30*time.Second)
}
