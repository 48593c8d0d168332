package integration

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	outbox "github.com/lsfera/go-pq-outbox"
	"github.com/lsfera/go-pq-outbox/naming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type userCreated struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

var userCreatedKind = naming.Kind{Name: "UserCreated", URN: "user.created.v1"}

func TestSubscriber_DeliversInCommitOrder(t *testing.T) {
	db := mustOpenDB(t)
	dropSlot(t, db, "order_outbox_slot")

	c := newCollector()
	sub, err := newBuilder("order_outbox").ConsumesRawStrings(c).Build()
	require.NoError(t, err)
	mustStart(t, sub)

	for i := range 10 {
		insert(t, db, "order_outbox", "seq.v1", map[string]int{"seq": i})
	}
	tx, err := db.Begin()
	require.NoError(t, err)
	for i := 10; i < 13; i++ {
		_, err = tx.Exec(`INSERT INTO order_outbox (message_type, data) VALUES ($1, $2)`, "seq.v1", fmt.Sprintf(`{"seq":%d}`, i))
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())

	var last uint64
	for i := range 13 {
		env := c.next(t)
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(env.Payload))
		assert.GreaterOrEqual(t, uint64(env.Position), last)
		last = uint64(env.Position)
	}
}

func TestSubscriber_TypedConsumerAdvancesConfirmedPosition(t *testing.T) {
	db := mustOpenDB(t)
	dropSlot(t, db, "typed_outbox_slot")

	got := make(chan userCreated, 1)
	var position atomic.Uint64
	b := newBuilder("typed_outbox").NamingPolicy(naming.URNPolicy)
	outbox.Consumes(b, userCreatedKind, outbox.HandlerFunc[userCreated](func(ctx context.Context, msg userCreated) error {
		env, _ := outbox.EnvelopeFromContext(ctx)
		position.Store(uint64(env.Position))
		got <- msg
		return nil
	}))
	sub, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, []string{"user.created.v1"}, sub.Discriminators())
	mustStart(t, sub)

	insert(t, db, "typed_outbox", "user.created.v1", userCreated{ID: "42", Email: "ada@acme.io"})

	select {
	case msg := <-got:
		assert.Equal(t, userCreated{ID: "42", Email: "ada@acme.io"}, msg)
	case <-time.After(20 * time.Second):
		t.Fatal("no message received")
	}

	require.Eventually(t, func() bool {
		var confirmed string
		err := db.QueryRow(`SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1`, "typed_outbox_slot").Scan(&confirmed)
		if err != nil {
			return false
		}
		lsn, err := pglogrepl.ParseLSN(confirmed)
		return err == nil && uint64(lsn) > position.Load()
	}, 20*time.Second, 100*time.Millisecond)
}

func TestSubscriber_UnknownDiscriminatorDoesNotHalt(t *testing.T) {
	db := mustOpenDB(t)
	dropSlot(t, db, "unknown_outbox_slot")

	c := newCollector()
	sub, err := newBuilder("unknown_outbox").
		ConsumesRawString(c, "user.created.v1").
		Build()
	require.NoError(t, err)
	mustStart(t, sub)

	insert(t, db, "unknown_outbox", "order.placed.v1", map[string]string{"id": "1"})
	insert(t, db, "unknown_outbox", "user.created.v1", map[string]string{"id": "2"})

	env := c.next(t)
	assert.Equal(t, "user.created.v1", env.Discriminator)
	assert.JSONEq(t, `{"id":"2"}`, string(env.Payload))
}

func TestSubscriber_AbortRedeliversAfterRestart(t *testing.T) {
	db := mustOpenDB(t)
	dropSlot(t, db, "abort_outbox_slot")

	failing := outbox.HandlerFunc[string](func(context.Context, string) error {
		return errors.New("downstream unavailable")
	})
	sub, err := newBuilder("abort_outbox").ConsumesRawStrings(failing).Build()
	require.NoError(t, err)
	s := mustStart(t, sub)

	insert(t, db, "abort_outbox", "user.created.v1", map[string]string{"id": "7"})

	err = s.Err(t)
	require.ErrorIs(t, err, outbox.ErrAborted)
	assert.Equal(t, outbox.StateStopped, s.State())

	c := newCollector()
	sub, err = newBuilder("abort_outbox").ConsumesRawStrings(c).Build()
	require.NoError(t, err)
	mustStart(t, sub)

	env := c.next(t)
	assert.Equal(t, "user.created.v1", env.Discriminator)
	assert.JSONEq(t, `{"id":"7"}`, string(env.Payload))
}

func TestSubscriber_SlotInUse(t *testing.T) {
	db := mustOpenDB(t)
	dropSlot(t, db, "busy_outbox_slot")

	sub, err := newBuilder("busy_outbox").ConsumesRawStrings(newCollector()).Build()
	require.NoError(t, err)
	mustStart(t, sub)

	sub, err = newBuilder("busy_outbox").ConsumesRawStrings(newCollector()).Build()
	require.NoError(t, err)
	second := start(t, sub)
	require.ErrorIs(t, second.Err(t), outbox.ErrSlotInUse)
}

func TestSubscriber_SchemaConflict(t *testing.T) {
	db := mustOpenDB(t)
	_, err := db.Exec(`CREATE TABLE conflict_outbox (id bigserial PRIMARY KEY, message_type varchar(250) NOT NULL)`)
	require.NoError(t, err)

	sub, err := newBuilder("conflict_outbox").ConsumesRawStrings(newCollector()).Build()
	require.NoError(t, err)
	s := start(t, sub)

	err = s.Err(t)
	require.ErrorIs(t, err, outbox.ErrSchemaConflict)
	assert.ErrorContains(t, err, "data")
}

func TestSubscriber_ReconnectsAfterBackendTermination(t *testing.T) {
	db := mustOpenDB(t)
	dropSlot(t, db, "reconnect_outbox_slot")

	c := newCollector()
	sub, err := newBuilder("reconnect_outbox").ConsumesRawStrings(c).Build()
	require.NoError(t, err)
	s := mustStart(t, sub)

	insert(t, db, "reconnect_outbox", "user.created.v1", map[string]string{"id": "1"})
	c.next(t)

	_, err = db.Exec(`SELECT pg_terminate_backend(active_pid) FROM pg_replication_slots WHERE slot_name = $1`, "reconnect_outbox_slot")
	require.NoError(t, err)

	insert(t, db, "reconnect_outbox", "user.created.v1", map[string]string{"id": "2"})
	env := c.next(t)
	assert.JSONEq(t, `{"id":"2"}`, string(env.Payload))
	assert.Equal(t, outbox.StateStreaming, s.State())
}

func TestSubscriber_CloseStopsStart(t *testing.T) {
	db := mustOpenDB(t)
	dropSlot(t, db, "close_outbox_slot")

	sub, err := newBuilder("close_outbox").ConsumesRawStrings(newCollector()).Build()
	require.NoError(t, err)
	s := mustStart(t, sub)

	s.Close()
	require.NoError(t, s.Err(t))
	assert.Equal(t, outbox.StateStopped, s.State())
}
