package integration

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/lsfera/go-pq-outbox/config"
	"github.com/lsfera/go-pq-outbox/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelay_RabbitMQ(t *testing.T) {
	db := mustOpenDB(t)
	dropSlot(t, db, "relay_outbox_slot")

	relay, err := sink.NewRabbitMQ(config.RabbitMQ{
		URL:      fmt.Sprintf("amqp://guest:guest@%s:%s/", Infra.RabbitHost, Infra.RabbitPort),
		Exchange: config.ExchangeConfig{Name: "relay_exchange"},
		Queues: []config.QueueConfig{
			{Name: "relay_users", Bindings: []string{"users.#"}},
			{Name: "relay_orders", Bindings: []string{"order.#"}},
		},
		RoutingKeyMapping: map[string]string{"user.created.v1": "users.{{.Discriminator}}"},
	}, "public", "relay_outbox", "relay_outbox_slot", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = relay.Close() })

	sub, err := newBuilder("relay_outbox").ConsumesRawStrings(sink.Relay(relay)).Build()
	require.NoError(t, err)
	mustStart(t, sub)

	insert(t, db, "relay_outbox", "user.created.v1", map[string]string{"id": "1"})
	insert(t, db, "relay_outbox", "order.placed.v1", map[string]string{"id": "2"})

	msg := mustConsumeOne(t, "relay_users")
	assert.Equal(t, "user.created.v1", msg.Type)
	assert.Equal(t, "users.user.created.v1", msg.RoutingKey)
	assert.Equal(t, "user.created.v1", msg.Headers[sink.HeaderDiscriminator])
	var body map[string]string
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	assert.Equal(t, "1", body["id"])

	msg = mustConsumeOne(t, "relay_orders")
	assert.Equal(t, "order.placed.v1", msg.RoutingKey)
}
