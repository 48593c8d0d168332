package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	outbox "github.com/lsfera/go-pq-outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope() outbox.Envelope {
	return outbox.Envelope{
		CommitTime:    time.Date(2024, 1, 2, 3, 4, 6, 0, time.UTC),
		CreatedAt:     time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		ID:            "17",
		Discriminator: "user.created.v1",
		Payload:       json.RawMessage(`{"id":"abc"}`),
		Position:      0x16B3748,
		Xid:           42,
	}
}

func TestNewRecord(t *testing.T) {
	t.Parallel()

	r := NewRecord(envelope())
	assert.Equal(t, "user.created.v1", r.Key())
	assert.Equal(t, "user.created.v1:17", r.DedupID())
	assert.Equal(t, map[string]string{
		HeaderDiscriminator: "user.created.v1",
		HeaderID:            "17",
		HeaderPosition:      "0/16B3748",
		HeaderCreatedAt:     "2024-01-02T03:04:05Z",
	}, r.Headers)
}

func TestNewRecord_WithoutID(t *testing.T) {
	t.Parallel()

	env := envelope()
	env.ID = ""
	env.CreatedAt = time.Time{}

	r := NewRecord(env)
	assert.Equal(t, "user.created.v1@16b3748", r.DedupID())
	assert.NotContains(t, r.Headers, HeaderID)
	assert.NotContains(t, r.Headers, HeaderCreatedAt)
}

func TestRelay(t *testing.T) {
	t.Parallel()

	m := &Mock{}
	h := Relay(m)

	err := h.Handle(context.Background(), `{"id":"abc"}`)
	require.ErrorIs(t, err, ErrNoEnvelope)

	ctx := outbox.ContextWithEnvelope(context.Background(), envelope())
	require.NoError(t, h.Handle(ctx, `{"id":"abc"}`))

	published := m.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "user.created.v1", published[0].Discriminator)
	assert.JSONEq(t, `{"id":"abc"}`, string(published[0].Payload))

	m.PublishErr = errors.New("broker down")
	require.EqualError(t, h.Handle(ctx, `{}`), "broker down")
}
