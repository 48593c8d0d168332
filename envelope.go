package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pglogrepl"
)

// Position is a WAL position. It orders monotonically with commit order.
type Position = pglogrepl.LSN

// Envelope is an outbox row as seen by the subscriber. Handlers must treat
// it as read only.
type Envelope struct {
	CommitTime    time.Time
	CreatedAt     time.Time
	ID            string
	Discriminator string
	Payload       json.RawMessage
	Position      Position
	Xid           uint32
}

type envelopeKey struct{}

// ContextWithEnvelope attaches env to ctx. Tests use it to call handlers
// outside a subscription.
func ContextWithEnvelope(ctx context.Context, env Envelope) context.Context {
	return context.WithValue(ctx, envelopeKey{}, env)
}

// EnvelopeFromContext returns the envelope being dispatched. It is available
// to every handler regardless of its payload mapper.
func EnvelopeFromContext(ctx context.Context) (Envelope, bool) {
	env, ok := ctx.Value(envelopeKey{}).(Envelope)
	return env, ok
}
