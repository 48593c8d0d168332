// Package sink relays outbox messages to a message broker. A Relay is an
// ordinary handler: the subscriber confirms a row only after the broker
// accepted it, so a broker outage stops the subscription instead of losing
// messages.
package sink

import (
	"context"
	"errors"
	"strconv"
	"time"

	outbox "github.com/lsfera/go-pq-outbox"
)

// Header names attached to every relayed message.
const (
	HeaderDiscriminator = "outbox-discriminator"
	HeaderID            = "outbox-id"
	HeaderPosition      = "outbox-position"
	HeaderCreatedAt     = "outbox-created-at"
)

var ErrNoEnvelope = errors.New("no outbox envelope in context")

// Sink publishes records to a broker. Publish returns once the broker has
// durably accepted the record.
type Sink interface {
	Publish(ctx context.Context, r Record) error
	Close() error
}

type Record struct {
	CommitTime    time.Time
	CreatedAt     time.Time
	Headers       map[string]string
	Discriminator string
	ID            string
	Payload       []byte
	Position      outbox.Position
}

func NewRecord(env outbox.Envelope) Record {
	headers := map[string]string{
		HeaderDiscriminator: env.Discriminator,
		HeaderPosition:      env.Position.String(),
	}
	if env.ID != "" {
		headers[HeaderID] = env.ID
	}
	if !env.CreatedAt.IsZero() {
		headers[HeaderCreatedAt] = env.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return Record{
		CommitTime:    env.CommitTime,
		CreatedAt:     env.CreatedAt,
		Headers:       headers,
		Discriminator: env.Discriminator,
		ID:            env.ID,
		Payload:       env.Payload,
		Position:      env.Position,
	}
}

// Key is the partitioning key of the record. Records of one discriminator
// share a key so brokers that partition keep them in commit order.
func (r Record) Key() string {
	return r.Discriminator
}

// DedupID identifies the record for brokers that deduplicate. It prefers the
// outbox row id and falls back to the WAL position.
func (r Record) DedupID() string {
	if r.ID != "" {
		return r.Discriminator + ":" + r.ID
	}
	return r.Discriminator + "@" + strconv.FormatUint(uint64(r.Position), 16)
}

// Relay returns a handler that forwards every message it receives to s.
// Register it with ConsumesRawString or ConsumesRawStrings.
func Relay(s Sink) outbox.Handler[string] {
	return outbox.HandlerFunc[string](func(ctx context.Context, _ string) error {
		env, ok := outbox.EnvelopeFromContext(ctx)
		if !ok {
			return ErrNoEnvelope
		}
		return s.Publish(ctx, NewRecord(env))
	})
}
