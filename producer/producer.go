// Package producer appends messages to the outbox table inside the caller's
// transaction, so a message is committed if and only if the business change
// it describes is committed.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lsfera/go-pq-outbox/config"
	"github.com/lsfera/go-pq-outbox/internal/bytesize"
	"github.com/lsfera/go-pq-outbox/internal/sliceutil"
	"github.com/lsfera/go-pq-outbox/logger"
	"github.com/lsfera/go-pq-outbox/naming"
	"github.com/lsfera/go-pq-outbox/pq"
	"github.com/lsfera/go-pq-outbox/pq/table"
)

var (
	ErrPayloadTooLarge     = errors.New("payload exceeds maximum size")
	ErrEmptyDiscriminator  = errors.New("empty discriminator")
	ErrInvalidPayload      = errors.New("payload is not valid JSON")
	ErrUnregisteredMessage = errors.New("message kind is not registered")
)

// Execer is satisfied by pgx.Tx, *pgx.Conn and *pgxpool.Pool. Pass the
// transaction carrying the business change.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Beginner starts the transaction used by Write.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Message is a pre encoded outbox row.
type Message struct {
	Discriminator string
	Payload       json.RawMessage
}

type Producer struct {
	resolver   *naming.Resolver
	table      table.Descriptor
	columns    []string
	maxPayload bytesize.Size
	batchSize  int
	uuidKey    bool
}

// New validates cfg. The resolver maps kinds given to Append; share the
// subscriber's to guarantee both sides agree on discriminators.
func New(cfg config.Producer, resolver *naming.Resolver) (*Producer, error) {
	cfg.SetDefault()
	if err := cfg.Table.Validate(); err != nil {
		return nil, fmt.Errorf("producer table: %w", err)
	}
	maxPayload, err := bytesize.ParseSize(cfg.MaxPayloadSize)
	if err != nil {
		return nil, fmt.Errorf("producer max payload size: %w", err)
	}
	if resolver == nil {
		resolver = naming.NewResolver(nil)
	}

	td := cfg.Table
	p := &Producer{
		resolver:   resolver,
		table:      td,
		maxPayload: maxPayload,
		batchSize:  cfg.BatchSize,
		uuidKey:    td.UUIDKey(),
	}
	if p.uuidKey {
		p.columns = append(p.columns, td.ID.Name)
	}
	p.columns = append(p.columns, td.Discriminator.Name, td.Payload.Name, td.CreatedAt.Name)
	return p, nil
}

// EnsureTable creates or validates the outbox table.
func (p *Producer) EnsureTable(ctx context.Context, q pq.Querier) (bool, error) {
	return table.Ensure(ctx, q, p.table)
}

// Append marshals v as JSON and stores it under the discriminator of kind.
// The kind is whitelisted on first use.
func (p *Producer) Append(ctx context.Context, tx Execer, kind naming.Kind, v any) error {
	d, err := p.resolver.Whitelist(kind)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnregisteredMessage, kind, err)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	return p.AppendBatch(ctx, tx, []Message{{Discriminator: d, Payload: payload}})
}

// AppendRaw stores an already encoded JSON payload.
func (p *Producer) AppendRaw(ctx context.Context, tx Execer, discriminator string, payload []byte) error {
	return p.AppendBatch(ctx, tx, []Message{{Discriminator: discriminator, Payload: payload}})
}

// AppendBatch stores msgs in order with multi row inserts of at most
// BatchSize rows. Every message is validated before anything is written.
func (p *Producer) AppendBatch(ctx context.Context, tx Execer, msgs []Message) error {
	for i, m := range msgs {
		if err := p.validate(m); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}

	now := time.Now().UTC()
	for _, chunk := range sliceutil.Chunk(msgs, p.batchSize) {
		sql, args := p.insert(chunk, now)
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("storing messages in outbox: %w", err)
		}
	}
	logger.Debug("outbox messages appended", "table", p.table.QualifiedName(), "count", len(msgs))
	return nil
}

// Write runs fn and the appends it performs in one transaction, committed
// when fn returns nil and rolled back otherwise.
func (p *Producer) Write(ctx context.Context, db Beginner, fn func(ctx context.Context, tx pgx.Tx) error) (err error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(context.Background()); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, rbErr)
			}
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (p *Producer) validate(m Message) error {
	if m.Discriminator == "" {
		return ErrEmptyDiscriminator
	}
	if size := bytesize.Size(len(m.Payload)); size > p.maxPayload {
		return fmt.Errorf("%w: %s > %s", ErrPayloadTooLarge, size, p.maxPayload)
	}
	if !json.Valid(m.Payload) {
		return fmt.Errorf("%w: %q", ErrInvalidPayload, m.Discriminator)
	}
	return nil
}

func (p *Producer) insert(msgs []Message, now time.Time) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(p.table.Quoted())
	b.WriteString(" (")
	for i, c := range p.columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pq.QuoteIdentifier(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(msgs)*len(p.columns))
	for i, m := range msgs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		row := []any{m.Discriminator, string(m.Payload), now}
		if p.uuidKey {
			row = append([]any{uuid.NewString()}, row...)
		}
		for j, v := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			args = append(args, v)
			fmt.Fprintf(&b, "$%d", len(args))
		}
		b.WriteByte(')')
	}
	return b.String(), args
}
