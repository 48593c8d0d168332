package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lsfera/go-pq-outbox/config"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type msgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATS publishes records to JetStream under SubjectPrefix.<discriminator>.
type NATS struct {
	nc      *nats.Conn
	js      msgPublisher
	prefix  string
	timeout time.Duration
}

// NewNATS connects and creates or updates the stream capturing every
// subject under the configured prefix.
func NewNATS(ctx context.Context, cfg config.NATS) (*NATS, error) {
	cfg.SetDefault()
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    cfg.MaxAge,
		Replicas:  cfg.Replicas,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.Stream, err)
	}

	return &NATS{nc: nc, js: js, prefix: cfg.SubjectPrefix, timeout: cfg.PublishTimeout}, nil
}

func (n *NATS) Publish(ctx context.Context, r Record) error {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	msg := &nats.Msg{
		Subject: n.Subject(r.Discriminator),
		Data:    r.Payload,
		Header:  nats.Header{},
	}
	for name, v := range r.Headers {
		msg.Header.Set(name, v)
	}
	// lets JetStream drop a redelivery after a restart
	msg.Header.Set(nats.MsgIdHdr, r.DedupID())

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	return nil
}

func (n *NATS) Subject(discriminator string) string {
	return n.prefix + "." + sanitizeSubjectToken(discriminator)
}

func (n *NATS) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeSubjectToken replaces the characters NATS reserves in subjects.
// Dots are kept so dotted discriminators form subject hierarchies.
func sanitizeSubjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
