// Package publisher publishes outbox messages to RabbitMQ and waits for the
// broker to confirm them.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lsfera/go-pq-outbox/config"
	"github.com/lsfera/go-pq-outbox/internal/backoff"
	"github.com/lsfera/go-pq-outbox/logger"
	"github.com/lsfera/go-pq-outbox/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// channel is the subset of *amqp.Channel the publisher drives.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	GetNextPublishSeqNo() uint64
}

type Publisher struct {
	metric          Metric
	responseHandler rabbitmq.ResponseHandler
	channel         func() channel
	delay           backoff.DelayFunc
	lastChannel     channel
	confirmsCh      chan amqp.Confirmation
	exchange        string
	maxRetries      int
	confirmTimeout  time.Duration
	mu              sync.Mutex
}

func New(client rabbitmq.Client, cfg *config.RabbitMQ, responseHandler rabbitmq.ResponseHandler, slotName string) *Publisher {
	if responseHandler == nil {
		responseHandler = &rabbitmq.DefaultResponseHandler{}
	}
	return &Publisher{
		metric:          NewMetric(slotName),
		responseHandler: responseHandler,
		channel: func() channel {
			// a nil *amqp.Channel must not become a non nil interface
			if ch := client.Channel(); ch != nil {
				return ch
			}
			return nil
		},
		delay:          backoff.Exponential(cfg.ReconnectInterval, cfg.ReconnectMaxInterval),
		exchange:       cfg.Exchange.Name,
		maxRetries:     max(cfg.PublisherMaxRetries, 1),
		confirmTimeout: cfg.ConfirmTimeout,
	}
}

func (p *Publisher) Metric() Metric {
	return p.metric
}

// Publish sends msgs and returns once the broker acknowledged every one of
// them. Transient failures are retried with backoff up to the configured
// number of attempts. Errors that retrying cannot fix wrap
// rabbitmq.ErrPermanent.
func (p *Publisher) Publish(ctx context.Context, msgs []rabbitmq.PublishMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	started := time.Now()
	defer func() {
		p.metric.SetPublishLatency(time.Since(started).Nanoseconds())
	}()

	var err error
	for attempt := range p.maxRetries {
		var confirmed map[uint64]bool
		var first uint64
		first, confirmed, err = p.publishAndConfirm(ctx, msgs)
		if err == nil {
			if err = p.handleConfirmations(msgs, first, confirmed); err == nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if rabbitmq.IsFatalError(err) {
			p.handleResponseError(msgs, err)
			if !errors.Is(err, rabbitmq.ErrPermanent) {
				err = fmt.Errorf("%w: %w", rabbitmq.ErrPermanent, err)
			}
			return err
		}

		logger.Warn("rabbitmq publish failed", "attempt", attempt+1, "error", err)
		if attempt+1 < p.maxRetries {
			if sleepErr := backoff.Sleep(ctx, backoff.Jitter(p.delay(attempt))); sleepErr != nil {
				return sleepErr
			}
		}
	}

	p.handleResponseError(msgs, err)
	return fmt.Errorf("publish after %d attempts: %w", p.maxRetries, err)
}

// confirms returns a persistent confirm listener for ch. A listener is only
// registered when the channel changed, since amqp091-go never unregisters
// them and a full stale listener blocks confirm dispatch.
func (p *Publisher) confirms(ch channel) chan amqp.Confirmation {
	if p.lastChannel == ch && p.confirmsCh != nil {
		return p.confirmsCh
	}
	p.confirmsCh = ch.NotifyPublish(make(chan amqp.Confirmation, 256))
	p.lastChannel = ch
	return p.confirmsCh
}

func (p *Publisher) publishAndConfirm(ctx context.Context, msgs []rabbitmq.PublishMessage) (uint64, map[uint64]bool, error) {
	ch := p.channel()
	if ch == nil {
		return 0, nil, fmt.Errorf("%w: channel is not open", rabbitmq.ErrUnavailable)
	}
	confirmsCh := p.confirms(ch)

	first := ch.GetNextPublishSeqNo()
	for i := range msgs {
		ex := p.exchange
		if msgs[i].Exchange != "" {
			ex = msgs[i].Exchange
		}
		if err := ch.PublishWithContext(ctx, ex, msgs[i].RoutingKey, false, false, amqp.Publishing{
			ContentType:  msgs[i].ContentType,
			DeliveryMode: deliveryMode(msgs[i].DeliveryMode),
			Headers:      amqp.Table(msgs[i].Headers),
			Body:         msgs[i].Body,
			MessageId:    msgs[i].MessageID,
			Timestamp:    msgs[i].Timestamp,
			Type:         msgs[i].Type,
			AppId:        msgs[i].AppID,
		}); err != nil {
			return 0, nil, err
		}
	}

	last := first + uint64(len(msgs)) - 1
	confirmed := make(map[uint64]bool, len(msgs))
	timeout := time.NewTimer(p.confirmTimeout)
	defer timeout.Stop()
	for len(confirmed) < len(msgs) {
		select {
		case c, ok := <-confirmsCh:
			if !ok {
				p.confirmsCh = nil
				return 0, nil, fmt.Errorf("%w: channel closed while waiting publisher confirms", rabbitmq.ErrUnavailable)
			}
			// late confirms of an earlier timed out attempt
			if c.DeliveryTag < first || c.DeliveryTag > last {
				continue
			}
			confirmed[c.DeliveryTag] = c.Ack
		case <-timeout.C:
			return 0, nil, fmt.Errorf("%w: timeout while waiting publisher confirms", rabbitmq.ErrUnavailable)
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
	}
	return first, confirmed, nil
}

func (p *Publisher) handleConfirmations(msgs []rabbitmq.PublishMessage, first uint64, confirmed map[uint64]bool) error {
	var nacked int
	var rhCtx rabbitmq.ResponseHandlerContext
	for i := range msgs {
		tag := first + uint64(i) //nolint:gosec // G115: i is a slice index
		if confirmed[tag] {
			p.metric.AddSuccessOp(msgs[i].RoutingKey, 1)
			rhCtx.Message = &msgs[i]
			rhCtx.Err = nil
			p.responseHandler.OnSuccess(&rhCtx)
			continue
		}
		nacked++
		p.metric.AddErrOp(msgs[i].RoutingKey, 1)
		rhCtx.Message = &msgs[i]
		rhCtx.Err = fmt.Errorf("publisher nack, delivery_tag=%d", tag)
		p.responseHandler.OnError(&rhCtx)
	}
	if nacked > 0 {
		return fmt.Errorf("%w: broker nacked %d of %d messages", rabbitmq.ErrUnavailable, nacked, len(msgs))
	}
	return nil
}

func (p *Publisher) handleResponseError(msgs []rabbitmq.PublishMessage, err error) {
	var rhCtx rabbitmq.ResponseHandlerContext
	for i := range msgs {
		p.metric.AddErrOp(msgs[i].RoutingKey, 1)
		rhCtx.Message = &msgs[i]
		rhCtx.Err = err
		p.responseHandler.OnError(&rhCtx)
	}
}

func deliveryMode(mode uint8) uint8 {
	if mode == 0 {
		return amqp.Persistent
	}
	return mode
}
