package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/lsfera/go-pq-outbox/config"
	"github.com/lsfera/go-pq-outbox/internal/backoff"
	"github.com/lsfera/go-pq-outbox/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

type Client interface {
	Channel() *amqp.Channel
	NotifyReconnect() <-chan struct{}
	Close() error
}

type client struct {
	cfg         *config.RabbitMQ
	conn        *amqp.Connection
	channel     *amqp.Channel
	connCloseCh chan *amqp.Error
	chCloseCh   chan *amqp.Error
	reconnectCh chan struct{}
	closeCh     chan struct{}
	mu          sync.RWMutex
	closeOnce   sync.Once
}

// NewClient connects, puts the channel in confirm mode and declares the
// configured topology. A background loop reconnects when the broker drops
// the connection or the channel.
func NewClient(cfg *config.RabbitMQ) (Client, error) {
	c := &client{
		cfg:         cfg,
		reconnectCh: make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.reconnectLoop()
	return c, nil
}

func (c *client) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

func (c *client) NotifyReconnect() <-chan struct{} {
	return c.reconnectCh
}

func (c *client) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })

	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			firstErr = err
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *client) reconnectLoop() {
	for {
		c.mu.RLock()
		connCloseCh, chCloseCh := c.connCloseCh, c.chCloseCh
		c.mu.RUnlock()

		select {
		case err := <-connCloseCh:
			if err != nil {
				logger.Error("rabbitmq connection closed", "error", err)
			}
			c.reconnect()
		case err := <-chCloseCh:
			if err != nil {
				logger.Error("rabbitmq channel closed", "error", err)
			}
			c.reconnect()
		case <-c.closeCh:
			return
		}
	}
}

func (c *client) reconnect() {
	delay := backoff.Exponential(c.cfg.ReconnectInterval, c.cfg.ReconnectMaxInterval)
	maxElapsed := c.cfg.ReconnectMaxElapsed
	started := time.Now()

	for attempt := 0; ; attempt++ {
		select {
		case <-c.closeCh:
			return
		default:
		}

		if maxElapsed > 0 && time.Since(started) > maxElapsed {
			logger.Error("rabbitmq reconnect elapsed timeout exceeded", "max_elapsed", maxElapsed)
			return
		}

		sleep := backoff.Jitter(delay(attempt))
		logger.Warn("attempting rabbitmq reconnection", "retry_in", sleep)
		select {
		case <-time.After(sleep):
		case <-c.closeCh:
			return
		}

		if err := c.connect(); err != nil {
			logger.Error("rabbitmq reconnect attempt failed", "error", err)
			continue
		}

		logger.Info("rabbitmq reconnected")
		select {
		case c.reconnectCh <- struct{}{}:
		default:
		}
		return
	}
}

func (c *client) connect() error {
	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("rabbitmq confirm mode: %w", err)
	}

	if err := declareTopology(ch, c.cfg); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("rabbitmq topology: %w", err)
	}

	c.mu.Lock()
	prevCh := c.channel
	prevConn := c.conn
	c.conn = conn
	c.channel = ch
	c.connCloseCh = conn.NotifyClose(make(chan *amqp.Error, 1))
	c.chCloseCh = ch.NotifyClose(make(chan *amqp.Error, 1))
	c.mu.Unlock()

	if prevCh != nil {
		_ = prevCh.Close()
	}
	if prevConn != nil {
		_ = prevConn.Close()
	}
	return nil
}

func (c *client) dial() (*amqp.Connection, error) {
	tlsCfg, err := tlsConfig(c.cfg.TLS)
	if err != nil {
		return nil, err
	}
	return amqp.DialConfig(c.cfg.URL, amqp.Config{
		Heartbeat:       c.cfg.Heartbeat,
		Dial:            amqp.DefaultDial(c.cfg.ConnectionTimeout),
		TLSClientConfig: tlsCfg,
		Properties: amqp.Table{
			"connection_name": c.cfg.ConnectionName,
		},
	})
}

func tlsConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.Insecure, //nolint:gosec
	}
	if len(cfg.CACert) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(cfg.CACert) {
			return nil, fmt.Errorf("rabbitmq tls: no certificate found in caCert")
		}
		tlsCfg.RootCAs = pool
	}
	if len(cfg.Cert) > 0 && len(cfg.Key) > 0 {
		cert, err := tls.X509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq tls: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// topologyDeclarer is the subset of *amqp.Channel used to declare topology.
type topologyDeclarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

func declareTopology(ch topologyDeclarer, cfg *config.RabbitMQ) error {
	ex := cfg.Exchange
	if err := ch.ExchangeDeclare(
		ex.Name,
		ex.Type,
		ex.Durable,
		ex.AutoDelete,
		false,
		false,
		amqp.Table(ex.Arguments),
	); err != nil {
		return err
	}

	for _, q := range cfg.Queues {
		if _, err := ch.QueueDeclare(
			q.Name,
			q.Durable,
			q.AutoDelete,
			q.Exclusive,
			q.NoWait,
			amqp.Table(q.Arguments),
		); err != nil {
			return err
		}
		for _, binding := range q.Bindings {
			if err := ch.QueueBind(q.Name, binding, ex.Name, false, nil); err != nil {
				return err
			}
		}
	}

	if ex.DeadLetter != nil && ex.DeadLetter.Enabled {
		if err := ch.ExchangeDeclare(ex.DeadLetter.Exchange, "topic", true, false, false, false, nil); err != nil {
			return err
		}
		if ex.DeadLetter.QueueName != "" {
			if _, err := ch.QueueDeclare(ex.DeadLetter.QueueName, true, false, false, false, nil); err != nil {
				return err
			}
			if err := ch.QueueBind(ex.DeadLetter.QueueName, ex.DeadLetter.RoutingKey, ex.DeadLetter.Exchange, false, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// ConsumeOne reads a single delivery from queue with auto ack.
func ConsumeOne(ctx context.Context, ch *amqp.Channel, queue string) (amqp.Delivery, error) {
	msgs, err := ch.Consume(queue, "", true, false, false, false, nil)
	if err != nil {
		return amqp.Delivery{}, err
	}
	select {
	case msg := <-msgs:
		return msg, nil
	case <-ctx.Done():
		return amqp.Delivery{}, ctx.Err()
	}
}
