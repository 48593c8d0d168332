package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/lsfera/go-pq-outbox/config"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes records to a single topic keyed by discriminator.
type Kafka struct {
	writer messageWriter
	topic  string
}

func NewKafka(cfg config.Kafka) (*Kafka, error) {
	cfg.SetDefault()
	compression, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxAttempts,
		WriteTimeout:           cfg.WriteTimeout,
		Compression:            compression,
		BatchSize:              1,
		Async:                  false,
		AllowAutoTopicCreation: true,
		Transport:              &kafka.Transport{ClientID: cfg.ClientID},
	}
	return &Kafka{writer: writer, topic: cfg.Topic}, nil
}

func (k *Kafka) Publish(ctx context.Context, r Record) error {
	headers := make([]kafka.Header, 0, len(r.Headers))
	for name, v := range r.Headers {
		headers = append(headers, kafka.Header{Key: name, Value: []byte(v)})
	}
	msg := kafka.Message{
		Key:     []byte(r.Key()),
		Value:   r.Payload,
		Headers: headers,
		Time:    r.CreatedAt,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s to kafka topic %s: %w", r.Discriminator, k.topic, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func compressionCodec(name string) (kafka.Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("unknown kafka compression %q", name)
	}
}
