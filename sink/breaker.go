package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/lsfera/go-pq-outbox/config"
	"github.com/lsfera/go-pq-outbox/logger"
	"github.com/sony/gobreaker"
)

// ErrBrokerUnavailable is returned without calling the broker while the
// breaker is open.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Breaker fails publishes fast once the wrapped sink keeps failing, so a
// retrying error processor does not pile up broker timeouts.
type Breaker struct {
	Sink
	cb *gobreaker.CircuitBreaker
}

func WithBreaker(name string, s Sink, cfg config.Breaker) *Breaker {
	cfg.SetDefault()
	settings := gobreaker.Settings{
		Name:        "sink-" + name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// cancellation says nothing about the broker
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("sink circuit breaker state changed", "sink", name, "from", from.String(), "to", to.String())
		},
	}
	return &Breaker{Sink: s, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Publish(ctx context.Context, r Record) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.Sink.Publish(ctx, r)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %w", ErrBrokerUnavailable, b.cb.Name(), err)
	}
	return err
}

// State is closed, half-open or open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
