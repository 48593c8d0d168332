package rabbitmq

import (
	"errors"
	"io"
	"syscall"
	"time"

	"github.com/lsfera/go-pq-outbox/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPermanent marks broker failures that a retry cannot fix, such as a
// missing exchange or refused access.
var ErrPermanent = errors.New("permanent rabbitmq error")

// ErrUnavailable marks failures expected to clear once the client has
// reconnected: no open channel, a nack or a confirm timeout.
var ErrUnavailable = errors.New("rabbitmq unavailable")

type PublishMessage struct {
	Timestamp    time.Time
	Headers      map[string]any
	Exchange     string
	RoutingKey   string
	ContentType  string
	MessageID    string
	Type         string
	AppID        string
	Body         []byte
	DeliveryMode uint8
}

type ResponseHandlerContext struct {
	Message *PublishMessage
	Err     error
}

// ResponseHandler observes the outcome of every confirmed publish.
type ResponseHandler interface {
	OnSuccess(ctx *ResponseHandlerContext)
	OnError(ctx *ResponseHandlerContext)
}

type DefaultResponseHandler struct{}

func (drh *DefaultResponseHandler) OnSuccess(_ *ResponseHandlerContext) {}

func (drh *DefaultResponseHandler) OnError(ctx *ResponseHandlerContext) {
	if IsFatalError(ctx.Err) {
		logger.Error("permanent error on rabbitmq while publishing", "error", ctx.Err, "routing_key", ctx.Message.RoutingKey)
		return
	}
	logger.Warn("rabbitmq publish", "error", ctx.Err, "routing_key", ctx.Message.RoutingKey)
}

// IsFatalError reports whether err will not go away by retrying.
func IsFatalError(err error) bool {
	if errors.Is(err, ErrPermanent) {
		return true
	}
	if errors.Is(err, ErrUnavailable) {
		return false
	}
	var e *amqp.Error
	if errors.As(err, &e) {
		switch e.Code {
		case amqp.NotFound, amqp.AccessRefused, amqp.PreconditionFailed:
			return true
		default:
			return false
		}
	}

	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return false
	}
	return true
}
