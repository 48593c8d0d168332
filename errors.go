package outbox

import (
	"errors"
	"fmt"

	"github.com/lsfera/go-pq-outbox/naming"
	"github.com/lsfera/go-pq-outbox/pq"
)

var (
	ErrConfiguration        = errors.New("configuration error")
	ErrHandlerFailure       = errors.New("handler failure")
	ErrMalformedRow         = errors.New("malformed outbox row")
	ErrConnectionFailure    = errors.New("connection failure")
	ErrAborted              = errors.New("subscription aborted")
	ErrAlreadyStarted       = errors.New("subscriber already started")
	ErrUnknownDiscriminator = naming.ErrUnknownDiscriminator
	ErrSchemaConflict       = pq.ErrSchemaConflict
	ErrSlotInUse            = pq.ErrSlotInUse
)

// ConfigurationError names the option that was missing or misused.
type ConfigurationError struct {
	Err    error
	Option string
	Msg    string
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration error: `%s`: %s", e.Option, e.Msg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func configErr(option, msg string) error {
	return &ConfigurationError{Option: option, Msg: msg}
}

// HandlerError wraps the error returned, or the panic raised, by a handler.
type HandlerError struct {
	Err           error
	Discriminator string
	Position      Position
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %q at %s: %v", e.Discriminator, e.Position, e.Err)
}

func (e *HandlerError) Is(target error) bool {
	return target == ErrHandlerFailure
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
