package outbox

import "context"

// Handler processes the mapped payload of an outbox message. A non nil error
// is handed to the ErrorProcessor.
type Handler[T any] interface {
	Handle(ctx context.Context, msg T) error
}

type HandlerFunc[T any] func(ctx context.Context, msg T) error

func (f HandlerFunc[T]) Handle(ctx context.Context, msg T) error {
	return f(ctx, msg)
}

func erase[T any](h Handler[T]) Handler[any] {
	if h == nil {
		return nil
	}
	return HandlerFunc[any](func(ctx context.Context, msg any) error {
		return h.Handle(ctx, msg.(T))
	})
}
