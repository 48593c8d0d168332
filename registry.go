package outbox

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// Wildcard registers a catch-all entry used for discriminators without an
// explicit registration.
const Wildcard = "*"

type entry struct {
	handler HandlerFunc[any]
	mapper  Mapper
}

// Registry routes envelopes by discriminator. It is built before the
// subscriber starts and read only afterwards.
type Registry struct {
	entries map[string]entry
	frozen  bool
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register binds discriminator to a mapper and a handler receiving the
// mapper's output.
func (r *Registry) Register(discriminator string, m Mapper, h Handler[any]) error {
	switch {
	case r.frozen:
		return configErr("Register", "registry is frozen once the subscriber is built")
	case discriminator == "":
		return configErr("Register", "empty discriminator")
	case h == nil:
		return configErr("Register", fmt.Sprintf("nil handler for %q", discriminator))
	case m.kind == 0:
		return configErr("Register", fmt.Sprintf("no mapper for %q", discriminator))
	}
	if _, ok := r.entries[discriminator]; ok {
		return configErr("Register", fmt.Sprintf("discriminator %q registered more than once", discriminator))
	}
	r.entries[discriminator] = entry{mapper: m, handler: h.Handle}
	return nil
}

func (r *Registry) clone() *Registry {
	return &Registry{entries: maps.Clone(r.entries), frozen: r.frozen}
}

func RegisterTyped[T any](r *Registry, discriminator string, h Handler[T]) error {
	return r.Register(discriminator, Typed[T](), erase(h))
}

func (r *Registry) RegisterRawString(discriminator string, h Handler[string]) error {
	return r.Register(discriminator, RawString(), erase(h))
}

func (r *Registry) RegisterRawObject(discriminator string, h Handler[map[string]any]) error {
	return r.Register(discriminator, RawObject(), erase(h))
}

// Discriminators returns the explicitly registered discriminators, sorted,
// without the wildcard.
func (r *Registry) Discriminators() []string {
	out := make([]string, 0, len(r.entries))
	for d := range r.entries {
		if d != Wildcard {
			out = append(out, d)
		}
	}
	slices.Sort(out)
	return out
}

func (r *Registry) HasWildcard() bool {
	_, ok := r.entries[Wildcard]
	return ok
}

func (r *Registry) Len() int {
	return len(r.entries)
}

func (r *Registry) freeze() {
	r.frozen = true
}

func (r *Registry) lookup(discriminator string) (entry, bool) {
	if e, ok := r.entries[discriminator]; ok {
		return e, true
	}
	e, ok := r.entries[Wildcard]
	return e, ok
}

// Dispatch maps the payload and invokes the matching handler synchronously.
// A discriminator with neither an entry nor a wildcard yields
// ErrUnknownDiscriminator.
func (r *Registry) Dispatch(ctx context.Context, env Envelope) (err error) {
	e, ok := r.lookup(env.Discriminator)
	if !ok {
		return fmt.Errorf("%w: %q at %s", ErrUnknownDiscriminator, env.Discriminator, env.Position)
	}

	msg, err := e.mapper.Map(env.Payload)
	if err != nil {
		return fmt.Errorf("%q at %s: %w", env.Discriminator, env.Position, err)
	}

	defer func() {
		if p := recover(); p != nil {
			err = &HandlerError{Discriminator: env.Discriminator, Position: env.Position, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	if err := e.handler(ContextWithEnvelope(ctx, env), msg); err != nil {
		return &HandlerError{Discriminator: env.Discriminator, Position: env.Position, Err: err}
	}
	return nil
}
