package outbox

import (
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lsfera/go-pq-outbox/config"
	"github.com/lsfera/go-pq-outbox/naming"
	"github.com/lsfera/go-pq-outbox/pq/publication"
	"github.com/lsfera/go-pq-outbox/pq/slot"
	"github.com/lsfera/go-pq-outbox/pq/table"
)

// Builder assembles a Subscription. Each setter may be called at most once;
// misuse is collected and reported by Build as ConfigurationErrors naming
// the offending method.
type Builder struct {
	errorProcessor ErrorProcessor
	policy         naming.Policy
	pool           *pgxpool.Pool
	table          *table.Descriptor
	publication    *config.Publication
	slot           *config.Slot
	stream         *config.Stream
	metric         *config.Metric
	registry       *Registry
	connString     *string
	errs           []error
	typed          []typedConsumer
	built          bool
}

type typedConsumer struct {
	register func(r *Registry, discriminator string) error
	kind     naming.Kind
}

func NewBuilder() *Builder {
	return &Builder{registry: NewRegistry()}
}

func (b *Builder) fail(err error) *Builder {
	b.errs = append(b.errs, err)
	return b
}

func setOnce[T any](b *Builder, field **T, option string, v T) *Builder {
	if *field != nil {
		return b.fail(configErr(option, "method called more than once"))
	}
	*field = &v
	return b
}

// ConnectionString is used for the replication connection and, unless
// DataSource is set, for the setup pool.
func (b *Builder) ConnectionString(connString string) *Builder {
	if connString == "" {
		return b.fail(configErr("ConnectionString", "empty connection string"))
	}
	return setOnce(b, &b.connString, "ConnectionString", connString)
}

// DataSource supplies the pool used for setup queries. The subscriber does
// not close it.
func (b *Builder) DataSource(pool *pgxpool.Pool) *Builder {
	if pool == nil {
		return b.fail(configErr("DataSource", "nil pool"))
	}
	if b.pool != nil {
		return b.fail(configErr("DataSource", "method called more than once"))
	}
	b.pool = pool
	return b
}

func (b *Builder) WithTable(d table.Descriptor) *Builder {
	return setOnce(b, &b.table, "WithTable", d)
}

func (b *Builder) WithPublication(p config.Publication) *Builder {
	return setOnce(b, &b.publication, "WithPublication", p)
}

func (b *Builder) WithSlot(s config.Slot) *Builder {
	return setOnce(b, &b.slot, "WithSlot", s)
}

func (b *Builder) WithStream(s config.Stream) *Builder {
	return setOnce(b, &b.stream, "WithStream", s)
}

func (b *Builder) WithMetric(m config.Metric) *Builder {
	return setOnce(b, &b.metric, "WithMetric", m)
}

func (b *Builder) NamingPolicy(p naming.Policy) *Builder {
	if p == nil {
		return b.fail(configErr("NamingPolicy", "nil policy"))
	}
	if b.policy != nil {
		return b.fail(configErr("NamingPolicy", "method called more than once"))
	}
	b.policy = p
	return b
}

func (b *Builder) ErrorProcessor(p ErrorProcessor) *Builder {
	if p == nil {
		return b.fail(configErr("ErrorProcessor", "nil error processor"))
	}
	if b.errorProcessor != nil {
		return b.fail(configErr("ErrorProcessor", "method called more than once"))
	}
	b.errorProcessor = p
	return b
}

// WithConfig applies every non zero section of cfg through the matching setter.
func (b *Builder) WithConfig(cfg config.Subscriber) *Builder {
	if cfg.ConnectionString != "" {
		b.ConnectionString(cfg.ConnectionString)
	}
	if cfg.Table != (table.Descriptor{}) {
		b.WithTable(cfg.Table)
	}
	if cfg.Publication != (config.Publication{}) {
		b.WithPublication(cfg.Publication)
	}
	if cfg.Slot != (config.Slot{}) {
		b.WithSlot(cfg.Slot)
	}
	if cfg.Stream != (config.Stream{}) {
		b.WithStream(cfg.Stream)
	}
	if cfg.Metric != (config.Metric{}) {
		b.WithMetric(cfg.Metric)
	}
	return b
}

// Consumes routes the kind to h, decoding payloads as JSON into T. The
// discriminator is derived by the NamingPolicy at Build time.
func Consumes[T any](b *Builder, kind naming.Kind, h Handler[T]) *Builder {
	if h == nil {
		return b.fail(configErr("Consumes", fmt.Sprintf("nil handler for kind %s", kind)))
	}
	b.typed = append(b.typed, typedConsumer{
		kind: kind,
		register: func(r *Registry, discriminator string) error {
			return RegisterTyped(r, discriminator, h)
		},
	})
	return b
}

// ConsumesRawString routes the given discriminators to h with the payload as a string.
func (b *Builder) ConsumesRawString(h Handler[string], discriminators ...string) *Builder {
	return b.consumesRaw("ConsumesRawString", RawString(), erase(h), discriminators)
}

// ConsumesRawObject routes the given discriminators to h with the payload
// decoded into a map.
func (b *Builder) ConsumesRawObject(h Handler[map[string]any], discriminators ...string) *Builder {
	return b.consumesRaw("ConsumesRawObject", RawObject(), erase(h), discriminators)
}

// ConsumesRawStrings registers h as the wildcard consumer.
func (b *Builder) ConsumesRawStrings(h Handler[string]) *Builder {
	return b.consumesRaw("ConsumesRawStrings", RawString(), erase(h), []string{Wildcard})
}

// ConsumesRawObjects registers h as the wildcard consumer.
func (b *Builder) ConsumesRawObjects(h Handler[map[string]any]) *Builder {
	return b.consumesRaw("ConsumesRawObjects", RawObject(), erase(h), []string{Wildcard})
}

func (b *Builder) consumesRaw(option string, m Mapper, h Handler[any], discriminators []string) *Builder {
	if len(discriminators) == 0 {
		return b.fail(configErr(option, "at least one discriminator is required"))
	}
	for _, d := range discriminators {
		if err := b.registry.Register(d, m, h); err != nil {
			b.fail(relabel(err, option))
		}
	}
	return b
}

func relabel(err error, option string) error {
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return &ConfigurationError{Option: option, Msg: ce.Msg, Err: ce.Err}
	}
	return err
}

// Build validates the collected configuration and returns an immutable
// Subscription. Documented defaults apply to anything left unset: the
// console error processor, the default table descriptor, publication, slot
// and stream settings.
func (b *Builder) Build() (*Subscription, error) {
	if b.built {
		return nil, configErr("Build", "method called more than once")
	}
	errs := slices.Clone(b.errs)

	if b.connString == nil {
		errs = append(errs, configErr("ConnectionString", "method not called"))
	}

	td := table.Default()
	if b.table != nil {
		td = *b.table
		td.SetDefault()
	}
	if err := td.Validate(); err != nil {
		errs = append(errs, &ConfigurationError{Option: "WithTable", Msg: "invalid table descriptor", Err: err})
	}

	pub := deref(b.publication)
	pub.SetDefault()
	sl := deref(b.slot)
	sl.SetDefault()
	st := deref(b.stream)
	st.SetDefault()
	mt := deref(b.metric)

	// typed consumers land in a copy so a failed Build leaves the builder as it was
	registry := b.registry.clone()
	resolver := naming.NewResolver(b.policy)
	if len(b.typed) > 0 && b.policy == nil {
		errs = append(errs, configErr("NamingPolicy", "method not called, required by Consumes"))
	} else {
		for _, c := range b.typed {
			d, err := resolver.Whitelist(c.kind)
			if err != nil {
				errs = append(errs, &ConfigurationError{Option: "Consumes", Msg: fmt.Sprintf("kind %s", c.kind), Err: err})
				continue
			}
			if err := c.register(registry, d); err != nil {
				errs = append(errs, relabel(err, "Consumes"))
			}
		}
	}

	if registry.Len() == 0 && len(b.typed) == 0 {
		errs = append(errs, configErr("Consumes", "no Consumes method called"))
	}

	pubSpec := publication.Spec{
		Name:           pub.Name,
		Table:          td,
		Discriminators: registry.Discriminators(),
		RowFilter:      pub.RowFilter,
		Recreate:       pub.Recreate,
	}
	if pub.RowFilter && registry.HasWildcard() {
		errs = append(errs, configErr("WithPublication", "row filter cannot be combined with a wildcard consumer"))
	} else if err := pubSpec.Validate(); err != nil {
		errs = append(errs, &ConfigurationError{Option: "WithPublication", Msg: "invalid publication", Err: err})
	}

	slotSpec := slot.Spec{Name: sl.Name, Plugin: sl.Plugin, Temporary: sl.Temporary}
	if err := slotSpec.Validate(); err != nil {
		errs = append(errs, &ConfigurationError{Option: "WithSlot", Msg: "invalid slot", Err: err})
	}
	if st.ConfirmEvery < 0 {
		errs = append(errs, configErr("WithStream", "confirmEvery must be positive"))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	b.built = true
	registry.freeze()
	b.registry = registry

	ep := b.errorProcessor
	if ep == nil {
		ep = NewConsoleErrorProcessor(nil)
	}
	return &Subscription{
		connString:     *b.connString,
		pool:           b.pool,
		table:          td,
		publication:    pubSpec,
		slot:           slotSpec,
		stream:         st,
		metric:         mt,
		registry:       registry,
		resolver:       resolver,
		errorProcessor: ep,
	}, nil
}

func deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}

// Subscription is the validated, read only result of Builder.Build.
type Subscription struct {
	errorProcessor ErrorProcessor
	pool           *pgxpool.Pool
	registry       *Registry
	resolver       *naming.Resolver
	connString     string
	publication    publication.Spec
	table          table.Descriptor
	slot           slot.Spec
	stream         config.Stream
	metric         config.Metric
}

func (s *Subscription) Table() table.Descriptor { return s.table }
func (s *Subscription) Slot() slot.Spec         { return s.slot }
func (s *Subscription) Stream() config.Stream   { return s.stream }

func (s *Subscription) Publication() publication.Spec {
	p := s.publication
	p.Discriminators = slices.Clone(p.Discriminators)
	return p
}

// Discriminators is the set of explicitly registered discriminators.
func (s *Subscription) Discriminators() []string {
	return slices.Clone(s.publication.Discriminators)
}

// Resolver maps the kinds registered through Consumes. Producers can share
// it to write matching discriminators.
func (s *Subscription) Resolver() *naming.Resolver { return s.resolver }
