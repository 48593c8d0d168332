package table

import (
	"fmt"

	"github.com/lsfera/go-pq-outbox/pq"
)

type Role string

const (
	RoleID            Role = "id"
	RoleDiscriminator Role = "discriminator"
	RolePayload       Role = "payload"
	RoleCreatedAt     Role = "created_at"
)

type Column struct {
	Name string `yaml:"name" mapstructure:"name"`
	Type string `yaml:"type" mapstructure:"type"`
}

// Descriptor is the shape of the outbox table.
type Descriptor struct {
	Schema        string `yaml:"schema" mapstructure:"schema"`
	Name          string `yaml:"name" mapstructure:"name"`
	ID            Column `yaml:"id" mapstructure:"id"`
	Discriminator Column `yaml:"discriminator" mapstructure:"discriminator"`
	Payload       Column `yaml:"payload" mapstructure:"payload"`
	CreatedAt     Column `yaml:"createdAt" mapstructure:"createdAt"`
}

func Default() Descriptor {
	return Descriptor{
		Schema:        "public",
		Name:          "outbox",
		ID:            Column{Name: "id", Type: "bigserial"},
		Discriminator: Column{Name: "message_type", Type: "varchar(250)"},
		Payload:       Column{Name: "data", Type: "jsonb"},
		CreatedAt:     Column{Name: "created_at", Type: "timestamptz"},
	}
}

// SetDefault fills every unset part from Default.
func (d *Descriptor) SetDefault() {
	def := Default()
	if d.Schema == "" {
		d.Schema = def.Schema
	}
	if d.Name == "" {
		d.Name = def.Name
	}
	fill := func(c *Column, def Column) {
		if c.Name == "" {
			c.Name = def.Name
		}
		if c.Type == "" {
			c.Type = def.Type
		}
	}
	fill(&d.ID, def.ID)
	fill(&d.Discriminator, def.Discriminator)
	fill(&d.Payload, def.Payload)
	fill(&d.CreatedAt, def.CreatedAt)
}

func (d Descriptor) Validate() error {
	if err := pq.ValidateIdentifier("schema", d.Schema); err != nil {
		return err
	}
	if err := pq.ValidateIdentifier("table", d.Name); err != nil {
		return err
	}
	seen := make(map[string]Role, 4)
	for role, c := range d.Columns() {
		if err := pq.ValidateIdentifier(string(role)+" column", c.Name); err != nil {
			return err
		}
		if family(c.Type) == "" {
			return fmt.Errorf("%s column %q: unsupported type %q", role, c.Name, c.Type)
		}
		if other, ok := seen[c.Name]; ok {
			return fmt.Errorf("column %q is used for both %s and %s", c.Name, other, role)
		}
		seen[c.Name] = role
	}
	for role, want := range allowedFamilies {
		c := d.Column(role)
		if !want[family(c.Type)] {
			return fmt.Errorf("%s column %q: type %q is not allowed for this role", role, c.Name, c.Type)
		}
	}
	return nil
}

// Columns returns the role to column mapping.
func (d Descriptor) Columns() map[Role]Column {
	return map[Role]Column{
		RoleID:            d.ID,
		RoleDiscriminator: d.Discriminator,
		RolePayload:       d.Payload,
		RoleCreatedAt:     d.CreatedAt,
	}
}

func (d Descriptor) Column(r Role) Column {
	return d.Columns()[r]
}

// QualifiedName is schema.table, unquoted.
func (d Descriptor) QualifiedName() string {
	return d.Schema + "." + d.Name
}

func (d Descriptor) Quoted() string {
	return pq.QuoteIdentifier(d.Schema, d.Name)
}

// UUIDKey reports whether the primary key is a uuid, which writers may
// generate client side.
func (d Descriptor) UUIDKey() bool {
	return family(d.ID.Type) == familyUUID
}
