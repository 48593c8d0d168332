package outbox

import (
	"encoding/json"
	"fmt"
)

type MapperKind uint8

const (
	// RawObjectMapper decodes the payload into a map[string]any.
	RawObjectMapper MapperKind = iota + 1
	// RawStringMapper passes the payload through as a string.
	RawStringMapper
	// TypedMapper decodes the payload into a registered Go type.
	TypedMapper
)

func (k MapperKind) String() string {
	switch k {
	case RawObjectMapper:
		return "raw-object"
	case RawStringMapper:
		return "raw-string"
	case TypedMapper:
		return "typed"
	default:
		return fmt.Sprintf("mapper(%d)", uint8(k))
	}
}

// Mapper converts a raw payload into the value a handler expects.
type Mapper struct {
	decode   func(payload []byte) (any, error)
	typeName string
	kind     MapperKind
}

func RawObject() Mapper { return Mapper{kind: RawObjectMapper} }
func RawString() Mapper { return Mapper{kind: RawStringMapper} }

// Typed decodes payloads as JSON into T.
func Typed[T any]() Mapper {
	var zero T
	return Mapper{
		kind:     TypedMapper,
		typeName: fmt.Sprintf("%T", zero),
		decode: func(payload []byte) (any, error) {
			var v T
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

func (m Mapper) Kind() MapperKind { return m.kind }

func (m Mapper) Map(payload []byte) (any, error) {
	switch m.kind {
	case RawStringMapper:
		return string(payload), nil
	case RawObjectMapper:
		var v map[string]any
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("%w: payload is not a JSON object: %w", ErrMalformedRow, err)
		}
		return v, nil
	case TypedMapper:
		v, err := m.decode(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s: %w", ErrMalformedRow, m.typeName, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported mapper %s", m.kind)
	}
}
