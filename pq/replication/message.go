package replication

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
)

// Message is one of Begin, Insert or Commit.
type Message interface {
	message()
}

type Begin struct {
	CommitTime time.Time
	FinalLSN   pglogrepl.LSN
	Xid        uint32
}

type Commit struct {
	CommitTime time.Time
	CommitLSN  pglogrepl.LSN
	// EndLSN is the position to confirm once the transaction is handled.
	EndLSN pglogrepl.LSN
}

// Insert is a row inserted into the watched table.
type Insert struct {
	CommitTime time.Time
	columns    map[string]Column
	typeMap    *pgtype.Map
	Namespace  string
	Table      string
	LSN        pglogrepl.LSN
	Xid        uint32
}

// Column is the text encoded value of a column as sent by pgoutput.
type Column struct {
	Data []byte
	OID  uint32
	Null bool
}

func (Begin) message()  {}
func (Commit) message() {}
func (Insert) message() {}

func (i Insert) Column(name string) (Column, bool) {
	c, ok := i.columns[name]
	return c, ok
}

// Text returns the textual form of a non null column.
func (i Insert) Text(name string) (string, bool) {
	c, ok := i.columns[name]
	if !ok || c.Null {
		return "", false
	}
	return string(c.Data), true
}

// Value decodes a column into its Go representation.
func (i Insert) Value(name string) (any, error) {
	c, ok := i.columns[name]
	if !ok {
		return nil, fmt.Errorf("column %q not present", name)
	}
	if c.Null {
		return nil, nil
	}
	m := i.typeMap
	if m == nil {
		m = pgtype.NewMap()
	}
	if t, ok := m.TypeForOID(c.OID); ok {
		return t.Codec.DecodeValue(m, c.OID, pgtype.TextFormatCode, c.Data)
	}
	return string(c.Data), nil
}

// Time decodes a timestamp column.
func (i Insert) Time(name string) (time.Time, error) {
	v, err := i.Value(name)
	if err != nil {
		return time.Time{}, err
	}
	t, ok := v.(time.Time)
	if !ok {
		return time.Time{}, fmt.Errorf("column %q is %T, not a timestamp", name, v)
	}
	return t, nil
}

// NewInsert builds an Insert from columns decoded elsewhere, such as a
// snapshot read or a test fixture.
func NewInsert(namespace, table string, lsn pglogrepl.LSN, columns map[string]Column) Insert {
	return Insert{
		Namespace: namespace,
		Table:     table,
		LSN:       lsn,
		columns:   columns,
	}
}
