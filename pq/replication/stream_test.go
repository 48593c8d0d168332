package replication

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lsfera/go-pq-outbox/pq"
	"github.com/lsfera/go-pq-outbox/pq/slot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	msgs   []pgproto3.BackendMessage
	err    error
	closed bool
}

func (f *fakeConn) ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error) {
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		return m, nil
	}
	if f.err != nil {
		return nil, f.err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeConn) Close(context.Context) error {
	f.closed = true
	return nil
}

type relCol struct {
	name string
	oid  uint32
}

func cstring(b []byte, s string) []byte {
	return append(append(b, s...), 0)
}

func xlog(walStart uint64, data []byte) *pgproto3.CopyData {
	b := []byte{pglogrepl.XLogDataByteID}
	b = binary.BigEndian.AppendUint64(b, walStart)
	b = binary.BigEndian.AppendUint64(b, walStart)
	b = binary.BigEndian.AppendUint64(b, 0)
	return &pgproto3.CopyData{Data: append(b, data...)}
}

func keepalive(walEnd uint64, reply bool) *pgproto3.CopyData {
	b := []byte{pglogrepl.PrimaryKeepaliveMessageByteID}
	b = binary.BigEndian.AppendUint64(b, walEnd)
	b = binary.BigEndian.AppendUint64(b, 0)
	if reply {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return &pgproto3.CopyData{Data: b}
}

func relation(id uint32, namespace, name string, cols ...relCol) []byte {
	b := []byte{'R'}
	b = binary.BigEndian.AppendUint32(b, id)
	b = cstring(b, namespace)
	b = cstring(b, name)
	b = append(b, 'd')
	b = binary.BigEndian.AppendUint16(b, uint16(len(cols)))
	for _, c := range cols {
		b = append(b, 0)
		b = cstring(b, c.name)
		b = binary.BigEndian.AppendUint32(b, c.oid)
		b = binary.BigEndian.AppendUint32(b, 0xFFFFFFFF)
	}
	return b
}

func begin(finalLSN uint64, xid uint32) []byte {
	b := []byte{'B'}
	b = binary.BigEndian.AppendUint64(b, finalLSN)
	b = binary.BigEndian.AppendUint64(b, 0)
	return binary.BigEndian.AppendUint32(b, xid)
}

func insert(rel uint32, values ...*string) []byte {
	b := []byte{'I'}
	b = binary.BigEndian.AppendUint32(b, rel)
	b = append(b, 'N')
	b = binary.BigEndian.AppendUint16(b, uint16(len(values)))
	for _, v := range values {
		if v == nil {
			b = append(b, 'n')
			continue
		}
		b = append(b, 't')
		b = binary.BigEndian.AppendUint32(b, uint32(len(*v)))
		b = append(b, *v...)
	}
	return b
}

func commit(commitLSN, endLSN uint64) []byte {
	b := []byte{'C', 0}
	b = binary.BigEndian.AppendUint64(b, commitLSN)
	b = binary.BigEndian.AppendUint64(b, endLSN)
	return binary.BigEndian.AppendUint64(b, 0)
}

func str(s string) *string { return &s }

var outboxColumns = []relCol{
	{"id", pgtype.Int8OID},
	{"message_type", pgtype.VarcharOID},
	{"data", pgtype.JSONBOID},
	{"created_at", pgtype.TimestamptzOID},
}

type statusRecorder struct {
	updates []pglogrepl.StandbyStatusUpdate
}

func (r *statusRecorder) send(_ context.Context, u pglogrepl.StandbyStatusUpdate) error {
	r.updates = append(r.updates, u)
	return nil
}

func newTestStream(conn *fakeConn, position *slot.Position) (*Stream, *statusRecorder) {
	rec := &statusRecorder{}
	s := newStream(conn, Config{
		Schema:         "public",
		Table:          "outbox",
		Slot:           slot.Spec{Name: "outbox_slot", Plugin: slot.PluginPgOutput},
		PollInterval:   10 * time.Millisecond,
		StandbyTimeout: time.Hour,
	}, position)
	s.sendStatus = rec.send
	return s, rec
}

func TestStream_DecodesOutboxTransaction(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{msgs: []pgproto3.BackendMessage{
		xlog(0x100, relation(1, "public", "outbox", outboxColumns...)),
		xlog(0x100, relation(2, "public", "orders", relCol{"id", pgtype.Int8OID})),
		xlog(0x100, begin(0x180, 42)),
		xlog(0x110, insert(2, str("7"))),
		xlog(0x120, insert(1, str("1"), str("user.created.v1"), str(`{"id": "abc"}`), str("2024-01-02 03:04:05.123456+00"))),
		xlog(0x180, commit(0x170, 0x180)),
	}}
	var position slot.Position
	position.Reset(0x100)
	s, _ := newTestStream(conn, &position)
	ctx := context.Background()

	msg, err := s.Receive(ctx)
	require.NoError(t, err)
	b, ok := msg.(Begin)
	require.True(t, ok)
	assert.Equal(t, uint32(42), b.Xid)

	msg, err = s.Receive(ctx)
	require.NoError(t, err)
	ins, ok := msg.(Insert)
	require.True(t, ok, "the orders insert must be skipped")
	assert.Equal(t, pglogrepl.LSN(0x120), ins.LSN)
	assert.Equal(t, "outbox", ins.Table)

	discriminator, ok := ins.Text("message_type")
	require.True(t, ok)
	assert.Equal(t, "user.created.v1", discriminator)

	payload, ok := ins.Text("data")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"abc"}`, payload)

	id, err := ins.Value("id")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	created, err := ins.Time("created_at")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 123456000, time.UTC), created.UTC())

	msg, err = s.Receive(ctx)
	require.NoError(t, err)
	c, ok := msg.(Commit)
	require.True(t, ok)
	assert.Equal(t, pglogrepl.LSN(0x180), c.EndLSN)

	assert.Equal(t, pglogrepl.LSN(0x100), position.Load(), "the stream never confirms on its own")
}

func TestStream_NullColumn(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{msgs: []pgproto3.BackendMessage{
		xlog(0x100, relation(1, "public", "outbox", outboxColumns...)),
		xlog(0x100, begin(0x180, 1)),
		xlog(0x120, insert(1, str("1"), nil, str("{}"), str("2024-01-02 03:04:05+00"))),
	}}
	var position slot.Position
	s, _ := newTestStream(conn, &position)

	_, err := s.Receive(context.Background())
	require.NoError(t, err)
	msg, err := s.Receive(context.Background())
	require.NoError(t, err)

	ins := msg.(Insert)
	_, ok := ins.Text("message_type")
	assert.False(t, ok)
	v, err := ins.Value("message_type")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestStream_KeepaliveAdvancesIdlePosition(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{
		msgs: []pgproto3.BackendMessage{keepalive(0x200, true)},
		err:  errors.New("connection reset by peer"),
	}
	var position slot.Position
	position.Reset(0x100)
	s, rec := newTestStream(conn, &position)

	_, err := s.Receive(context.Background())
	require.ErrorIs(t, err, pq.ErrConnectionLost)

	assert.Equal(t, pglogrepl.LSN(0x200), position.Load())
	require.Len(t, rec.updates, 1)
	assert.Equal(t, pglogrepl.LSN(0x200), rec.updates[0].WALFlushPosition)
}

func TestStream_KeepaliveDoesNotAdvanceUnconfirmedTransaction(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{msgs: []pgproto3.BackendMessage{
		xlog(0x100, begin(0x180, 1)),
		xlog(0x180, commit(0x170, 0x180)),
		keepalive(0x300, false),
	}}
	var position slot.Position
	position.Reset(0x100)
	s, _ := newTestStream(conn, &position)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := s.Receive(ctx)
	require.NoError(t, err)
	_, err = s.Receive(ctx)
	require.NoError(t, err)

	_, err = s.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, pglogrepl.LSN(0x100), position.Load())
}

func TestStream_SlotInUseError(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{msgs: []pgproto3.BackendMessage{
		&pgproto3.ErrorResponse{Severity: "ERROR", Code: pq.CodeObjectInUse, Message: `replication slot "outbox_slot" is active`},
	}}
	var position slot.Position
	s, _ := newTestStream(conn, &position)

	_, err := s.Receive(context.Background())
	require.ErrorIs(t, err, pq.ErrSlotInUse)
}

func TestStream_ReceiveObservesCancellation(t *testing.T) {
	t.Parallel()

	var position slot.Position
	s, _ := newTestStream(&fakeConn{}, &position)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := s.Receive(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStream_CloseSendsFinalStatus(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	var position slot.Position
	position.Reset(0x500)
	s, rec := newTestStream(conn, &position)

	require.NoError(t, s.Close(context.Background()))
	assert.True(t, conn.closed)
	require.Len(t, rec.updates, 1)
	assert.Equal(t, pglogrepl.LSN(0x500), rec.updates[0].WALWritePosition)
}
