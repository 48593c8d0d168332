// Package replication consumes a logical replication slot over the streaming
// replication protocol and decodes pgoutput inserts for a single table.
package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lsfera/go-pq-outbox/logger"
	"github.com/lsfera/go-pq-outbox/pq"
	"github.com/lsfera/go-pq-outbox/pq/slot"
)

type Config struct {
	ConnString  string
	Publication string
	Schema      string
	Table       string
	Slot        slot.Spec
	// StandbyTimeout bounds the time between two standby status updates.
	StandbyTimeout time.Duration
	// PollInterval bounds a single receive so cancellation is noticed.
	PollInterval time.Duration
}

func (c *Config) setDefault() {
	if c.StandbyTimeout <= 0 {
		c.StandbyTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

type receiver interface {
	ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error)
	Close(ctx context.Context) error
}

// Stream yields Begin, Insert and Commit messages in commit order. It is not
// safe for concurrent use.
type Stream struct {
	conn       receiver
	sendStatus func(ctx context.Context, u pglogrepl.StandbyStatusUpdate) error
	position   *slot.Position
	typeMap    *pgtype.Map
	relations  map[uint32]*pglogrepl.RelationMessage
	nextStatus time.Time
	commitTime time.Time
	cfg        Config
	lastEnd    pglogrepl.LSN
	xid        uint32
	inTx       bool
}

// Dial opens a connection speaking the replication protocol.
func Dial(ctx context.Context, connString string) (*pgconn.PgConn, error) {
	cfg, err := pgconn.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	cfg.RuntimeParams["replication"] = "database"
	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("replication connect: %w", err)
	}
	return conn, nil
}

// Open starts streaming from position. For a temporary slot the slot is
// created on the streaming connection and position is reset to its
// consistent point. The stream reads and advances position: callers record
// handled commits in it, the stream reports it to the server.
func Open(ctx context.Context, cfg Config, position *slot.Position) (*Stream, error) {
	cfg.setDefault()

	conn, err := Dial(ctx, cfg.ConnString)
	if err != nil {
		return nil, err
	}

	sys, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("identify system: %w", err)
	}
	logger.Debug("identify system", "system_id", sys.SystemID, "timeline", sys.Timeline, "xlog_pos", sys.XLogPos, "db_name", sys.DBName)

	if cfg.Slot.Temporary {
		lsn, err := slot.Create(ctx, conn, cfg.Slot)
		if err != nil {
			_ = conn.Close(context.Background())
			return nil, err
		}
		position.Reset(lsn)
	}

	err = pglogrepl.StartReplication(ctx, conn, cfg.Slot.Name, position.Load(), pglogrepl.StartReplicationOptions{
		Mode: pglogrepl.LogicalReplication,
		PluginArgs: []string{
			"proto_version '1'",
			"publication_names " + pq.QuoteLiteral(cfg.Publication),
		},
	})
	if err != nil {
		_ = conn.Close(context.Background())
		if pq.Code(err) == pq.CodeObjectInUse {
			return nil, fmt.Errorf("start replication: %w: %w", pq.ErrSlotInUse, err)
		}
		return nil, fmt.Errorf("start replication: %w", err)
	}
	logger.Info("replication started", "slot_name", cfg.Slot.Name, "publication", cfg.Publication, "position", position.Load())

	s := newStream(conn, cfg, position)
	s.sendStatus = func(ctx context.Context, u pglogrepl.StandbyStatusUpdate) error {
		return pglogrepl.SendStandbyStatusUpdate(ctx, conn, u)
	}
	return s, nil
}

func newStream(conn receiver, cfg Config, position *slot.Position) *Stream {
	cfg.setDefault()
	return &Stream{
		conn:       conn,
		cfg:        cfg,
		position:   position,
		typeMap:    pgtype.NewMap(),
		relations:  make(map[uint32]*pglogrepl.RelationMessage),
		nextStatus: time.Now().Add(cfg.StandbyTimeout),
		lastEnd:    position.Load(),
	}
}

// Receive blocks until the next message for the watched table arrives, ctx
// is done, or the connection fails. Cancellation is checked between polls,
// never in the middle of a server message.
func (s *Stream) Receive(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !time.Now().Before(s.nextStatus) {
			if err := s.SendStatus(ctx, false); err != nil {
				return nil, err
			}
		}

		deadline := time.Now().Add(s.cfg.PollInterval)
		if s.nextStatus.Before(deadline) {
			deadline = s.nextStatus
		}
		recvCtx, cancel := context.WithDeadline(context.Background(), deadline)
		raw, err := s.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return nil, fmt.Errorf("receive: %w: %w", pq.ErrConnectionLost, err)
		}

		msg, err := s.handle(ctx, raw)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

func (s *Stream) handle(ctx context.Context, raw pgproto3.BackendMessage) (Message, error) {
	switch m := raw.(type) {
	case *pgproto3.ErrorResponse:
		err := pgconn.ErrorResponseToPgError(m)
		if err.Code == pq.CodeObjectInUse {
			return nil, fmt.Errorf("replication: %w: %w", pq.ErrSlotInUse, err)
		}
		return nil, fmt.Errorf("replication: %w", err)
	case *pgproto3.CopyData:
		return s.handleCopyData(ctx, m.Data)
	default:
		logger.Debug("unexpected replication message", "type", fmt.Sprintf("%T", raw))
		return nil, nil
	}
}

func (s *Stream) handleCopyData(ctx context.Context, data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, nil
	}
	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return nil, fmt.Errorf("parse keepalive: %w", err)
		}
		s.idleAdvance(ka.ServerWALEnd)
		if ka.ReplyRequested {
			return nil, s.SendStatus(ctx, false)
		}
		return nil, nil
	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return nil, fmt.Errorf("parse xlog data: %w", err)
		}
		return s.decode(xld)
	default:
		return nil, nil
	}
}

// idleAdvance moves the position to the server WAL end when every delivered
// transaction has been confirmed. Messages arrive in WAL order, so anything
// before a keepalive has already been received.
func (s *Stream) idleAdvance(walEnd pglogrepl.LSN) {
	if s.inTx || s.position.Load() < s.lastEnd {
		return
	}
	if s.position.Advance(walEnd) {
		s.lastEnd = walEnd
	}
}

func (s *Stream) decode(xld pglogrepl.XLogData) (Message, error) {
	logical, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return nil, fmt.Errorf("parse logical message: %w", err)
	}

	switch m := logical.(type) {
	case *pglogrepl.RelationMessage:
		s.relations[m.RelationID] = m
		return nil, nil
	case *pglogrepl.BeginMessage:
		s.inTx, s.commitTime, s.xid = true, m.CommitTime, m.Xid
		return Begin{FinalLSN: m.FinalLSN, CommitTime: m.CommitTime, Xid: m.Xid}, nil
	case *pglogrepl.CommitMessage:
		s.inTx = false
		s.lastEnd = m.TransactionEndLSN
		return Commit{CommitLSN: m.CommitLSN, EndLSN: m.TransactionEndLSN, CommitTime: m.CommitTime}, nil
	case *pglogrepl.InsertMessage:
		rel, ok := s.relations[m.RelationID]
		if !ok {
			return nil, fmt.Errorf("insert for unknown relation %d", m.RelationID)
		}
		if rel.Namespace != s.cfg.Schema || rel.RelationName != s.cfg.Table {
			logger.Debug("ignoring insert on unwatched table", "table", rel.Namespace+"."+rel.RelationName)
			return nil, nil
		}
		return s.insert(xld.WALStart, rel, m.Tuple)
	default:
		return nil, nil
	}
}

func (s *Stream) insert(lsn pglogrepl.LSN, rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) (Message, error) {
	if tuple == nil || len(tuple.Columns) != len(rel.Columns) {
		return nil, fmt.Errorf("insert on %s.%s: tuple does not match relation", rel.Namespace, rel.RelationName)
	}
	columns := make(map[string]Column, len(rel.Columns))
	for i, col := range tuple.Columns {
		c := Column{OID: rel.Columns[i].DataType}
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull, pglogrepl.TupleDataTypeToast:
			c.Null = true
		case pglogrepl.TupleDataTypeText, pglogrepl.TupleDataTypeBinary:
			c.Data = bytes.Clone(col.Data)
		}
		columns[rel.Columns[i].Name] = c
	}
	return Insert{
		LSN:        lsn,
		CommitTime: s.commitTime,
		Xid:        s.xid,
		Namespace:  rel.Namespace,
		Table:      rel.RelationName,
		columns:    columns,
		typeMap:    s.typeMap,
	}, nil
}

// SendStatus reports the current position as written, flushed and applied.
func (s *Stream) SendStatus(ctx context.Context, replyRequested bool) error {
	lsn := s.position.Load()
	err := s.sendStatus(ctx, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: lsn,
		ClientTime:       time.Now(),
		ReplyRequested:   replyRequested,
	})
	if err != nil {
		return fmt.Errorf("standby status update: %w: %w", pq.ErrConnectionLost, err)
	}
	s.nextStatus = time.Now().Add(s.cfg.StandbyTimeout)
	logger.Debug("standby status sent", "slot_name", s.cfg.Slot.Name, "position", lsn)
	return nil
}

// Close reports the final position and closes the connection.
func (s *Stream) Close(ctx context.Context) error {
	statusErr := s.SendStatus(ctx, false)
	if err := s.conn.Close(ctx); err != nil {
		return errors.Join(statusErr, fmt.Errorf("close replication connection: %w", err))
	}
	return statusErr
}
