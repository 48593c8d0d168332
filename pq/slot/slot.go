// Package slot manages the logical replication slot and the confirmed
// position tracked against it.
package slot

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lsfera/go-pq-outbox/logger"
	"github.com/lsfera/go-pq-outbox/pq"
)

const PluginPgOutput = "pgoutput"

var ErrNotFound = errors.New("replication slot not found")

// the server only accepts lower case letters, digits and underscores
var namePattern = regexp.MustCompile(`^[a-z0-9_]{1,63}$`)

type Spec struct {
	Name      string
	Plugin    string
	Temporary bool
}

func (s Spec) Validate() error {
	if !namePattern.MatchString(s.Name) {
		return fmt.Errorf("%w: slot %q", pq.ErrInvalidIdentifier, s.Name)
	}
	if s.Plugin != PluginPgOutput {
		return fmt.Errorf("slot %s: unsupported plugin %q", s.Name, s.Plugin)
	}
	return nil
}

type Info struct {
	Name      string
	Plugin    string
	Temporary bool
	Created   bool
	// Confirmed is the server side confirmed_flush_lsn, or the consistent
	// point for a freshly created slot.
	Confirmed pglogrepl.LSN
}

// Dialer opens a replication protocol connection.
type Dialer func(ctx context.Context) (*pgconn.PgConn, error)

type row struct {
	plugin    string
	slotType  string
	sameDB    bool
	active    bool
	activePID *int32
	confirmed *string
}

// Ensure creates a durable slot when absent and validates an existing one.
// An existing slot held by another connection yields pq.ErrSlotInUse.
// Temporary slots only live on the streaming connection, so they are only
// validated here.
func Ensure(ctx context.Context, q pq.Querier, dial Dialer, s Spec) (Info, error) {
	if err := s.Validate(); err != nil {
		return Info{}, fmt.Errorf("slot spec: %w", err)
	}
	info := Info{Name: s.Name, Plugin: s.Plugin, Temporary: s.Temporary}
	if s.Temporary {
		return info, nil
	}

	r, found, err := read(ctx, q, s.Name)
	if err != nil {
		return info, err
	}

	if !found {
		conn, err := dial(ctx)
		if err != nil {
			return info, fmt.Errorf("create slot %s: %w", s.Name, err)
		}
		defer func() {
			if err := conn.Close(context.Background()); err != nil {
				logger.Warn("close slot setup connection", "error", err)
			}
		}()

		lsn, err := Create(ctx, conn, s)
		if err == nil {
			info.Created, info.Confirmed = true, lsn
			logger.Info("replication slot created", "slot_name", s.Name, "consistent_point", lsn)
			return info, nil
		}
		if pq.Code(err) != pq.CodeDuplicateObject {
			return info, err
		}
		// lost a creation race, validate what the winner created
		if r, found, err = read(ctx, q, s.Name); err != nil {
			return info, err
		}
		if !found {
			return info, fmt.Errorf("%w: %s", ErrNotFound, s.Name)
		}
	}

	if mismatches := conformity(s, r); len(mismatches) > 0 {
		return info, &pq.SchemaConflictError{Kind: "replication slot", Name: s.Name, Mismatches: mismatches}
	}
	if r.active {
		pid := int32(0)
		if r.activePID != nil {
			pid = *r.activePID
		}
		return info, fmt.Errorf("%w: %s held by pid %d", pq.ErrSlotInUse, s.Name, pid)
	}
	if r.confirmed != nil {
		if info.Confirmed, err = pglogrepl.ParseLSN(*r.confirmed); err != nil {
			return info, fmt.Errorf("slot %s confirmed position: %w", s.Name, err)
		}
	}
	return info, nil
}

// Create issues CREATE_REPLICATION_SLOT on a replication connection and
// returns the consistent point.
func Create(ctx context.Context, conn *pgconn.PgConn, s Spec) (pglogrepl.LSN, error) {
	res, err := pglogrepl.CreateReplicationSlot(ctx, conn, s.Name, s.Plugin, pglogrepl.CreateReplicationSlotOptions{
		Temporary: s.Temporary,
		Mode:      pglogrepl.LogicalReplication,
	})
	if err != nil {
		return 0, fmt.Errorf("create slot %s: %w", s.Name, err)
	}
	lsn, err := pglogrepl.ParseLSN(res.ConsistentPoint)
	if err != nil {
		return 0, fmt.Errorf("create slot %s: consistent point: %w", s.Name, err)
	}
	return lsn, nil
}

// ConfirmedPosition reads the confirmed_flush_lsn the server holds for the slot.
func ConfirmedPosition(ctx context.Context, q pq.Querier, name string) (pglogrepl.LSN, error) {
	var confirmed *string
	err := q.QueryRow(ctx, `
		SELECT confirmed_flush_lsn::text
		FROM pg_replication_slots
		WHERE slot_name = $1`, name).Scan(&confirmed)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("read slot %s: %w", name, err)
	}
	if confirmed == nil {
		return 0, nil
	}
	return pglogrepl.ParseLSN(*confirmed)
}

// Drop removes an inactive slot. A missing slot is not an error.
func Drop(ctx context.Context, q pq.Querier, name string) error {
	_, err := q.Exec(ctx, `
		SELECT pg_drop_replication_slot(slot_name)
		FROM pg_replication_slots
		WHERE slot_name = $1`, name)
	if err != nil {
		if pq.Code(err) == pq.CodeObjectInUse {
			return fmt.Errorf("drop slot %s: %w", name, pq.ErrSlotInUse)
		}
		return fmt.Errorf("drop slot %s: %w", name, err)
	}
	return nil
}

func read(ctx context.Context, q pq.Querier, name string) (row, bool, error) {
	var r row
	err := q.QueryRow(ctx, `
		SELECT coalesce(plugin, ''), slot_type, coalesce(database = current_database(), false),
			active, active_pid, confirmed_flush_lsn::text
		FROM pg_replication_slots
		WHERE slot_name = $1`, name).Scan(&r.plugin, &r.slotType, &r.sameDB, &r.active, &r.activePID, &r.confirmed)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, false, nil
	}
	if err != nil {
		return r, false, fmt.Errorf("read slot %s: %w", name, err)
	}
	return r, true, nil
}

func conformity(s Spec, r row) []string {
	var mismatches []string
	if r.slotType != "logical" {
		mismatches = append(mismatches, fmt.Sprintf("slot type is %q, expected \"logical\"", r.slotType))
	}
	if r.plugin != s.Plugin {
		mismatches = append(mismatches, fmt.Sprintf("plugin is %q, expected %q", r.plugin, s.Plugin))
	}
	if !r.sameDB {
		mismatches = append(mismatches, "slot belongs to another database")
	}
	return mismatches
}
