// Package pq holds the PostgreSQL plumbing shared by the table, publication,
// slot and replication packages.
package pq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by *pgxpool.Pool, *pgxpool.Conn, *pgx.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var (
	ErrSchemaConflict    = errors.New("schema conflict")
	ErrSlotInUse         = errors.New("replication slot is in use")
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrConnectionLost    = errors.New("connection lost")
)

// SQLSTATE codes the module reacts to.
const (
	CodeObjectInUse          = "55006"
	CodeDuplicateObject      = "42710"
	CodeUndefinedObject      = "42704"
	CodeCannotConnectNow     = "57P03"
	CodeAdminShutdown        = "57P01"
	CodeCrashShutdown        = "57P02"
	CodeTooManyConnections   = "53300"
	CodeInsufficientResource = "53000"
)

// SchemaConflictError lists every mismatch found between an existing database
// object and its expected shape.
type SchemaConflictError struct {
	Kind       string
	Name       string
	Mismatches []string
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("%s %q conflicts with configuration: %s", e.Kind, e.Name, strings.Join(e.Mismatches, "; "))
}

func (e *SchemaConflictError) Is(target error) bool {
	return target == ErrSchemaConflict
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// ValidateIdentifier rejects names that would need quoting to survive a
// round trip through the catalog, which keeps catalog lookups exact.
func ValidateIdentifier(kind, name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %s %q", ErrInvalidIdentifier, kind, name)
	}
	return nil
}

func QuoteIdentifier(parts ...string) string {
	return pgx.Identifier(parts).Sanitize()
}

func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func Code(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsRetryable reports whether err is worth a reconnect. Server errors in the
// authentication (28) and syntax/access (42) classes, a missing database (3D)
// and unsupported features (0A) are not; network level failures are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrSlotInUse) || errors.Is(err, ErrConnectionLost) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case CodeObjectInUse, CodeCannotConnectNow, CodeAdminShutdown, CodeCrashShutdown,
			CodeTooManyConnections, CodeInsufficientResource:
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}

	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}

var passwordPattern = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
var credentialsPattern = regexp.MustCompile(`://([^:@/\s]+):[^@\s]+@`)

// Redact hides passwords in a connection string so it can be logged.
func Redact(connString string) string {
	s := credentialsPattern.ReplaceAllString(connString, "://$1:****@")
	return passwordPattern.ReplaceAllString(s, "${1}****")
}
