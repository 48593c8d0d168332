// Package publication manages the PostgreSQL publication that scopes logical
// replication to the outbox table.
package publication

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/lsfera/go-pq-outbox/logger"
	"github.com/lsfera/go-pq-outbox/pq"
	"github.com/lsfera/go-pq-outbox/pq/table"
)

type Spec struct {
	Name  string
	Table table.Descriptor
	// Discriminators is the set of routable discriminators. It only shapes the
	// publication when RowFilter is set.
	Discriminators []string
	// RowFilter restricts the publication to rows whose discriminator is in
	// Discriminators. Requires PostgreSQL 15 or later.
	RowFilter bool
	// Recreate drops and recreates a publication that does not match.
	Recreate bool
}

func (s Spec) Validate() error {
	if err := pq.ValidateIdentifier("publication", s.Name); err != nil {
		return err
	}
	if s.RowFilter && len(s.Discriminators) == 0 {
		return errors.New("publication row filter requires at least one discriminator")
	}
	return nil
}

type state struct {
	allTables    bool
	insert       bool
	tables       []string
	rowFilter    string
	hasRowFilter bool
}

// Ensure creates the publication when absent and otherwise checks that it
// publishes inserts of exactly the outbox table. It reports whether the
// publication was created.
func Ensure(ctx context.Context, q pq.Querier, s Spec) (bool, error) {
	if err := s.Validate(); err != nil {
		return false, fmt.Errorf("publication spec: %w", err)
	}

	st, found, err := read(ctx, q, s.Name)
	if err != nil {
		return false, err
	}

	if !found {
		if err := exec(ctx, q, createStatement(s)); err != nil {
			return false, fmt.Errorf("create publication %s: %w", s.Name, err)
		}
		logger.Info("publication created", "publication", s.Name, "table", s.Table.QualifiedName())
		return true, nil
	}

	mismatches := conformity(s, st)
	if len(mismatches) == 0 {
		logger.Debug("publication conforms", "publication", s.Name)
		return false, nil
	}
	if !s.Recreate {
		return false, &pq.SchemaConflictError{Kind: "publication", Name: s.Name, Mismatches: mismatches}
	}

	logger.Warn("recreating publication", "publication", s.Name, "mismatches", mismatches)
	if err := exec(ctx, q, dropStatement(s.Name), createStatement(s)); err != nil {
		return false, fmt.Errorf("recreate publication %s: %w", s.Name, err)
	}
	return true, nil
}

// Drop removes the publication if it exists.
func Drop(ctx context.Context, q pq.Querier, name string) error {
	if _, err := q.Exec(ctx, dropStatement(name)); err != nil {
		return fmt.Errorf("drop publication %s: %w", name, err)
	}
	return nil
}

func read(ctx context.Context, q pq.Querier, name string) (state, bool, error) {
	var st state
	err := q.QueryRow(ctx, `
		SELECT puballtables, pubinsert
		FROM pg_publication
		WHERE pubname = $1`, name).Scan(&st.allTables, &st.insert)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, false, nil
	}
	if err != nil {
		return st, false, fmt.Errorf("read publication %s: %w", name, err)
	}

	rows, err := q.Query(ctx, `
		SELECT schemaname || '.' || tablename
		FROM pg_publication_tables
		WHERE pubname = $1`, name)
	if err != nil {
		return st, false, fmt.Errorf("read publication tables %s: %w", name, err)
	}
	st.tables, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return st, false, fmt.Errorf("read publication tables %s: %w", name, err)
	}

	if len(st.tables) == 1 {
		st.rowFilter, st.hasRowFilter, err = readRowFilter(ctx, q, name)
		if err != nil {
			return st, false, err
		}
	}
	return st, true, nil
}

// readRowFilter returns the row filter of a single table publication. Servers
// older than 15 have no prqual column and never carry a filter.
func readRowFilter(ctx context.Context, q pq.Querier, name string) (string, bool, error) {
	var num int
	if err := q.QueryRow(ctx, `SELECT current_setting('server_version_num')::int`).Scan(&num); err != nil {
		return "", false, fmt.Errorf("read server version: %w", err)
	}
	if num < 150000 {
		return "", false, nil
	}

	var filter *string
	err := q.QueryRow(ctx, `
		SELECT pg_get_expr(pr.prqual, pr.prrelid)
		FROM pg_publication_rel pr
		JOIN pg_publication p ON p.oid = pr.prpubid
		WHERE p.pubname = $1`, name).Scan(&filter)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read publication row filter %s: %w", name, err)
	}
	if filter == nil {
		return "", false, nil
	}
	return *filter, true, nil
}

func conformity(s Spec, st state) []string {
	var mismatches []string
	if st.allTables {
		mismatches = append(mismatches, "publication is FOR ALL TABLES")
	}
	if !st.insert {
		mismatches = append(mismatches, "publication does not publish inserts")
	}
	if !st.allTables && !slices.Equal(st.tables, []string{s.Table.QualifiedName()}) {
		mismatches = append(mismatches, fmt.Sprintf("publication targets %v, expected [%s]", st.tables, s.Table.QualifiedName()))
	}
	if s.RowFilter {
		if !st.hasRowFilter || !filterCovers(st.rowFilter, s.Discriminators) {
			mismatches = append(mismatches, fmt.Sprintf("publication row filter %q does not cover %v", st.rowFilter, s.Discriminators))
		}
	} else if st.hasRowFilter {
		mismatches = append(mismatches, fmt.Sprintf("publication has unexpected row filter %q", st.rowFilter))
	}
	return mismatches
}

// filterCovers checks the deparsed filter mentions every discriminator as a
// literal. The server normalizes the expression so an exact comparison with
// the generated text is not possible.
func filterCovers(filter string, discriminators []string) bool {
	for _, d := range discriminators {
		if !strings.Contains(filter, pq.QuoteLiteral(d)) {
			return false
		}
	}
	return true
}

func createStatement(s Spec) string {
	var b strings.Builder
	b.WriteString("CREATE PUBLICATION ")
	b.WriteString(pq.QuoteIdentifier(s.Name))
	b.WriteString(" FOR TABLE ")
	b.WriteString(s.Table.Quoted())
	if s.RowFilter {
		literals := make([]string, 0, len(s.Discriminators))
		for _, d := range s.Discriminators {
			literals = append(literals, pq.QuoteLiteral(d))
		}
		slices.Sort(literals)
		fmt.Fprintf(&b, " WHERE (%s IN (%s))", pq.QuoteIdentifier(s.Table.Discriminator.Name), strings.Join(literals, ", "))
	}
	b.WriteString(" WITH (publish = 'insert')")
	return b.String()
}

func dropStatement(name string) string {
	return "DROP PUBLICATION IF EXISTS " + pq.QuoteIdentifier(name)
}

func exec(ctx context.Context, q pq.Querier, stmts ...string) (err error) {
	tx, err := q.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(context.Background()); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, rbErr)
			}
		}
	}()
	for _, stmt := range stmts {
		if _, err = tx.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
