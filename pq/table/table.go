// Package table keeps the outbox table in line with its Descriptor.
package table

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/lsfera/go-pq-outbox/logger"
	"github.com/lsfera/go-pq-outbox/pq"
)

// Ensure creates the table described by d when it does not exist and
// otherwise checks that the existing table conforms to d. It reports whether
// the table was created. A non conformant table is left untouched and a
// *pq.SchemaConflictError listing every mismatch is returned.
func Ensure(ctx context.Context, q pq.Querier, d Descriptor) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, fmt.Errorf("table descriptor: %w", err)
	}

	columns, err := existingColumns(ctx, q, d)
	if err != nil {
		return false, err
	}

	if len(columns) == 0 {
		if err := create(ctx, q, d); err != nil {
			return false, err
		}
		logger.Info("outbox table created", "table", d.QualifiedName())
		return true, nil
	}

	pk, err := primaryKey(ctx, q, d)
	if err != nil {
		return false, err
	}
	if mismatches := conformity(d, columns, pk); len(mismatches) > 0 {
		return false, &pq.SchemaConflictError{Kind: "table", Name: d.QualifiedName(), Mismatches: mismatches}
	}
	logger.Debug("outbox table conforms", "table", d.QualifiedName())
	return false, nil
}

func existingColumns(ctx context.Context, q pq.Querier, d Descriptor) (map[string]string, error) {
	rows, err := q.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2`, d.Schema, d.Name)
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", d.QualifiedName(), err)
	}
	columns := make(map[string]string)
	var name, dataType string
	_, err = pgx.ForEachRow(rows, []any{&name, &dataType}, func() error {
		columns[name] = dataType
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", d.QualifiedName(), err)
	}
	return columns, nil
}

func primaryKey(ctx context.Context, q pq.Querier, d Descriptor) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1::regclass AND i.indisprimary`, d.Quoted())
	if err != nil {
		return nil, fmt.Errorf("read primary key of %s: %w", d.QualifiedName(), err)
	}
	pk, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("read primary key of %s: %w", d.QualifiedName(), err)
	}
	return pk, nil
}

func conformity(d Descriptor, columns map[string]string, pk []string) []string {
	var mismatches []string
	for _, role := range []Role{RoleID, RoleDiscriminator, RolePayload, RoleCreatedAt} {
		c := d.Column(role)
		actual, ok := columns[c.Name]
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("%s column %q is missing", role, c.Name))
			continue
		}
		if !allowedFamilies[role][family(actual)] {
			mismatches = append(mismatches, fmt.Sprintf("%s column %q has incompatible type %q", role, c.Name, actual))
		}
	}
	if len(pk) != 1 || pk[0] != d.ID.Name {
		slices.Sort(pk)
		mismatches = append(mismatches, fmt.Sprintf("primary key is %v, expected [%s]", pk, d.ID.Name))
	}
	return mismatches
}

func create(ctx context.Context, q pq.Querier, d Descriptor) (err error) {
	tx, err := q.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create %s: begin: %w", d.QualifiedName(), err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, rollback(tx))
		}
	}()

	for _, stmt := range createStatements(d) {
		if _, err = tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create %s: %w", d.QualifiedName(), err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("create %s: commit: %w", d.QualifiedName(), err)
	}
	return nil
}

func rollback(tx pgx.Tx) error {
	if err := tx.Rollback(context.Background()); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func createStatements(d Descriptor) []string {
	return []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pq.QuoteIdentifier(d.Schema)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s %s PRIMARY KEY%s,
	%s %s NOT NULL,
	%s %s NOT NULL,
	%s %s NOT NULL DEFAULT now()
)`,
			d.Quoted(),
			pq.QuoteIdentifier(d.ID.Name), d.ID.Type, idDefault(d.ID.Type),
			pq.QuoteIdentifier(d.Discriminator.Name), d.Discriminator.Type,
			pq.QuoteIdentifier(d.Payload.Name), d.Payload.Type,
			pq.QuoteIdentifier(d.CreatedAt.Name), d.CreatedAt.Type,
		),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
			pq.QuoteIdentifier(d.Name+"_"+d.CreatedAt.Name+"_idx"),
			d.Quoted(),
			pq.QuoteIdentifier(d.CreatedAt.Name),
		),
	}
}
