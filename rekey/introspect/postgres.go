package introspect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/satishbabariya/rekey/rekey/store"
)

// PostgresIntrospector reads pg_constraint
type PostgresIntrospector struct{}

// ForeignKeys reads single-column foreign keys referencing table.column
func (i *PostgresIntrospector) ForeignKeys(ctx context.Context, q store.Querier, table, column string) ([]ForeignKey, error) {
	query := `
		SELECT
			c.conname,
			CASE WHEN n.nspname = current_schema() THEN cl.relname ELSE n.nspname || '.' || cl.relname END,
			a.attname,
			c.confupdtype::text,
			c.confdeltype::text,
			c.condeferrable,
			pg_get_constraintdef(c.oid)
		FROM pg_constraint c
		JOIN pg_class cl ON cl.oid = c.conrelid
		JOIN pg_namespace n ON n.oid = cl.relnamespace
		JOIN pg_attribute a ON a.attrelid = c.conrelid AND a.attnum = c.conkey[1]
		JOIN pg_attribute fa ON fa.attrelid = c.confrelid AND fa.attnum = c.confkey[1]
		WHERE c.contype = 'f'
		  AND c.confrelid = $1::regclass
		  AND fa.attname = $2
		  AND array_length(c.conkey, 1) = 1
		ORDER BY c.conname
	`

	rows, err := q.QueryContext(ctx, query, table, column)
	if err != nil {
		return nil, fmt.Errorf("failed to query foreign keys: %w", err)
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		fk := ForeignKey{ReferencedTable: table, ReferencedColumn: column}
		var onUpdate, onDelete string
		if err := rows.Scan(&fk.Name, &fk.Table, &fk.Column, &onUpdate, &onDelete, &fk.Deferrable, &fk.Definition); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key: %w", err)
		}
		fk.OnUpdate = postgresRule(onUpdate)
		fk.OnDelete = postgresRule(onDelete)
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

// ConstraintStatus reports whether a named constraint exists on table and whether
// it has been validated
func (i *PostgresIntrospector) ConstraintStatus(ctx context.Context, q store.Querier, table, name string) (exists, validated bool, err error) {
	query := `SELECT convalidated FROM pg_constraint WHERE conrelid = $1::regclass AND conname = $2`
	err = q.QueryRowContext(ctx, query, table, name).Scan(&validated)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to read constraint %s: %w", name, err)
	}
	return true, validated, nil
}

func postgresRule(code string) string {
	switch code {
	case "r":
		return Restrict
	case "c":
		return Cascade
	case "n":
		return SetNull
	case "d":
		return SetDefault
	default:
		return NoAction
	}
}
