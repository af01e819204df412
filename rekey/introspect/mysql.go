package introspect

import (
	"context"
	"fmt"

	"github.com/satishbabariya/rekey/rekey/store"
)

// MySQLIntrospector reads information_schema of the current database
type MySQLIntrospector struct{}

// ForeignKeys reads single-column foreign keys referencing table.column.
// InnoDB has no deferrable constraints.
func (i *MySQLIntrospector) ForeignKeys(ctx context.Context, q store.Querier, table, column string) ([]ForeignKey, error) {
	query := `
		SELECT
			kcu.constraint_name,
			kcu.table_name,
			kcu.column_name,
			rc.update_rule,
			rc.delete_rule
		FROM information_schema.key_column_usage kcu
		JOIN information_schema.referential_constraints rc
			ON kcu.constraint_name = rc.constraint_name
			AND kcu.constraint_schema = rc.constraint_schema
		WHERE kcu.referenced_table_schema = DATABASE()
		  AND kcu.referenced_table_name = ?
		  AND kcu.referenced_column_name = ?
		  AND (SELECT COUNT(*) FROM information_schema.key_column_usage k2
		       WHERE k2.constraint_schema = kcu.constraint_schema
		         AND k2.table_name = kcu.table_name
		         AND k2.constraint_name = kcu.constraint_name) = 1
		ORDER BY kcu.constraint_name
	`

	rows, err := q.QueryContext(ctx, query, table, column)
	if err != nil {
		return nil, fmt.Errorf("failed to query foreign keys: %w", err)
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		fk := ForeignKey{ReferencedTable: table, ReferencedColumn: column}
		if err := rows.Scan(&fk.Name, &fk.Table, &fk.Column, &fk.OnUpdate, &fk.OnDelete); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key: %w", err)
		}
		fk.OnUpdate = normalizeRule(fk.OnUpdate)
		fk.OnDelete = normalizeRule(fk.OnDelete)
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}
