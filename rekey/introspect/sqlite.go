package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/satishbabariya/rekey/rekey/store"
)

// SQLiteIntrospector walks PRAGMA foreign_key_list over every table
type SQLiteIntrospector struct{}

// ForeignKeys reads single-column foreign keys referencing table.column.
// SQLite keys are unnamed; they are named <table>_fk_<id> after the pragma's id.
func (i *SQLiteIntrospector) ForeignKeys(ctx context.Context, q store.Querier, table, column string) ([]ForeignKey, error) {
	tables, err := i.tables(ctx, q)
	if err != nil {
		return nil, err
	}

	var fks []ForeignKey
	for _, t := range tables {
		found, err := i.foreignKeys(ctx, q, t, table, column)
		if err != nil {
			return nil, fmt.Errorf("failed to introspect foreign keys for %s: %w", t, err)
		}
		fks = append(fks, found...)
	}
	return fks, nil
}

func (i *SQLiteIntrospector) tables(ctx context.Context, q store.Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (i *SQLiteIntrospector) foreignKeys(ctx context.Context, q store.Querier, tableName, parent, column string) ([]ForeignKey, error) {
	query := fmt.Sprintf("PRAGMA foreign_key_list(%s)", store.Dialect{Provider: store.SQLite}.Quote(tableName))
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query foreign keys: %w", err)
	}
	defer rows.Close()

	// One row per column; composite keys are skipped.
	type entry struct {
		fk      ForeignKey
		columns int
	}
	byID := make(map[int]*entry)
	var order []int
	for rows.Next() {
		var id, seq int
		var refTable, from, onUpdate, onDelete, match string
		var to sql.NullString
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key: %w", err)
		}
		e, ok := byID[id]
		if !ok {
			e = &entry{fk: ForeignKey{
				Name:             fmt.Sprintf("%s_fk_%d", tableName, id),
				Table:            tableName,
				Column:           from,
				ReferencedTable:  refTable,
				ReferencedColumn: to.String,
				OnUpdate:         normalizeRule(onUpdate),
				OnDelete:         normalizeRule(onDelete),
			}}
			byID[id] = e
			order = append(order, id)
		}
		e.columns++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var fks []ForeignKey
	for _, id := range order {
		e := byID[id]
		// A NULL target column means the parent's primary key, never the key column.
		if e.columns != 1 || !strings.EqualFold(e.fk.ReferencedTable, parent) || e.fk.ReferencedColumn != column {
			continue
		}
		fks = append(fks, e.fk)
	}
	return fks, nil
}
