package guard

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/satishbabariya/rekey/rekey/planner"
	"github.com/satishbabariya/rekey/rekey/rekeyerr"
	"github.com/satishbabariya/rekey/rekey/store"
)

// sqliteBackend uses pragmas. defer_foreign_keys resets itself at every commit;
// foreign_keys is per connection and a no-op inside a transaction.
type sqliteBackend struct {
	store *store.Store
}

func (b *sqliteBackend) prepare(ctx context.Context, q store.Querier, strategy Strategy, cs []Constraint) (State, error) {
	if strategy != Suspend {
		return Active, nil
	}
	if _, err := q.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return Active, fmt.Errorf("failed to disable foreign keys: %w", err)
	}
	return Suspended, nil
}

func (b *sqliteBackend) beginStep(ctx context.Context, tx *sql.Tx, cs []Constraint) error {
	_, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON")
	return err
}

func (b *sqliteBackend) completeStep(context.Context, *sql.Tx, []Constraint, planner.Step) error {
	return nil
}

func (b *sqliteBackend) abortStep(context.Context, *sql.Tx) {}

func (b *sqliteBackend) restore(ctx context.Context, q store.Querier, strategy Strategy, cs []Constraint) error {
	if _, err := q.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	checked := make(map[string]bool)
	for _, c := range cs {
		table := c.Dependent.Table
		if checked[table] {
			continue
		}
		checked[table] = true

		violations, err := b.foreignKeyCheck(ctx, q, table)
		if err != nil {
			return err
		}
		if violations > 0 {
			return rekeyerr.New(rekeyerr.PostConditionViolation, "foreign_key_check found %d rows of %s referencing missing parents", violations, table)
		}
	}
	return nil
}

func (b *sqliteBackend) foreignKeyCheck(ctx context.Context, q store.Querier, table string) (int, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_check(%s)", b.store.Dialect.Quote(table)))
	if err != nil {
		return 0, fmt.Errorf("failed to check foreign keys of %s: %w", table, err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var child, parent string
		var rowid sql.NullInt64
		var fkid int
		if err := rows.Scan(&child, &rowid, &parent, &fkid); err != nil {
			return 0, fmt.Errorf("failed to scan foreign key violation: %w", err)
		}
		if parent == b.store.Model.Table {
			n++
		}
	}
	return n, rows.Err()
}
