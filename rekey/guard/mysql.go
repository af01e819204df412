package guard

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/satishbabariya/rekey/internal/debug"
	"github.com/satishbabariya/rekey/rekey/planner"
	"github.com/satishbabariya/rekey/rekey/rekeyerr"
	"github.com/satishbabariya/rekey/rekey/store"
)

// mysqlBackend toggles FOREIGN_KEY_CHECKS, a session variable. InnoDB never
// re-checks existing rows when it is turned back on, so every re-enable is
// followed by an orphan query.
type mysqlBackend struct {
	store *store.Store
}

func (b *mysqlBackend) prepare(ctx context.Context, q store.Querier, strategy Strategy, cs []Constraint) (State, error) {
	if strategy != Suspend {
		return Active, nil
	}
	if _, err := q.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 0"); err != nil {
		return Active, fmt.Errorf("failed to disable foreign key checks: %w", err)
	}
	return Suspended, nil
}

func (b *mysqlBackend) beginStep(ctx context.Context, tx *sql.Tx, cs []Constraint) error {
	_, err := tx.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 0")
	return err
}

func (b *mysqlBackend) completeStep(ctx context.Context, tx *sql.Tx, cs []Constraint, step planner.Step) error {
	for _, c := range cs {
		orphans, err := b.store.OrphansAmong(ctx, tx, c.Dependent, step.FromKey, step.ToKey)
		if err != nil {
			return err
		}
		if len(orphans) > 0 {
			return fmt.Errorf("%s would reference missing keys %v", c.Dependent, orphans)
		}
	}
	_, err := tx.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 1")
	return err
}

func (b *mysqlBackend) abortStep(ctx context.Context, tx *sql.Tx) {
	if _, err := tx.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 1"); err != nil {
		debug.Warn("Failed to re-enable foreign key checks on aborted step", "error", err)
	}
}

func (b *mysqlBackend) restore(ctx context.Context, q store.Querier, strategy Strategy, cs []Constraint) error {
	if _, err := q.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 1"); err != nil {
		return fmt.Errorf("failed to enable foreign key checks: %w", err)
	}
	return checkOrphans(ctx, q, b.store, cs)
}

func checkOrphans(ctx context.Context, q store.Querier, st *store.Store, cs []Constraint) error {
	for _, c := range cs {
		orphans, err := st.Orphans(ctx, q, c.Dependent)
		if err != nil {
			return err
		}
		if len(orphans) > 0 {
			return rekeyerr.New(rekeyerr.PostConditionViolation, "%s references missing keys %v after re-enabling %s",
				c.Dependent, orphans, c.ForeignKey.Name)
		}
	}
	return nil
}
