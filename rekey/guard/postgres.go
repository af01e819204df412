package guard

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/satishbabariya/rekey/internal/debug"
	"github.com/satishbabariya/rekey/rekey/introspect"
	"github.com/satishbabariya/rekey/rekey/planner"
	"github.com/satishbabariya/rekey/rekey/rekeyerr"
	"github.com/satishbabariya/rekey/rekey/store"
)

// postgresBackend changes constraints with DDL, which outlives the session:
// suspend drops them and re-adds them NOT VALID before validating, coordinated
// makes them deferrable for the run.
type postgresBackend struct {
	store *store.Store
	intro introspect.PostgresIntrospector
}

func (b *postgresBackend) prepare(ctx context.Context, q store.Querier, strategy Strategy, cs []Constraint) (State, error) {
	d := b.store.Dialect
	switch strategy {
	case Suspend:
		for i, c := range cs {
			fk := c.ForeignKey
			query := fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s", d.Quote(fk.Table), d.Quote(fk.Name))
			if _, err := q.ExecContext(ctx, query); err != nil {
				if i == 0 {
					return Active, fmt.Errorf("failed to drop %s: %w", fk.Name, err)
				}
				return Suspended, fmt.Errorf("failed to drop %s: %w", fk.Name, err)
			}
			debug.Debug("Dropped foreign key", "name", fk.Name, "table", fk.Table)
		}
		return Suspended, nil
	default:
		state := Active
		for _, c := range cs {
			fk := c.ForeignKey
			if fk.Deferrable {
				continue
			}
			query := fmt.Sprintf("ALTER TABLE %s ALTER CONSTRAINT %s DEFERRABLE INITIALLY IMMEDIATE", d.Quote(fk.Table), d.Quote(fk.Name))
			if _, err := q.ExecContext(ctx, query); err != nil {
				return state, fmt.Errorf("failed to make %s deferrable: %w", fk.Name, err)
			}
			state = Altered
			debug.Debug("Made foreign key deferrable", "name", fk.Name, "table", fk.Table)
		}
		return state, nil
	}
}

func (b *postgresBackend) beginStep(ctx context.Context, tx *sql.Tx, cs []Constraint) error {
	names := make([]string, len(cs))
	for i, c := range cs {
		names[i] = b.store.Dialect.Quote(c.ForeignKey.Name)
	}
	_, err := tx.ExecContext(ctx, "SET CONSTRAINTS "+strings.Join(names, ", ")+" DEFERRED")
	return err
}

func (b *postgresBackend) completeStep(context.Context, *sql.Tx, []Constraint, planner.Step) error {
	return nil
}

func (b *postgresBackend) abortStep(context.Context, *sql.Tx) {}

func (b *postgresBackend) restore(ctx context.Context, q store.Querier, strategy Strategy, cs []Constraint) error {
	d := b.store.Dialect
	for _, c := range cs {
		fk := c.ForeignKey
		table := d.Quote(fk.Table)
		name := d.Quote(fk.Name)

		if strategy != Suspend {
			if fk.Deferrable {
				continue
			}
			if _, err := q.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ALTER CONSTRAINT %s NOT DEFERRABLE", table, name)); err != nil {
				return fmt.Errorf("failed to restore %s: %w", fk.Name, err)
			}
			continue
		}

		exists, validated, err := b.intro.ConstraintStatus(ctx, q, fk.Table, fk.Name)
		if err != nil {
			return err
		}
		if !exists {
			if fk.Definition == "" {
				return fmt.Errorf("no definition recorded for %s", fk.Name)
			}
			def := strings.TrimSuffix(strings.TrimSpace(fk.Definition), " NOT VALID")
			query := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s NOT VALID", table, name, def)
			if _, err := q.ExecContext(ctx, query); err != nil {
				return fmt.Errorf("failed to re-create %s: %w", fk.Name, err)
			}
		}
		if !validated {
			if _, err := q.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s VALIDATE CONSTRAINT %s", table, name)); err != nil {
				if store.IsConstraintViolation(err) {
					return rekeyerr.Wrap(rekeyerr.PostConditionViolation, err, "%s does not validate after the run", fk.Name)
				}
				return fmt.Errorf("failed to validate %s: %w", fk.Name, err)
			}
		}
		debug.Debug("Restored foreign key", "name", fk.Name, "table", fk.Table)
	}
	return nil
}
