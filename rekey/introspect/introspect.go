// Package introspect discovers the foreign keys that reference a parent key column.
package introspect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/satishbabariya/rekey/internal/debug"
	"github.com/satishbabariya/rekey/rekey/constraint"
	"github.com/satishbabariya/rekey/rekey/store"
)

var ErrUnsupportedProvider = errors.New("unsupported database provider")

// Update rules as reported by the catalogs
const (
	NoAction   = "NO ACTION"
	Restrict   = "RESTRICT"
	Cascade    = "CASCADE"
	SetNull    = "SET NULL"
	SetDefault = "SET DEFAULT"
)

// ForeignKey is a single-column foreign key pointing at the parent key column
type ForeignKey struct {
	Name             string `json:"name" yaml:"name"`
	Table            string `json:"table" yaml:"table"`
	Column           string `json:"column" yaml:"column"`
	ReferencedTable  string `json:"referenced_table" yaml:"referenced_table"`
	ReferencedColumn string `json:"referenced_column" yaml:"referenced_column"`
	OnUpdate         string `json:"on_update" yaml:"on_update"`
	OnDelete         string `json:"on_delete" yaml:"on_delete"`
	Deferrable       bool   `json:"deferrable,omitempty" yaml:"deferrable,omitempty"`
	// Definition is the catalog's DDL fragment, used to re-create a dropped constraint
	Definition string `json:"definition,omitempty" yaml:"definition,omitempty"`
}

// Cascades reports whether the store rewrites dependents itself on update
func (fk ForeignKey) Cascades() bool {
	return strings.EqualFold(fk.OnUpdate, Cascade)
}

// Dependent returns the dependent reference this key guards
func (fk ForeignKey) Dependent() constraint.Dependent {
	return constraint.Dependent{Table: fk.Table, Column: fk.Column, Constraint: fk.Name}
}

// Introspector reads foreign keys from a store catalog
type Introspector interface {
	// ForeignKeys lists keys referencing table.column
	ForeignKeys(ctx context.Context, q store.Querier, table, column string) ([]ForeignKey, error)
}

// New returns the introspector for provider
func New(provider string) (Introspector, error) {
	switch provider {
	case store.Postgres:
		return &PostgresIntrospector{}, nil
	case store.MySQL:
		return &MySQLIntrospector{}, nil
	case store.SQLite:
		return &SQLiteIntrospector{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
}

// Discover adds every discovered foreign key to the model's dependents and returns
// the keys found. Declared dependents without a constraint name pick up the
// discovered name.
func Discover(ctx context.Context, in Introspector, q store.Querier, model constraint.Model) (constraint.Model, []ForeignKey, error) {
	fks, err := in.ForeignKeys(ctx, q, model.Table, model.KeyColumn)
	if err != nil {
		return model, nil, fmt.Errorf("failed to introspect foreign keys on %s.%s: %w", model.Table, model.KeyColumn, err)
	}
	sort.Slice(fks, func(i, j int) bool {
		if fks[i].Table != fks[j].Table {
			return fks[i].Table < fks[j].Table
		}
		return fks[i].Column < fks[j].Column
	})

	deps := make([]constraint.Dependent, 0, len(fks))
	for _, fk := range fks {
		debug.Debug("Discovered foreign key", "name", fk.Name, "dependent", fk.Dependent().String(), "on_update", fk.OnUpdate)
		deps = append(deps, fk.Dependent())
	}
	return model.WithDependents(deps), fks, nil
}

// Find returns the key guarding dep, matching by name when dep names one
func Find(fks []ForeignKey, dep constraint.Dependent) (ForeignKey, bool) {
	for _, fk := range fks {
		if dep.Constraint != "" && fk.Name == dep.Constraint && fk.Table == dep.Table {
			return fk, true
		}
	}
	for _, fk := range fks {
		if fk.Table == dep.Table && fk.Column == dep.Column {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

func normalizeRule(rule string) string {
	rule = strings.ToUpper(strings.TrimSpace(rule))
	if rule == "" {
		return NoAction
	}
	return rule
}
