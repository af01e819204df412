// Package guard keeps foreign keys on the dependent columns from rejecting the
// intermediate states of a rekey run, and puts them back afterwards.
//
// Two strategies exist. coordinated keeps every constraint in force and defers the
// check of each step's transaction to its commit, so the primary row and its
// dependents move together. suspend switches the blocking constraints off for the
// whole run and re-validates them at the end.
package guard

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/satishbabariya/rekey/internal/debug"
	"github.com/satishbabariya/rekey/rekey/constraint"
	"github.com/satishbabariya/rekey/rekey/introspect"
	"github.com/satishbabariya/rekey/rekey/planner"
	"github.com/satishbabariya/rekey/rekey/rekeyerr"
	"github.com/satishbabariya/rekey/rekey/store"
)

// Strategy selects how blocking constraints are handled
type Strategy string

const (
	Coordinated Strategy = "coordinated"
	Suspend     Strategy = "suspend"
)

// ParseStrategy validates a --strategy value; empty means coordinated
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", Coordinated:
		return Coordinated, nil
	case Suspend:
		return Suspend, nil
	default:
		return "", fmt.Errorf("unknown strategy %q (want coordinated or suspend)", s)
	}
}

// State is where the guarded constraints currently stand
type State string

const (
	// Active: every constraint is as it was before the run
	Active State = "active"
	// Suspended: blocking constraints are off (or dropped) until Restore
	Suspended State = "suspended"
	// Altered: constraints were made deferrable for the run
	Altered State = "altered"
)

// Constraint is the assessment of one dependent
type Constraint struct {
	Dependent  constraint.Dependent   `json:"dependent" yaml:"dependent"`
	ForeignKey *introspect.ForeignKey `json:"foreign_key,omitempty" yaml:"foreign_key,omitempty"`
	// References counts dependent rows pointing at a key the plan moves
	References int `json:"references" yaml:"references"`
	// Blocking means the key would reject a parent update before its dependents follow
	Blocking bool `json:"blocking" yaml:"blocking"`
}

// Cascades reports whether the store moves this dependent itself
func (c Constraint) Cascades() bool {
	return c.ForeignKey != nil && c.ForeignKey.Cascades()
}

func (c Constraint) String() string {
	switch {
	case c.ForeignKey == nil:
		return fmt.Sprintf("%s: no foreign key, %d references", c.Dependent, c.References)
	case c.Cascades():
		return fmt.Sprintf("%s: %s cascades on update, %d references", c.Dependent, c.ForeignKey.Name, c.References)
	case c.Blocking:
		return fmt.Sprintf("%s: %s blocks intermediate states, %d references", c.Dependent, c.ForeignKey.Name, c.References)
	default:
		return fmt.Sprintf("%s: %s, no moved key referenced", c.Dependent, c.ForeignKey.Name)
	}
}

// Assessment says which constraints a plan runs into and how they will be handled
type Assessment struct {
	Provider    string       `json:"provider" yaml:"provider"`
	Strategy    Strategy     `json:"strategy" yaml:"strategy"`
	Constraints []Constraint `json:"constraints" yaml:"constraints"`
}

// Blocking returns the constraints that need deferral or suspension
func (a *Assessment) Blocking() []Constraint {
	var out []Constraint
	for _, c := range a.Constraints {
		if c.Blocking {
			out = append(out, c)
		}
	}
	return out
}

// Updates returns the dependents the executor rewrites itself. Cascading ones
// follow the parent row on their own unless enforcement is off for the session.
func (a *Assessment) Updates() []constraint.Dependent {
	checksOff := a.checksOff()
	var out []constraint.Dependent
	for _, c := range a.Constraints {
		if checksOff || !c.Cascades() {
			out = append(out, c.Dependent)
		}
	}
	return out
}

// checksOff reports whether steps run with foreign-key enforcement, cascades
// included, switched off for the whole connection
func (a *Assessment) checksOff() bool {
	if a.Provider == store.Postgres || len(a.Blocking()) == 0 {
		return false
	}
	return a.Strategy == Suspend || a.Provider == store.MySQL
}

// Pinned reports whether the run needs one dedicated connection, because the
// suspension is a session setting
func (a *Assessment) Pinned() bool {
	return a.Strategy == Suspend && a.Provider != store.Postgres && len(a.Blocking()) > 0
}

// Assess introspects the foreign keys on every dependent of plan.Model and
// counts the rows referencing keys the plan moves
func Assess(ctx context.Context, q store.Querier, st *store.Store, strategy Strategy, plan *planner.Plan) (*Assessment, error) {
	in, err := introspect.New(st.Dialect.Provider)
	if err != nil {
		return nil, err
	}
	fks, err := in.ForeignKeys(ctx, q, plan.Model.Table, plan.Model.KeyColumn)
	if err != nil {
		return nil, rekeyerr.Wrap(rekeyerr.ConstraintSuspendFailure, err, "cannot read foreign keys of %s", plan.Model.Table)
	}

	moved := plan.MovedKeys()
	a := &Assessment{Provider: st.Dialect.Provider, Strategy: strategy}
	for _, dep := range plan.Model.Dependents {
		c := Constraint{Dependent: dep}
		if fk, ok := introspect.Find(fks, dep); ok {
			c.ForeignKey = &fk
		} else if dep.Constraint != "" {
			return nil, rekeyerr.New(rekeyerr.ConstraintSuspendFailure,
				"constraint %s declared on %s does not reference %s.%s", dep.Constraint, dep, plan.Model.Table, plan.Model.KeyColumn)
		}

		counts, err := st.CountReferences(ctx, q, dep, moved)
		if err != nil {
			return nil, err
		}
		for _, n := range counts {
			c.References += n
		}
		c.Blocking = c.ForeignKey != nil && !c.Cascades() && c.References > 0
		debug.Debug("Assessed dependent", "dependent", dep.String(), "blocking", c.Blocking, "references", c.References)
		a.Constraints = append(a.Constraints, c)
	}
	return a, nil
}

// Status is the persisted form of a guard, enough to restore its constraints
// from another process
type Status struct {
	Strategy    Strategy     `json:"strategy" yaml:"strategy"`
	State       State        `json:"state" yaml:"state"`
	Constraints []Constraint `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	// Updates are the dependents each step rewrites explicitly
	Updates []constraint.Dependent `json:"updates,omitempty" yaml:"updates,omitempty"`
}

// Marshal serializes the status for the audit log
func (s Status) Marshal() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to serialize constraint state: %w", err)
	}
	return string(data), nil
}

// ParseStatus reads a status written by Marshal
func ParseStatus(data string) (Status, error) {
	var s Status
	if data == "" {
		return Status{State: Active}, nil
	}
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return s, fmt.Errorf("failed to deserialize constraint state: %w", err)
	}
	return s, nil
}

// backend does the provider-specific work on the blocking constraints
type backend interface {
	prepare(ctx context.Context, q store.Querier, strategy Strategy, cs []Constraint) (State, error)
	beginStep(ctx context.Context, tx *sql.Tx, cs []Constraint) error
	completeStep(ctx context.Context, tx *sql.Tx, cs []Constraint, step planner.Step) error
	abortStep(ctx context.Context, tx *sql.Tx)
	restore(ctx context.Context, q store.Querier, strategy Strategy, cs []Constraint) error
}

// Guard applies a strategy to the blocking constraints of one run
type Guard struct {
	store    *store.Store
	backend  backend
	strategy Strategy
	blocking []Constraint
	updates  []constraint.Dependent
	state    State
}

// New creates a guard for an assessment
func New(st *store.Store, a *Assessment) (*Guard, error) {
	return newGuard(st, a.Strategy, a.Blocking(), a.Updates(), Active)
}

// Resume rebuilds the guard of an earlier run from its persisted status
func Resume(st *store.Store, s Status) (*Guard, error) {
	state := s.State
	if state == "" {
		state = Active
	}
	return newGuard(st, s.Strategy, s.Constraints, s.Updates, state)
}

func newGuard(st *store.Store, strategy Strategy, blocking []Constraint, updates []constraint.Dependent, state State) (*Guard, error) {
	g := &Guard{store: st, strategy: strategy, blocking: blocking, updates: updates, state: state}
	switch st.Dialect.Provider {
	case store.Postgres:
		g.backend = &postgresBackend{store: st}
	case store.MySQL:
		g.backend = &mysqlBackend{store: st}
	case store.SQLite:
		g.backend = &sqliteBackend{store: st}
	default:
		return nil, fmt.Errorf("%w: %s", introspect.ErrUnsupportedProvider, st.Dialect.Provider)
	}
	return g, nil
}

// State returns the current constraint state
func (g *Guard) State() State {
	return g.state
}

// Strategy returns the strategy the guard applies
func (g *Guard) Strategy() Strategy {
	return g.strategy
}

// Updates returns the dependents the executor rewrites in each step
func (g *Guard) Updates() []constraint.Dependent {
	return g.updates
}

// Pinned reports whether the run state lives on one connection
func (g *Guard) Pinned() bool {
	return g.strategy == Suspend && g.store.Dialect.Provider != store.Postgres && len(g.blocking) > 0
}

// Status returns the persistable state
func (g *Guard) Status() Status {
	return Status{Strategy: g.strategy, State: g.state, Constraints: g.blocking, Updates: g.updates}
}

// Prepare puts the blocking constraints into the strategy's run state. On failure
// the state reflects whatever was already changed. A resumed guard is prepared
// again: catalog changes are idempotent and session settings are reapplied.
func (g *Guard) Prepare(ctx context.Context, q store.Querier) error {
	if len(g.blocking) == 0 {
		return nil
	}
	state, err := g.backend.prepare(ctx, q, g.strategy, g.blocking)
	if err == nil || state != Active {
		g.state = state
	}
	if err != nil {
		return rekeyerr.Wrap(rekeyerr.ConstraintSuspendFailure, err, "cannot prepare constraints for %s strategy (state %s)", g.strategy, g.state)
	}
	debug.Info("Constraints prepared", "strategy", g.strategy, "state", g.state, "dependents", dependentsOf(g.blocking))
	return nil
}

// BeginStep runs inside a step's transaction before any write
func (g *Guard) BeginStep(ctx context.Context, tx *sql.Tx) error {
	if len(g.blocking) == 0 || g.strategy != Coordinated {
		return nil
	}
	return g.backend.beginStep(ctx, tx, g.blocking)
}

// CompleteStep runs inside a step's transaction after its writes, before commit
func (g *Guard) CompleteStep(ctx context.Context, tx *sql.Tx, step planner.Step) error {
	if len(g.blocking) == 0 || g.strategy != Coordinated {
		return nil
	}
	return g.backend.completeStep(ctx, tx, g.blocking, step)
}

// AbortStep undoes session settings made by BeginStep before the transaction is
// rolled back
func (g *Guard) AbortStep(ctx context.Context, tx *sql.Tx) {
	if len(g.blocking) == 0 || g.strategy != Coordinated {
		return
	}
	g.backend.abortStep(ctx, tx)
}

// Restore brings every constraint back to active and valid. It is safe to call
// again after a failure or from a later process.
func (g *Guard) Restore(ctx context.Context, q store.Querier) error {
	if len(g.blocking) == 0 || g.state == Active && g.strategy == Coordinated {
		g.state = Active
		return nil
	}
	if err := g.backend.restore(ctx, q, g.strategy, g.blocking); err != nil {
		if rekeyerr.Is(err, rekeyerr.PostConditionViolation) {
			return err
		}
		return rekeyerr.Wrap(rekeyerr.ConstraintSuspendFailure, err, "cannot restore constraints (state %s)", g.state)
	}
	g.state = Active
	debug.Info("Constraints restored", "strategy", g.strategy)
	return nil
}

func dependentsOf(cs []Constraint) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Dependent.String()
	}
	return out
}
