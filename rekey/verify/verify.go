// Package verify checks the store after a run against what the plan intended.
package verify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/satishbabariya/rekey/internal/debug"
	"github.com/satishbabariya/rekey/rekey/planner"
	"github.com/satishbabariya/rekey/rekey/rekeyerr"
	"github.com/satishbabariya/rekey/rekey/store"
)

// Check names one post-condition
type Check string

const (
	Targets         Check = "targets"
	Unique          Check = "unique"
	Orphans         Check = "orphans"
	Placeholders    Check = "placeholders"
	ReferenceCounts Check = "reference_counts"
)

// Checks lists every post-condition in the order they run
var Checks = []Check{Targets, Unique, Orphans, Placeholders, ReferenceCounts}

// Violation is one failed post-condition
type Violation struct {
	Check   Check    `json:"check" yaml:"check"`
	Message string   `json:"message" yaml:"message"`
	IDs     []string `json:"ids,omitempty" yaml:"ids,omitempty"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Check, v.Message)
}

// Result is the outcome of every check
type Result struct {
	Passed     []Check     `json:"passed" yaml:"passed"`
	Violations []Violation `json:"violations,omitempty" yaml:"violations,omitempty"`
}

// OK reports whether every check passed
func (r *Result) OK() bool {
	return len(r.Violations) == 0
}

// Err returns a PostConditionViolation summarizing the violations, or nil
func (r *Result) Err() error {
	if r.OK() {
		return nil
	}
	msgs := make([]string, len(r.Violations))
	var ids []string
	for i, v := range r.Violations {
		msgs[i] = v.String()
		ids = append(ids, v.IDs...)
	}
	return rekeyerr.New(rekeyerr.PostConditionViolation, "%s", strings.Join(msgs, "; ")).WithIDs(ids...)
}

// Verify runs every check. The returned error is for failed queries only;
// violations are in the result.
func Verify(ctx context.Context, q store.Querier, st *store.Store, plan *planner.Plan) (*Result, error) {
	res := &Result{}
	checks := map[Check]func(context.Context, store.Querier, *store.Store, *planner.Plan) ([]Violation, error){
		Targets:         checkTargets,
		Unique:          checkUnique,
		Orphans:         checkOrphans,
		Placeholders:    checkPlaceholders,
		ReferenceCounts: checkReferenceCounts,
	}
	for _, c := range Checks {
		vs, err := checks[c](ctx, q, st, plan)
		if err != nil {
			return nil, fmt.Errorf("verify %s: %w", c, err)
		}
		if len(vs) == 0 {
			res.Passed = append(res.Passed, c)
			continue
		}
		for _, v := range vs {
			debug.Warn("Post-condition violated", "check", v.Check, "message", v.Message)
		}
		res.Violations = append(res.Violations, vs...)
	}
	return res, nil
}

func checkTargets(ctx context.Context, q store.Querier, st *store.Store, plan *planner.Plan) ([]Violation, error) {
	snapshot, err := st.Snapshot(ctx, q)
	if err != nil {
		return nil, err
	}
	var wrong []string
	for id, target := range plan.Intended {
		if snapshot[id] != target {
			wrong = append(wrong, id)
		}
	}
	if len(wrong) == 0 {
		return nil, nil
	}
	sort.Strings(wrong)
	return []Violation{{
		Check:   Targets,
		Message: fmt.Sprintf("%d record(s) do not hold their target key", len(wrong)),
		IDs:     wrong,
	}}, nil
}

func checkUnique(ctx context.Context, q store.Querier, st *store.Store, _ *planner.Plan) ([]Violation, error) {
	dups, err := st.DuplicateKeys(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(dups) == 0 {
		return nil, nil
	}
	return []Violation{{Check: Unique, Message: fmt.Sprintf("keys held by more than one record: %s", strings.Join(dups, ", "))}}, nil
}

func checkOrphans(ctx context.Context, q store.Querier, st *store.Store, plan *planner.Plan) ([]Violation, error) {
	var vs []Violation
	for _, dep := range plan.Model.Dependents {
		orphans, err := st.Orphans(ctx, q, dep)
		if err != nil {
			return nil, err
		}
		if len(orphans) > 0 {
			vs = append(vs, Violation{Check: Orphans, Message: fmt.Sprintf("%s references missing keys: %s", dep, strings.Join(orphans, ", "))})
		}
	}
	return vs, nil
}

func checkPlaceholders(ctx context.Context, q store.Querier, st *store.Store, plan *planner.Plan) ([]Violation, error) {
	columns := [][2]string{{plan.Model.Table, plan.Model.KeyColumn}}
	for _, dep := range plan.Model.Dependents {
		columns = append(columns, [2]string{dep.Table, dep.Column})
	}

	var vs []Violation
	for _, c := range columns {
		left, err := st.KeysWithPrefix(ctx, q, c[0], c[1], plan.PlaceholderPrefix)
		if err != nil {
			return nil, err
		}
		if len(left) > 0 {
			vs = append(vs, Violation{Check: Placeholders, Message: fmt.Sprintf("%s.%s still holds placeholder keys: %s", c[0], c[1], strings.Join(left, ", "))})
		}
	}
	return vs, nil
}

// checkReferenceCounts compares the rows referencing each record's target now
// with the rows that referenced its original key at planning time
func checkReferenceCounts(ctx context.Context, q store.Querier, st *store.Store, plan *planner.Plan) ([]Violation, error) {
	if len(plan.Baseline) == 0 {
		return nil, nil
	}
	byDependent := make(map[string][]planner.RefCount)
	for _, rc := range plan.Baseline {
		byDependent[rc.Dependent] = append(byDependent[rc.Dependent], rc)
	}

	var vs []Violation
	for _, dep := range plan.Model.Dependents {
		expected := byDependent[dep.String()]
		if len(expected) == 0 {
			continue
		}
		keys := make([]string, 0, len(expected))
		for _, rc := range expected {
			keys = append(keys, plan.Intended[rc.RecordID])
		}
		counts, err := st.CountReferences(ctx, q, dep, keys)
		if err != nil {
			return nil, err
		}

		var ids []string
		for _, rc := range expected {
			if got := counts[plan.Intended[rc.RecordID]]; got != rc.Count {
				ids = append(ids, rc.RecordID)
			}
		}
		if len(ids) > 0 {
			vs = append(vs, Violation{
				Check:   ReferenceCounts,
				Message: fmt.Sprintf("%s reference counts changed for %d record(s)", dep, len(ids)),
				IDs:     ids,
			})
		}
	}
	return vs, nil
}

// Baseline counts, per dependent, the rows referencing each moving record's
// current key. It must run before the first write.
func Baseline(ctx context.Context, q store.Querier, st *store.Store, plan *planner.Plan) ([]planner.RefCount, error) {
	var ids, keys []string
	original := make(map[string]string)
	for _, s := range plan.Steps {
		if _, seen := original[s.RecordID]; seen {
			continue
		}
		original[s.RecordID] = s.FromKey
		ids = append(ids, s.RecordID)
		keys = append(keys, s.FromKey)
	}

	var out []planner.RefCount
	for _, dep := range plan.Model.Dependents {
		counts, err := st.CountReferences(ctx, q, dep, keys)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			out = append(out, planner.RefCount{Dependent: dep.String(), RecordID: id, Count: counts[original[id]]})
		}
	}
	return out, nil
}
