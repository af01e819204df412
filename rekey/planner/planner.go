// Package planner turns a classified rename graph into an ordered rename plan whose
// every prefix keeps the key column free of duplicates.
package planner

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/satishbabariya/rekey/rekey/constraint"
	"github.com/satishbabariya/rekey/rekey/graph"
)

// DefaultPlaceholderPrefix is the reserved namespace for temporary keys
const DefaultPlaceholderPrefix = "__rekey_tmp_"

// StepKind distinguishes real key assignments from parking a record on a placeholder
type StepKind string

const (
	ApplyKey         StepKind = "apply_key"
	ApplyPlaceholder StepKind = "apply_placeholder"
)

// Step is one atomic key change
type Step struct {
	Index    int         `json:"index" yaml:"index"`
	Kind     StepKind    `json:"kind" yaml:"kind"`
	RecordID string      `json:"record_id" yaml:"record_id"`
	FromKey  string      `json:"from_key" yaml:"from_key"`
	ToKey    string      `json:"to_key" yaml:"to_key"`
	Group    int         `json:"group" yaml:"group"`
	Class    graph.Class `json:"class" yaml:"class"`
	// Parallel steps touch no key used by any other step
	Parallel bool `json:"parallel,omitempty" yaml:"parallel,omitempty"`
}

func (s Step) String() string {
	kind := "apply"
	if s.Kind == ApplyPlaceholder {
		kind = "placeholder"
	}
	extra := ""
	if s.Parallel {
		extra = " parallel"
	}
	return fmt.Sprintf("#%d %s %s %s -> %s (%s %d%s)", s.Index, kind, s.RecordID, s.FromKey, s.ToKey, s.Class, s.Group, extra)
}

// Plan is an ordered list of steps plus everything needed to execute and verify it
type Plan struct {
	Model             constraint.Model  `json:"model" yaml:"model"`
	PlaceholderPrefix string            `json:"placeholder_prefix" yaml:"placeholder_prefix"`
	Nonce             string            `json:"nonce" yaml:"nonce"`
	Steps             []Step            `json:"steps" yaml:"steps"`
	Intended          map[string]string `json:"intended" yaml:"intended"`
	// Baseline holds dependent reference counts per moving record, captured before any write
	Baseline []RefCount `json:"baseline,omitempty" yaml:"baseline,omitempty"`
}

// RefCount is how many rows of a dependent reference a record's key
type RefCount struct {
	Dependent string `json:"dependent" yaml:"dependent"`
	RecordID  string `json:"record_id" yaml:"record_id"`
	Count     int    `json:"count" yaml:"count"`
}

// Options tunes placeholder generation
type Options struct {
	// Prefix defaults to DefaultPlaceholderPrefix
	Prefix string
	// Nonce scopes placeholders to one run; generated when empty
	Nonce string
}

// Resolve orders the graph's moves. existing is the store's full key set.
//
// Chains are applied destination-most first. A cycle parks its first record on a
// placeholder, walks the rest of the loop backwards, then moves the parked record to
// its target: one placeholder step plus one direct step per record. Free moves come
// last and are marked parallel.
func Resolve(g *graph.Graph, model constraint.Model, existing []string, opts Options) (*Plan, error) {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPlaceholderPrefix
	}

	taken := make(map[string]bool, len(existing)+len(g.Intended))
	for _, k := range existing {
		taken[k] = true
	}
	for _, k := range g.Intended {
		taken[k] = true
	}

	nonce := opts.Nonce
	for attempt := 0; ; attempt++ {
		if nonce == "" {
			nonce = newNonce()
		}
		if !placeholdersCollide(g, prefix, nonce, taken) {
			break
		}
		if opts.Nonce != "" || attempt >= 4 {
			return nil, fmt.Errorf("placeholder namespace %s%s collides with existing keys", prefix, nonce)
		}
		nonce = ""
	}

	p := &Plan{
		Model:             model,
		PlaceholderPrefix: prefix,
		Nonce:             nonce,
		Intended:          g.Intended,
	}

	placeholders := 0
	add := func(kind StepKind, m graph.Move, from, to string, group int, class graph.Class) {
		p.Steps = append(p.Steps, Step{
			Index:    len(p.Steps) + 1,
			Kind:     kind,
			RecordID: m.ID,
			FromKey:  from,
			ToKey:    to,
			Group:    group,
			Class:    class,
			Parallel: class == graph.FreeMove,
		})
	}

	for gi, comp := range g.Components {
		group := gi + 1
		switch comp.Class {
		case graph.Cycle:
			placeholders++
			parked := comp.Moves[0]
			tmp := placeholderKey(prefix, nonce, placeholders)
			add(ApplyPlaceholder, parked, parked.From, tmp, group, comp.Class)
			for _, m := range comp.Moves[1:] {
				add(ApplyKey, m, m.From, m.To, group, comp.Class)
			}
			add(ApplyKey, parked, tmp, parked.To, group, comp.Class)
		default:
			for _, m := range comp.Moves {
				add(ApplyKey, m, m.From, m.To, group, comp.Class)
			}
		}
	}
	return p, nil
}

func placeholdersCollide(g *graph.Graph, prefix, nonce string, taken map[string]bool) bool {
	n := g.Count(graph.Cycle)
	for i := 1; i <= n; i++ {
		if taken[placeholderKey(prefix, nonce, i)] {
			return true
		}
	}
	return false
}

func placeholderKey(prefix, nonce string, n int) string {
	return fmt.Sprintf("%s%s_%d", prefix, nonce, n)
}

func newNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// IsPlaceholder reports whether key lies in this plan's placeholder namespace
func (p *Plan) IsPlaceholder(key string) bool {
	return strings.HasPrefix(key, p.PlaceholderPrefix)
}

// Placeholders counts placeholder steps
func (p *Plan) Placeholders() int {
	n := 0
	for _, s := range p.Steps {
		if s.Kind == ApplyPlaceholder {
			n++
		}
	}
	return n
}

// MovedKeys returns every key a step moves away from, in step order
func (p *Plan) MovedKeys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, s := range p.Steps {
		if !seen[s.FromKey] && !p.IsPlaceholder(s.FromKey) {
			seen[s.FromKey] = true
			keys = append(keys, s.FromKey)
		}
	}
	return keys
}

// Simulate replays steps from index start (0-based) over state (id → key), mutating
// it, and fails at the first step whose source key is wrong or whose destination is
// already held.
func (p *Plan) Simulate(state map[string]string, start int) error {
	owner := make(map[string]string, len(state))
	for id, k := range state {
		owner[k] = id
	}
	for _, s := range p.Steps[start:] {
		if cur := state[s.RecordID]; cur != s.FromKey {
			return fmt.Errorf("step %d: record %s holds %q, expected %q", s.Index, s.RecordID, cur, s.FromKey)
		}
		if holder, ok := owner[s.ToKey]; ok {
			return fmt.Errorf("step %d: key %q is still held by %s", s.Index, s.ToKey, holder)
		}
		delete(owner, s.FromKey)
		owner[s.ToKey] = s.RecordID
		state[s.RecordID] = s.ToKey
	}
	return nil
}

// String renders the plan one step per line
func (p *Plan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "plan %s.%s: %d steps, %d placeholders\n", p.Model.Table, p.Model.KeyColumn, len(p.Steps), p.Placeholders())
	for _, s := range p.Steps {
		b.WriteString(s.String())
		b.WriteByte('\n')
	}
	return b.String()
}
