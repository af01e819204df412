// Package report assembles the outcome of a rekey run for operators and
// renders it as JSON, YAML or Markdown.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/satishbabariya/rekey/rekey/graph"
	"github.com/satishbabariya/rekey/rekey/guard"
	"github.com/satishbabariya/rekey/rekey/history"
	"github.com/satishbabariya/rekey/rekey/planner"
	"github.com/satishbabariya/rekey/rekey/rekeyerr"
	"github.com/satishbabariya/rekey/rekey/verify"
)

// Planned is the status of a dry run
const Planned = "planned"

// Format selects a renderer
type Format string

const (
	Text     Format = "text"
	JSON     Format = "json"
	YAML     Format = "yaml"
	Markdown Format = "markdown"
)

// ParseFormat accepts a format name, defaulting to text
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return Text, nil
	case "json":
		return JSON, nil
	case "yaml", "yml":
		return YAML, nil
	case "markdown", "md":
		return Markdown, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, json, yaml or markdown)", s)
	}
}

// Summary counts the shape of the rename graph and plan
type Summary struct {
	Mapped       int `json:"mapped" yaml:"mapped"`
	NoOps        int `json:"no_ops" yaml:"no_ops"`
	Moving       int `json:"moving" yaml:"moving"`
	FreeMoves    int `json:"free_moves" yaml:"free_moves"`
	Chains       int `json:"chains" yaml:"chains"`
	Cycles       int `json:"cycles" yaml:"cycles"`
	Steps        int `json:"steps" yaml:"steps"`
	Placeholders int `json:"placeholders" yaml:"placeholders"`
}

// Summarize counts g and p. Either may be nil.
func Summarize(g *graph.Graph, p *planner.Plan) Summary {
	var s Summary
	if g != nil {
		s.Mapped = len(g.Intended)
		s.NoOps = len(g.NoOps)
		s.Moving = g.Moving()
		s.Chains = g.Count(graph.Chain)
		s.Cycles = g.Count(graph.Cycle)
		for _, c := range g.Components {
			if c.Class == graph.FreeMove {
				s.FreeMoves += len(c.Moves)
			}
		}
	}
	if p != nil {
		s.Steps = len(p.Steps)
		s.Placeholders = p.Placeholders()
	}
	return s
}

// Error describes the failure that ended a run
type Error struct {
	Kind    rekeyerr.Kind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Message string        `json:"message" yaml:"message"`
	IDs     []string      `json:"ids,omitempty" yaml:"ids,omitempty"`
	Hint    string        `json:"hint,omitempty" yaml:"hint,omitempty"`
}

// Report is everything known about one run
type Report struct {
	RunID           string                `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	PlanHash        string                `json:"plan_hash,omitempty" yaml:"plan_hash,omitempty"`
	Table           string                `json:"table" yaml:"table"`
	Status          string                `json:"status" yaml:"status"`
	Strategy        guard.Strategy        `json:"strategy" yaml:"strategy"`
	DryRun          bool                  `json:"dry_run" yaml:"dry_run"`
	Resumed         bool                  `json:"resumed,omitempty" yaml:"resumed,omitempty"`
	Summary         Summary               `json:"summary" yaml:"summary"`
	Plan            *planner.Plan         `json:"plan,omitempty" yaml:"plan,omitempty"`
	Outcomes        []history.StepOutcome `json:"outcomes,omitempty" yaml:"outcomes,omitempty"`
	Completed       []int                 `json:"completed,omitempty" yaml:"completed,omitempty"`
	Remaining       []int                 `json:"remaining,omitempty" yaml:"remaining,omitempty"`
	Assessment      *guard.Assessment     `json:"assessment,omitempty" yaml:"assessment,omitempty"`
	ConstraintState guard.State           `json:"constraint_state,omitempty" yaml:"constraint_state,omitempty"`
	Verification    *verify.Result        `json:"verification,omitempty" yaml:"verification,omitempty"`
	Error           *Error                `json:"error,omitempty" yaml:"error,omitempty"`
}

// SetError records err, classifying it when it carries a kind
func (r *Report) SetError(err error) {
	if err == nil {
		r.Error = nil
		return
	}
	e := &Error{Message: err.Error()}
	var re *rekeyerr.Error
	if errors.As(err, &re) {
		e.Kind = re.Kind
		e.Message = strings.TrimPrefix(e.Message, string(re.Kind)+": ")
		e.IDs = append([]string(nil), re.IDs...)
		sort.Strings(e.IDs)
		e.Hint = re.Hint()
	}
	r.Error = e
}

// OK reports whether the run finished without error
func (r *Report) OK() bool {
	return r.Error == nil
}

// Render writes r to w in format f. Text falls back to Markdown; terminals get
// their own renderer in the CLI.
func (r *Report) Render(w io.Writer, f Format) error {
	switch f {
	case JSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case YAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		return enc.Close()
	case Markdown, Text:
		_, err := io.WriteString(w, r.Markdown())
		return err
	default:
		return fmt.Errorf("unknown output format %q", f)
	}
}

// Markdown renders r as a Markdown document
func (r *Report) Markdown() string {
	var b strings.Builder

	title := "Rekey run"
	if r.DryRun {
		title = "Rekey plan"
	}
	fmt.Fprintf(&b, "# %s: `%s`\n\n", title, r.Table)

	b.WriteString("| | |\n|---|---|\n")
	if r.RunID != "" {
		fmt.Fprintf(&b, "| Run | `%s` |\n", r.RunID)
	}
	if r.PlanHash != "" {
		fmt.Fprintf(&b, "| Plan hash | `%s` |\n", r.PlanHash)
	}
	fmt.Fprintf(&b, "| Status | **%s** |\n", r.Status)
	fmt.Fprintf(&b, "| Strategy | %s |\n", r.Strategy)
	if r.ConstraintState != "" {
		fmt.Fprintf(&b, "| Constraint state | %s |\n", r.ConstraintState)
	}
	s := r.Summary
	fmt.Fprintf(&b, "| Records | %d mapped, %d unchanged, %d moving |\n", s.Mapped, s.NoOps, s.Moving)
	fmt.Fprintf(&b, "| Components | %d free, %d chains, %d cycles |\n", s.FreeMoves, s.Chains, s.Cycles)
	fmt.Fprintf(&b, "| Steps | %d (%d placeholders) |\n", s.Steps, s.Placeholders)
	if !r.DryRun {
		fmt.Fprintf(&b, "| Progress | %d completed, %d remaining |\n", len(r.Completed), len(r.Remaining))
	}
	b.WriteString("\n")

	if r.Error != nil {
		b.WriteString("## Error\n\n")
		if r.Error.Kind != "" {
			fmt.Fprintf(&b, "**%s**: ", r.Error.Kind)
		}
		b.WriteString(r.Error.Message)
		b.WriteString("\n\n")
		if len(r.Error.IDs) > 0 {
			fmt.Fprintf(&b, "Records: %s\n\n", codeList(r.Error.IDs))
		}
		if r.Error.Hint != "" {
			fmt.Fprintf(&b, "> %s\n\n", r.Error.Hint)
		}
	}

	if r.Plan != nil && len(r.Plan.Steps) > 0 {
		b.WriteString("## Steps\n\n")
		b.WriteString("| # | Record | From | To | Kind | Component | Status |\n")
		b.WriteString("|---|---|---|---|---|---|---|\n")
		status := r.StepStatus()
		for _, st := range r.Plan.Steps {
			comp := fmt.Sprintf("%s %d", st.Class, st.Group)
			if st.Parallel {
				comp += " (parallel)"
			}
			fmt.Fprintf(&b, "| %d | `%s` | `%s` | `%s` | %s | %s | %s |\n",
				st.Index, st.RecordID, st.FromKey, st.ToKey, st.Kind, comp, status(st.Index))
		}
		b.WriteString("\n")
	}

	if r.Assessment != nil && len(r.Assessment.Constraints) > 0 {
		b.WriteString("## Constraints\n\n")
		b.WriteString("| Dependent | Foreign key | On update | References | Blocking |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, c := range r.Assessment.Constraints {
			name, rule := "-", "-"
			if c.ForeignKey != nil {
				name, rule = "`"+c.ForeignKey.Name+"`", c.ForeignKey.OnUpdate
			}
			fmt.Fprintf(&b, "| `%s` | %s | %s | %d | %s |\n", c.Dependent, name, rule, c.References, yesNo(c.Blocking))
		}
		b.WriteString("\n")
	}

	if r.Verification != nil {
		b.WriteString("## Verification\n\n")
		for _, c := range r.Verification.Passed {
			fmt.Fprintf(&b, "- [x] %s\n", c)
		}
		for _, v := range r.Verification.Violations {
			fmt.Fprintf(&b, "- [ ] %s: %s", v.Check, v.Message)
			if len(v.IDs) > 0 {
				fmt.Fprintf(&b, " (%s)", codeList(v.IDs))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

// StepStatus returns the status of a step by index: planned, pending or its
// recorded outcome
func (r *Report) StepStatus() func(int) string {
	byIndex := make(map[int]history.StepStatus, len(r.Outcomes))
	for _, o := range r.Outcomes {
		byIndex[o.Index] = o.Status
	}
	done := make(map[int]bool, len(r.Completed))
	for _, i := range r.Completed {
		done[i] = true
	}
	return func(i int) string {
		if r.DryRun {
			return "planned"
		}
		if s, ok := byIndex[i]; ok {
			return string(s)
		}
		if done[i] {
			return string(history.StepApplied)
		}
		return "pending"
	}
}

func codeList(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = "`" + id + "`"
	}
	return strings.Join(quoted, ", ")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
