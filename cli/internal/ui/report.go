package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/satishbabariya/rekey/rekey/history"
	"github.com/satishbabariya/rekey/rekey/report"
)

// PrintReport renders a run report for a terminal
func PrintReport(r *report.Report) error {
	title := "Rekey run: " + r.Table
	if r.DryRun {
		title = "Rekey plan: " + r.Table
	}
	var sub []string
	if r.RunID != "" {
		sub = append(sub, "run "+r.RunID)
	}
	if r.PlanHash != "" {
		sub = append(sub, "plan "+short(r.PlanHash))
	}
	PrintHeader(title, strings.Join(sub, " · "))

	s := r.Summary
	rows := [][]string{
		{"Status", Status(r.Status)},
		{"Strategy", string(r.Strategy)},
	}
	if r.ConstraintState != "" {
		rows = append(rows, []string{"Constraints", Status(string(r.ConstraintState))})
	}
	rows = append(rows,
		[]string{"Records", fmt.Sprintf("%d mapped, %d unchanged, %d moving", s.Mapped, s.NoOps, s.Moving)},
		[]string{"Components", fmt.Sprintf("%d free, %d chains, %d cycles", s.FreeMoves, s.Chains, s.Cycles)},
		[]string{"Steps", fmt.Sprintf("%d (%d placeholders)", s.Steps, s.Placeholders)},
	)
	if !r.DryRun {
		rows = append(rows, []string{"Progress", fmt.Sprintf("%d completed, %d remaining", len(r.Completed), len(r.Remaining))})
	}
	if err := PrintTable([]string{"Run", "Value"}, rows); err != nil {
		return err
	}

	if r.Error != nil {
		printError(r.Error)
	}

	if r.Plan != nil && len(r.Plan.Steps) > 0 {
		PrintSection("Steps")
		status := r.StepStatus()
		rows := make([][]string, 0, len(r.Plan.Steps))
		for _, st := range r.Plan.Steps {
			comp := fmt.Sprintf("%s %d", st.Class, st.Group)
			if st.Parallel {
				comp += " ∥"
			}
			rows = append(rows, []string{
				strconv.Itoa(st.Index), st.RecordID, st.FromKey, st.ToKey,
				string(st.Kind), comp, Status(status(st.Index)),
			})
		}
		if err := PrintTable([]string{"#", "Record", "From", "To", "Kind", "Component", "Status"}, rows); err != nil {
			return err
		}
	}

	if r.Assessment != nil && len(r.Assessment.Constraints) > 0 {
		PrintSection("Constraints")
		rows := make([][]string, 0, len(r.Assessment.Constraints))
		for _, c := range r.Assessment.Constraints {
			name, rule := "-", "-"
			if c.ForeignKey != nil {
				name, rule = c.ForeignKey.Name, c.ForeignKey.OnUpdate
			}
			blocking := "no"
			if c.Blocking {
				blocking = WarningStyle.Render("yes")
			}
			rows = append(rows, []string{c.Dependent.String(), name, rule, strconv.Itoa(c.References), blocking})
		}
		if err := PrintTable([]string{"Dependent", "Foreign key", "On update", "References", "Blocking"}, rows); err != nil {
			return err
		}
	}

	if r.Verification != nil {
		PrintSection("Verification")
		for _, c := range r.Verification.Passed {
			PrintSuccess("%s", c)
		}
		for _, v := range r.Verification.Violations {
			msg := v.String()
			if len(v.IDs) > 0 {
				msg += " (" + strings.Join(v.IDs, ", ") + ")"
			}
			fmt.Println(ErrorStyle.Render("✗ " + msg))
		}
	}
	fmt.Println()
	return nil
}

func printError(e *report.Error) {
	title := "Error"
	if e.Kind != "" {
		title = string(e.Kind)
	}
	lines := []string{e.Message}
	if len(e.IDs) > 0 {
		lines = append(lines, "Records: "+strings.Join(e.IDs, ", "))
	}
	if e.Hint != "" {
		lines = append(lines, "", SecondaryStyle.Render(e.Hint))
	}
	fmt.Println()
	PrintBox(title, strings.Join(lines, "\n"), ErrorColor)
}

// PrintRuns lists recorded runs
func PrintRuns(runs []history.Run) error {
	if len(runs) == 0 {
		PrintInfo("No runs recorded")
		return nil
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID, r.Table, Status(string(r.Status)), r.Strategy, short(r.PlanHash),
			r.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	return PrintTable([]string{"Run", "Table", "Status", "Strategy", "Plan", "Updated"}, rows)
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
