package ui

import (
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/satishbabariya/rekey/rekey/graph"
	"github.com/satishbabariya/rekey/rekey/guard"
	"github.com/satishbabariya/rekey/rekey/history"
	"github.com/satishbabariya/rekey/rekey/planner"
	"github.com/satishbabariya/rekey/rekey/rekeyerr"
	"github.com/satishbabariya/rekey/rekey/report"
)

func TestStatusWithoutColor(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	for _, s := range []string{"complete", "failed", "partial", "planned", "other"} {
		assert.Equal(t, s, Status(s))
	}
}

func TestPrintReport(t *testing.T) {
	rep := &report.Report{
		RunID:    "run-1",
		PlanHash: "0123456789abcdef0123",
		Table:    "careers",
		Status:   string(history.Partial),
		Strategy: guard.Coordinated,
		Plan: &planner.Plan{Steps: []planner.Step{
			{Index: 1, Kind: planner.ApplyKey, RecordID: "1", FromKey: "A", ToKey: "B", Group: 1, Class: graph.Chain},
		}},
		Remaining: []int{1},
	}
	rep.SetError(rekeyerr.New(rekeyerr.StepExecutionFailure, "step 1 failed").WithIDs("1"))

	assert.NoError(t, PrintReport(rep))
	assert.Equal(t, "0123456789ab", short(rep.PlanHash))
}

func TestPrintRunsEmpty(t *testing.T) {
	assert.NoError(t, PrintRuns(nil))
}
