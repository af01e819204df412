package rekey

import (
	"context"

	"github.com/satishbabariya/rekey/internal/debug"
	"github.com/satishbabariya/rekey/rekey/guard"
	"github.com/satishbabariya/rekey/rekey/history"
	"github.com/satishbabariya/rekey/rekey/report"
	"github.com/satishbabariya/rekey/rekey/store"
	"github.com/satishbabariya/rekey/rekey/verify"
)

// Runs lists the most recent runs, newest first
func (e *Engine) Runs(ctx context.Context, limit int) ([]history.Run, error) {
	if err := e.history.InitTables(ctx, e.db); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	return e.history.Runs(ctx, e.db, limit)
}

// Status reports a recorded run from the audit log alone
func (e *Engine) Status(ctx context.Context, runID string) (*report.Report, error) {
	run, rep, err := e.load(ctx, runID)
	if err != nil {
		return rep, err
	}
	if run.Error != "" {
		rep.Error = &report.Error{Message: run.Error}
	}
	return rep, nil
}

// Verify re-runs the post-conditions of a recorded run against the store. It
// does not change the run's status.
func (e *Engine) Verify(ctx context.Context, runID string) (*report.Report, error) {
	_, rep, err := e.load(ctx, runID)
	if err != nil {
		return rep, err
	}
	res, err := verify.Verify(ctx, e.db, store.New(e.provider, rep.Plan.Model), rep.Plan)
	if err != nil {
		rep.SetError(err)
		return rep, err
	}
	rep.Verification = res
	if err := res.Err(); err != nil {
		rep.SetError(err)
		return rep, err
	}
	return rep, nil
}

// Unlock force-releases the locks held by runID and restores any constraint
// the run left suspended or altered. The run stays resumable.
func (e *Engine) Unlock(ctx context.Context, runID string) (*report.Report, error) {
	run, rep, err := e.load(ctx, runID)
	if err != nil {
		return rep, err
	}

	released, err := e.history.ReleaseRun(ctx, e.db, runID)
	if err != nil {
		rep.SetError(err)
		return rep, err
	}
	debug.Info("Released run locks", "run", runID, "locks", released)

	status, err := guard.ParseStatus(run.GuardState)
	if err != nil {
		rep.SetError(err)
		return rep, err
	}
	g, err := guard.Resume(store.New(e.provider, rep.Plan.Model), status)
	if err != nil {
		rep.SetError(err)
		return rep, err
	}
	restoreErr := g.Restore(ctx, e.db)
	rep.ConstraintState = g.State()

	guardJSON, err := g.Status().Marshal()
	if err == nil {
		err = e.history.UpdateRun(ctx, e.db, run.ID, run.Status, guardJSON, run.Error)
	}
	if restoreErr != nil {
		err = restoreErr
	}
	if err != nil {
		rep.SetError(err)
		return rep, err
	}
	return rep, nil
}

// load reads a run, its plan and its step outcomes into a report
func (e *Engine) load(ctx context.Context, runID string) (*history.Run, *report.Report, error) {
	rep := &report.Report{RunID: runID}
	if err := e.history.InitTables(ctx, e.db); err != nil {
		rep.SetError(err)
		return nil, rep, err
	}
	run, err := e.history.LoadRun(ctx, e.db, runID)
	if err != nil {
		rep.SetError(err)
		return nil, rep, err
	}
	rep.PlanHash = run.PlanHash
	rep.Table = run.Table
	rep.Status = string(run.Status)
	rep.Strategy = guard.Strategy(run.Strategy)

	plan, err := run.LoadPlan()
	if err != nil {
		rep.SetError(err)
		return run, rep, err
	}
	rep.Plan = plan
	rep.Summary = report.Summarize(nil, plan)

	if gs, err := guard.ParseStatus(run.GuardState); err == nil {
		rep.ConstraintState = gs.State
	}
	steps, err := e.history.Steps(ctx, e.db, runID)
	if err != nil {
		rep.SetError(err)
		return run, rep, err
	}
	rep.Outcomes = steps
	rep.Completed, rep.Remaining = progress(plan, steps)
	return run, rep, nil
}
