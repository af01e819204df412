// Package rekey renames the natural keys of a parent table, and every column
// that copies them, without ever committing a duplicate key or a dangling
// reference.
//
// An Engine plans a run from a mapping (graph, placeholder resolution, guard
// assessment), records it in the store's audit tables, applies it one
// transactional step at a time and verifies the result. Interrupted runs are
// resumed from the audit log.
package rekey

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/satishbabariya/rekey/internal/debug"
	"github.com/satishbabariya/rekey/rekey/constraint"
	"github.com/satishbabariya/rekey/rekey/executor"
	"github.com/satishbabariya/rekey/rekey/graph"
	"github.com/satishbabariya/rekey/rekey/guard"
	"github.com/satishbabariya/rekey/rekey/history"
	"github.com/satishbabariya/rekey/rekey/introspect"
	"github.com/satishbabariya/rekey/rekey/mapping"
	"github.com/satishbabariya/rekey/rekey/planner"
	"github.com/satishbabariya/rekey/rekey/rekeyerr"
	"github.com/satishbabariya/rekey/rekey/report"
	"github.com/satishbabariya/rekey/rekey/store"
	"github.com/satishbabariya/rekey/rekey/verify"
)

// EngineVersion is written to every run; resuming requires the same major version
const EngineVersion = "1.0.0"

// ErrDeclined is returned when the confirmation callback refuses to write
var ErrDeclined = errors.New("rekey: run declined")

// Request describes one run
type Request struct {
	// Source is the mapping file, read through the engine's filesystem
	Source string
	Format mapping.Format
	// Records replaces Source when set
	Records []mapping.Record

	// Model names the parent table, its columns and the declared dependents.
	// Foreign keys on the key column are discovered and merged in.
	Model    constraint.Model
	Strategy guard.Strategy
	// PlaceholderPrefix defaults to planner.DefaultPlaceholderPrefix
	PlaceholderPrefix string

	DryRun bool
	// Resume continues the given run instead of planning a new one
	Resume   string
	Executor executor.Options

	// Confirm is called with the planned report before the first write.
	// Returning false ends the run with ErrDeclined.
	Confirm func(*report.Report) (bool, error)
}

// Engine runs rekey plans against one database
type Engine struct {
	db       *sql.DB
	provider string
	fs       afero.Fs
	history  *history.Manager
	owned    bool
}

// Open connects to the database and returns an engine that closes it
func Open(ctx context.Context, provider, driver, connStr string, fs afero.Fs) (*Engine, error) {
	provider, err := store.NormalizeProvider(provider)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(ctx, provider, driver, connStr)
	if err != nil {
		return nil, err
	}
	e, err := New(db, provider, fs)
	if err != nil {
		db.Close()
		return nil, err
	}
	e.owned = true
	return e, nil
}

// New wraps an open database. The caller keeps ownership of db.
func New(db *sql.DB, provider string, fs afero.Fs) (*Engine, error) {
	provider, err := store.NormalizeProvider(provider)
	if err != nil {
		return nil, err
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Engine{db: db, provider: provider, fs: fs, history: history.NewManager(provider)}, nil
}

// Close releases the database if the engine opened it
func (e *Engine) Close() error {
	if e.owned {
		return e.db.Close()
	}
	return nil
}

// Planned is a run that has been planned and assessed but not executed
type Planned struct {
	Model      constraint.Model
	Store      *store.Store
	Graph      *graph.Graph
	Plan       *planner.Plan
	Assessment *guard.Assessment
}

// Report describes the plan without any execution state
func (p *Planned) Report() *report.Report {
	return &report.Report{
		PlanHash:   p.Plan.Hash(),
		Table:      p.Model.Table,
		Status:     report.Planned,
		Strategy:   p.Assessment.Strategy,
		Summary:    report.Summarize(p.Graph, p.Plan),
		Plan:       p.Plan,
		Assessment: p.Assessment,
	}
}

// Plan loads the mapping, builds and resolves the rename graph and assesses the
// constraints. It only reads from the store.
func (e *Engine) Plan(ctx context.Context, req Request) (*Planned, error) {
	records := req.Records
	if records == nil {
		var err error
		if records, err = mapping.Load(e.fs, req.Source, req.Format); err != nil {
			return nil, err
		}
	}

	model := req.Model
	if err := model.Validate(); err != nil {
		return nil, err
	}
	in, err := introspect.New(e.provider)
	if err != nil {
		return nil, err
	}
	model, _, err = introspect.Discover(ctx, in, e.db, model)
	if err != nil {
		return nil, fmt.Errorf("failed to discover dependents of %s: %w", model.Table, err)
	}

	st := store.New(e.provider, model)
	snapshot, err := st.Snapshot(ctx, e.db)
	if err != nil {
		return nil, err
	}

	prefix := req.PlaceholderPrefix
	if prefix == "" {
		prefix = planner.DefaultPlaceholderPrefix
	}
	g, err := graph.Build(records, snapshot, graph.Options{ReservedPrefix: prefix})
	if err != nil {
		return nil, err
	}
	existing := make([]string, 0, len(snapshot))
	for _, k := range snapshot {
		existing = append(existing, k)
	}
	plan, err := planner.Resolve(g, model, existing, planner.Options{Prefix: prefix})
	if err != nil {
		return nil, err
	}
	if err := plan.Simulate(maps.Clone(snapshot), 0); err != nil {
		return nil, fmt.Errorf("plan failed its own simulation: %w", err)
	}

	if plan.Baseline, err = verify.Baseline(ctx, e.db, st, plan); err != nil {
		return nil, err
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = guard.Coordinated
	}
	a, err := guard.Assess(ctx, e.db, st, strategy, plan)
	if err != nil {
		return nil, err
	}

	debug.Info("Planned rekey", "table", model.Table, "graph", g.Summary(), "steps", len(plan.Steps), "placeholders", plan.Placeholders(), "blocking", len(a.Blocking()))
	return &Planned{Model: model, Store: st, Graph: g, Plan: plan, Assessment: a}, nil
}

// Run plans and executes req, or resumes req.Resume. The report is never nil;
// it carries the error too.
func (e *Engine) Run(ctx context.Context, req Request) (*report.Report, error) {
	if req.Resume != "" {
		return e.resume(ctx, req)
	}

	p, err := e.Plan(ctx, req)
	if err != nil {
		rep := &report.Report{Table: req.Model.Table, Status: report.Planned, Strategy: req.Strategy, DryRun: req.DryRun}
		rep.SetError(err)
		return rep, err
	}
	rep := p.Report()
	rep.DryRun = req.DryRun
	if req.DryRun {
		return rep, nil
	}

	if len(p.Plan.Steps) == 0 {
		debug.Info("Nothing to rekey", "table", p.Model.Table, "no_ops", len(p.Graph.NoOps))
		return rep, e.verifyOnly(ctx, p, rep)
	}

	if err := confirm(req, rep); err != nil {
		return rep, err
	}

	sess, done, err := e.session(ctx, p.Assessment.Pinned())
	if err != nil {
		rep.SetError(err)
		return rep, err
	}
	defer done()

	runID, g, err := e.start(ctx, sess, p)
	if err != nil {
		rep.SetError(err)
		return rep, err
	}
	defer e.release(sess, p.Model.Table)

	rep.RunID = runID
	rep.Status = string(history.Pending)
	return e.execute(ctx, sess, runID, p.Store, p.Plan, g, nil, req.Executor, rep)
}

// start locks the table, refuses to run over an unfinished run and records
// the run. The lock is taken first so two engines cannot both pass the check.
func (e *Engine) start(ctx context.Context, sess store.Session, p *Planned) (string, *guard.Guard, error) {
	if err := e.history.InitTables(ctx, sess); err != nil {
		return "", nil, err
	}
	g, err := guard.New(p.Store, p.Assessment)
	if err != nil {
		return "", nil, err
	}
	runID := uuid.Must(uuid.NewV7()).String()
	hash := p.Plan.Hash()
	planJSON, err := p.Plan.Marshal()
	if err != nil {
		return "", nil, err
	}
	guardJSON, err := g.Status().Marshal()
	if err != nil {
		return "", nil, err
	}

	table := p.Model.Table
	if err := e.history.Acquire(ctx, sess, table, runID); err != nil {
		return "", nil, err
	}
	inc, err := e.history.FindIncomplete(ctx, sess, table)
	if err == nil && inc != nil {
		err = rekeyerr.New(rekeyerr.ResumeConflict, "run %s on %s is still %s", inc.ID, inc.Table, inc.Status)
	}
	if err == nil {
		err = e.history.CreateRun(ctx, sess, &history.Run{
			ID:            runID,
			PlanHash:      hash,
			Table:         table,
			Status:        history.Pending,
			Strategy:      string(p.Assessment.Strategy),
			EngineVersion: EngineVersion,
			Plan:          planJSON,
			GuardState:    guardJSON,
		})
	}
	if err != nil {
		e.release(sess, table)
		return "", nil, err
	}
	debug.Info("Run started", "run", runID, "table", table, "steps", len(p.Plan.Steps))
	return runID, g, nil
}

func (e *Engine) resume(ctx context.Context, req Request) (*report.Report, error) {
	rep := &report.Report{RunID: req.Resume, Table: req.Model.Table, Resumed: true, DryRun: req.DryRun}
	fail := func(err error) (*report.Report, error) {
		rep.SetError(err)
		return rep, err
	}

	if err := e.history.InitTables(ctx, e.db); err != nil {
		return fail(err)
	}
	run, err := e.history.LoadRun(ctx, e.db, req.Resume)
	if err != nil {
		return fail(rekeyerr.Wrap(rekeyerr.ResumeConflict, err, "cannot resume run %s", req.Resume))
	}
	rep.Table, rep.PlanHash, rep.Status = run.Table, run.PlanHash, string(run.Status)
	if !run.Status.Resumable() {
		return fail(rekeyerr.New(rekeyerr.ResumeConflict, "run %s is %s and cannot be resumed", run.ID, run.Status))
	}
	if req.Model.Table != "" && req.Model.Table != run.Table {
		return fail(rekeyerr.New(rekeyerr.ResumeConflict, "run %s rekeys %s, not %s", run.ID, run.Table, req.Model.Table))
	}
	if err := history.CheckCompatible(run.EngineVersion, EngineVersion); err != nil {
		return fail(err)
	}
	plan, err := run.LoadPlan()
	if err != nil {
		return fail(err)
	}
	status, err := guard.ParseStatus(run.GuardState)
	if err != nil {
		return fail(err)
	}
	st := store.New(e.provider, plan.Model)
	g, err := guard.Resume(st, status)
	if err != nil {
		return fail(err)
	}
	prior, err := e.history.Steps(ctx, e.db, run.ID)
	if err != nil {
		return fail(err)
	}

	rep.Strategy = g.Strategy()
	rep.Plan = plan
	rep.Summary = report.Summarize(nil, plan)
	rep.ConstraintState = g.State()
	rep.Outcomes = prior
	rep.Completed, rep.Remaining = progress(plan, prior)
	if req.DryRun {
		return rep, nil
	}
	if err := confirm(req, rep); err != nil {
		return rep, err
	}

	sess, done, err := e.session(ctx, g.Pinned())
	if err != nil {
		return fail(err)
	}
	defer done()

	if err := e.history.Acquire(ctx, sess, run.Table, run.ID); err != nil {
		return fail(err)
	}
	defer e.release(sess, run.Table)

	debug.Info("Resuming run", "run", run.ID, "completed", len(rep.Completed), "remaining", len(rep.Remaining))
	return e.execute(ctx, sess, run.ID, st, plan, g, prior, req.Executor, rep)
}

// execute prepares the guard, applies the steps, restores the guard and
// verifies. Every exit records the run's status and constraint state.
func (e *Engine) execute(ctx context.Context, sess store.Session, runID string, st *store.Store, plan *planner.Plan, g *guard.Guard, prior []history.StepOutcome, opts executor.Options, rep *report.Report) (*report.Report, error) {
	// Bookkeeping outlives a cancelled run.
	bg := context.WithoutCancel(ctx)

	if err := g.Prepare(ctx, sess); err != nil {
		return rep, e.finish(bg, sess, runID, history.Partial, g, err, rep)
	}
	if err := e.finish(bg, sess, runID, history.Pending, g, nil, rep); err != nil {
		return rep, err
	}

	res, err := executor.New(sess, st, g, e.history, g.Updates(), opts).Run(ctx, runID, plan, prior)
	rep.Outcomes = merge(rep.Outcomes, res.Outcomes)
	rep.Completed, rep.Remaining = res.Completed, res.Remaining
	if err != nil {
		if rerr := g.Restore(bg, sess); rerr != nil {
			debug.Error("Constraints left in run state", "run", runID, "state", g.State(), "error", rerr)
		}
		return rep, e.finish(bg, sess, runID, history.Partial, g, err, rep)
	}

	if err := g.Restore(bg, sess); err != nil {
		status := history.Partial
		if rekeyerr.Is(err, rekeyerr.PostConditionViolation) {
			status = history.Failed
		}
		return rep, e.finish(bg, sess, runID, status, g, err, rep)
	}

	vres, err := verify.Verify(bg, sess, st, plan)
	if err != nil {
		return rep, e.finish(bg, sess, runID, history.Partial, g, err, rep)
	}
	rep.Verification = vres
	if !vres.OK() {
		return rep, e.finish(bg, sess, runID, history.Failed, g, vres.Err(), rep)
	}
	if err := e.finish(bg, sess, runID, history.Complete, g, nil, rep); err != nil {
		return rep, err
	}
	debug.Info("Run complete", "run", runID, "steps", len(plan.Steps))
	return rep, nil
}

// finish persists status and returns cause, or the persistence error when
// there is no cause
func (e *Engine) finish(ctx context.Context, sess store.Session, runID string, status history.Status, g *guard.Guard, cause error, rep *report.Report) error {
	rep.Status = string(status)
	rep.ConstraintState = g.State()
	rep.SetError(cause)

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
		debug.Error("Run stopped", "run", runID, "status", status, "constraints", g.State(), "error", cause)
	}
	guardJSON, err := g.Status().Marshal()
	if err == nil {
		err = e.history.UpdateRun(ctx, sess, runID, status, guardJSON, errMsg)
	}
	if err != nil {
		if cause != nil {
			debug.Error("Failed to record run state", "run", runID, "error", err)
			return cause
		}
		rep.SetError(err)
		return err
	}
	return cause
}

// verifyOnly checks a plan with nothing to write
func (e *Engine) verifyOnly(ctx context.Context, p *Planned, rep *report.Report) error {
	vres, err := verify.Verify(ctx, e.db, p.Store, p.Plan)
	if err != nil {
		rep.SetError(err)
		return err
	}
	rep.Verification = vres
	rep.Status = string(history.Complete)
	rep.ConstraintState = guard.Active
	if err := vres.Err(); err != nil {
		rep.Status = string(history.Failed)
		rep.SetError(err)
		return err
	}
	return nil
}

// session returns the pool, or one dedicated connection when the guard's run
// state is a connection setting
func (e *Engine) session(ctx context.Context, pinned bool) (store.Session, func(), error) {
	if !pinned {
		return e.db, func() {}, nil
	}
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to pin connection: %w", err)
	}
	return conn, func() { conn.Close() }, nil
}

func (e *Engine) release(sess store.Session, table string) {
	if err := e.history.Release(context.Background(), sess, table); err != nil {
		debug.Error("Failed to release run lock", "table", table, "error", err)
	}
}

func confirm(req Request, rep *report.Report) error {
	if req.Confirm == nil {
		return nil
	}
	ok, err := req.Confirm(rep)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDeclined
	}
	return nil
}

// progress splits plan steps into applied and not applied according to outcomes
func progress(plan *planner.Plan, outcomes []history.StepOutcome) (completed, remaining []int) {
	applied := make(map[int]bool, len(outcomes))
	for _, o := range outcomes {
		if o.Status == history.StepApplied {
			applied[o.Index] = true
		}
	}
	for _, s := range plan.Steps {
		if applied[s.Index] {
			completed = append(completed, s.Index)
		} else {
			remaining = append(remaining, s.Index)
		}
	}
	return completed, remaining
}

// merge overlays newer outcomes on older ones, by step index
func merge(older, newer []history.StepOutcome) []history.StepOutcome {
	if len(older) == 0 {
		return newer
	}
	byIndex := make(map[int]int, len(older))
	out := append([]history.StepOutcome(nil), older...)
	for i, o := range out {
		byIndex[o.Index] = i
	}
	for _, o := range newer {
		if i, ok := byIndex[o.Index]; ok {
			out[i] = o
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
