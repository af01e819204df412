// Package executor applies a rename plan one transactional step at a time.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/satishbabariya/rekey/internal/debug"
	"github.com/satishbabariya/rekey/rekey/constraint"
	"github.com/satishbabariya/rekey/rekey/guard"
	"github.com/satishbabariya/rekey/rekey/history"
	"github.com/satishbabariya/rekey/rekey/planner"
	"github.com/satishbabariya/rekey/rekey/rekeyerr"
	"github.com/satishbabariya/rekey/rekey/store"
)

// Options tunes execution
type Options struct {
	// Workers bounds concurrent free moves; values below 2 run everything in order
	Workers int
	// StepTimeout bounds one step; zero means no limit
	StepTimeout time.Duration
	// MaxAttempts bounds tries of a step failing with a transient error
	MaxAttempts int
	// Backoff is the first retry delay, doubled per attempt up to MaxBackoff
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
	return o
}

// Result is what a run achieved
type Result struct {
	// Outcomes holds one entry per step touched by this invocation, in step order
	Outcomes []history.StepOutcome
	// Completed lists indexes of applied steps, earlier invocations included
	Completed []int
	// Remaining lists indexes of steps not applied
	Remaining []int
}

// Executor runs steps against one session
type Executor struct {
	session store.Session
	store   *store.Store
	guard   *guard.Guard
	history *history.Manager
	updates []constraint.Dependent
	opts    Options
}

// New creates an executor. updates are the dependents rewritten inside each step.
func New(sess store.Session, st *store.Store, g *guard.Guard, h *history.Manager, updates []constraint.Dependent, opts Options) *Executor {
	opts = opts.withDefaults()
	if _, pinned := sess.(*sql.Conn); pinned {
		// One connection carries one transaction at a time.
		opts.Workers = 1
	}
	return &Executor{session: sess, store: st, guard: g, history: h, updates: updates, opts: opts}
}

// Run applies the plan's steps in order, skipping those prior records as applied
// and reconciling those it records as unknown. It stops at the first failure.
func (e *Executor) Run(ctx context.Context, runID string, plan *planner.Plan, prior []history.StepOutcome) (*Result, error) {
	r := &run{
		Executor: e,
		runID:    runID,
		applied:  make(map[int]bool),
		unknown:  make(map[int]bool),
		outcomes: make(map[int]history.StepOutcome),
	}
	for _, o := range prior {
		switch o.Status {
		case history.StepApplied:
			r.applied[o.Index] = true
		case history.StepUnknown:
			r.unknown[o.Index] = true
		}
	}

	steps := plan.Steps
	var err error
	for i := 0; i < len(steps) && err == nil; {
		if steps[i].Parallel && e.opts.Workers > 1 {
			j := i
			for j < len(steps) && steps[j].Parallel {
				j++
			}
			err = r.parallel(ctx, steps[i:j])
			i = j
			continue
		}
		if ctx.Err() != nil {
			err = rekeyerr.Wrap(rekeyerr.StepExecutionFailure, ctx.Err(), "run interrupted before step %d", steps[i].Index)
			break
		}
		err = r.step(ctx, steps[i])
		i++
	}
	return r.result(plan), err
}

type run struct {
	*Executor
	runID string

	mu       sync.Mutex
	applied  map[int]bool
	unknown  map[int]bool
	outcomes map[int]history.StepOutcome
}

func (r *run) parallel(ctx context.Context, steps []planner.Step) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for _, s := range steps {
		s := s
		g.Go(func() error {
			if gctx.Err() != nil {
				return rekeyerr.Wrap(rekeyerr.StepExecutionFailure, gctx.Err(), "run interrupted before step %d", s.Index)
			}
			// gctx is cancelled by a sibling's failure; the step itself must still finish.
			return r.step(gctx, s)
		})
	}
	return g.Wait()
}

func (r *run) step(ctx context.Context, s planner.Step) error {
	r.mu.Lock()
	done, unknown := r.applied[s.Index], r.unknown[s.Index]
	r.mu.Unlock()
	if done {
		return nil
	}

	if unknown {
		rerun, err := r.reconcile(ctx, s)
		if err != nil || !rerun {
			return err
		}
	}

	o, err := r.execute(ctx, s)
	r.record(o)
	return err
}

// reconcile decides the fate of a step whose commit was never confirmed. It
// returns true when the step has to run again.
func (r *run) reconcile(ctx context.Context, s planner.Step) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	key, ok, err := r.store.CurrentKey(ctx, r.session, s.RecordID)
	if err != nil {
		return false, rekeyerr.Wrap(rekeyerr.StepExecutionFailure, err, "cannot reconcile step %d", s.Index).WithIDs(s.RecordID)
	}
	switch {
	case ok && key == s.ToKey:
		o := history.StepOutcome{RunID: r.runID, Index: s.Index, RecordID: s.RecordID, Status: history.StepApplied}
		if err := r.history.RecordStep(ctx, r.session, o); err != nil {
			return false, rekeyerr.Wrap(rekeyerr.StepExecutionFailure, err, "cannot record reconciled step %d", s.Index)
		}
		debug.Info("Reconciled step as applied", "step", s.Index, "record", s.RecordID)
		r.record(o)
		return false, nil
	case ok && key == s.FromKey:
		debug.Info("Reconciled step as not applied", "step", s.Index, "record", s.RecordID)
		return true, nil
	default:
		return false, rekeyerr.New(rekeyerr.StepExecutionFailure,
			"step %d has unknown outcome and record holds %q, neither %q nor %q", s.Index, key, s.FromKey, s.ToKey).WithIDs(s.RecordID)
	}
}

// execute runs one step with retries and records its failure if it has one.
// Applied outcomes are written inside the step's transaction.
func (r *run) execute(ctx context.Context, s planner.Step) (history.StepOutcome, error) {
	o := history.StepOutcome{RunID: r.runID, Index: s.Index, RecordID: s.RecordID}
	// The in-flight step ignores cancellation; only its own timeout applies.
	base := context.WithoutCancel(ctx)

	for attempt := 1; ; attempt++ {
		o.Attempts = attempt
		timedOut, err := r.attempt(base, s, o)
		if err == nil {
			o.Status = history.StepApplied
			debug.Debug("Step applied", "step", s.Index, "record", s.RecordID, "from", s.FromKey, "to", s.ToKey, "attempts", attempt)
			return o, nil
		}

		o.Error = err.Error()
		if timedOut {
			o.Status = history.StepUnknown
			r.persist(base, o)
			return o, rekeyerr.Wrap(rekeyerr.StepTimeout, err, "step %d did not finish within %s", s.Index, r.opts.StepTimeout).WithIDs(s.RecordID)
		}
		if store.IsTransient(err) && attempt < r.opts.MaxAttempts {
			delay := backoff(r.opts.Backoff, r.opts.MaxBackoff, attempt)
			debug.Warn("Retrying step after transient error", "step", s.Index, "attempt", attempt, "delay", delay, "error", err)
			time.Sleep(delay)
			continue
		}

		o.Status = history.StepFailed
		r.persist(base, o)
		return o, rekeyerr.Wrap(rekeyerr.StepExecutionFailure, err, "step %d (%s -> %s) failed", s.Index, s.FromKey, s.ToKey).WithIDs(s.RecordID)
	}
}

func (r *run) attempt(ctx context.Context, s planner.Step, o history.StepOutcome) (timedOut bool, err error) {
	if r.opts.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.StepTimeout)
		defer cancel()
	}
	defer func() {
		timedOut = err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)
	}()

	tx, err := r.session.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			r.guard.AbortStep(ctx, tx)
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := r.apply(ctx, tx, s, o); err != nil {
		r.guard.AbortStep(ctx, tx)
		_ = tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit step: %w", err)
	}
	return false, nil
}

func (r *run) apply(ctx context.Context, tx *sql.Tx, s planner.Step, o history.StepOutcome) error {
	if err := r.guard.BeginStep(ctx, tx); err != nil {
		return fmt.Errorf("failed to defer constraints: %w", err)
	}

	n, err := r.store.UpdateKey(ctx, tx, s.RecordID, s.FromKey, s.ToKey)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", s.RecordID, err)
	}
	if n == 0 {
		key, ok, err := r.store.CurrentKey(ctx, tx, s.RecordID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("record %s: %w", s.RecordID, store.ErrNoRow)
		}
		if key != s.ToKey {
			return fmt.Errorf("record %s holds %q, expected %q: %w", s.RecordID, key, s.FromKey, store.ErrNoRow)
		}
		debug.Debug("Step already applied", "step", s.Index, "record", s.RecordID)
	} else {
		for _, dep := range r.updates {
			if _, err := r.store.UpdateDependent(ctx, tx, dep, s.FromKey, s.ToKey); err != nil {
				return fmt.Errorf("failed to update %s: %w", dep, err)
			}
		}
	}

	if err := r.guard.CompleteStep(ctx, tx, s); err != nil {
		return err
	}
	o.Status = history.StepApplied
	o.Error = ""
	return r.history.RecordStep(ctx, tx, o)
}

// persist writes a failed or unknown outcome outside the rolled-back transaction
func (r *run) persist(ctx context.Context, o history.StepOutcome) {
	if err := r.history.RecordStep(ctx, r.session, o); err != nil {
		debug.Error("Failed to record step outcome", "step", o.Index, "status", o.Status, "error", err)
	}
}

func (r *run) record(o history.StepOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[o.Index] = o
	if o.Status == history.StepApplied {
		r.applied[o.Index] = true
		delete(r.unknown, o.Index)
	}
}

func (r *run) result(plan *planner.Plan) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := &Result{}
	for _, s := range plan.Steps {
		if o, ok := r.outcomes[s.Index]; ok {
			res.Outcomes = append(res.Outcomes, o)
		}
		if r.applied[s.Index] {
			res.Completed = append(res.Completed, s.Index)
		} else {
			res.Remaining = append(res.Remaining, s.Index)
		}
	}
	return res
}
