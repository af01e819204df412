// Package history keeps the audit and resume log of rekey runs in the target store.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/satishbabariya/rekey/rekey/planner"
	"github.com/satishbabariya/rekey/rekey/rekeyerr"
	"github.com/satishbabariya/rekey/rekey/store"
)

// Status of a run
type Status string

const (
	Pending  Status = "pending"
	Partial  Status = "partial"
	Complete Status = "complete"
	Failed   Status = "failed"
)

// Resumable reports whether a run with this status may be picked up again
func (s Status) Resumable() bool {
	return s == Pending || s == Partial
}

// StepStatus is the recorded outcome of one step
type StepStatus string

const (
	StepApplied StepStatus = "applied"
	StepFailed  StepStatus = "failed"
	// StepUnknown: the step timed out and may or may not have committed
	StepUnknown StepStatus = "unknown"
)

// Run is one execution of a plan
type Run struct {
	ID            string
	PlanHash      string
	Table         string
	Status        Status
	Strategy      string
	EngineVersion string
	// Plan is the plan JSON as written by planner.Plan.Marshal
	Plan string
	// GuardState is the constraint state JSON as written by guard.Status.Marshal
	GuardState string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LoadPlan deserializes the stored plan and checks it still hashes to PlanHash
func (r *Run) LoadPlan() (*planner.Plan, error) {
	p, err := planner.Unmarshal(r.Plan, r.PlanHash)
	if err != nil {
		return nil, rekeyerr.Wrap(rekeyerr.ResumeConflict, err, "stored plan of run %s fails its integrity check", r.ID)
	}
	return p, nil
}

// StepOutcome is the latest recorded result of a step
type StepOutcome struct {
	RunID     string     `json:"run_id" yaml:"run_id"`
	Index     int        `json:"index" yaml:"index"`
	RecordID  string     `json:"record_id" yaml:"record_id"`
	Status    StepStatus `json:"status" yaml:"status"`
	Attempts  int        `json:"attempts" yaml:"attempts"`
	Error     string     `json:"error,omitempty" yaml:"error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"updated_at"`
}

// Manager reads and writes the log tables
type Manager struct {
	provider string
	dialect  store.Dialect
	now      func() time.Time
}

// NewManager creates a log manager for provider
func NewManager(provider string) *Manager {
	return &Manager{
		provider: provider,
		dialect:  store.Dialect{Provider: provider},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// InitTables creates the log tables if they do not exist
func (m *Manager) InitTables(ctx context.Context, q store.Querier) error {
	for _, stmt := range m.createTablesSQL() {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create rekey log table: %w", err)
		}
	}
	return nil
}

// Acquire takes the advisory lock on key, the parent table of a run, on behalf
// of runID. The insert is the claim: a lock held by any run, this one included,
// is a ResumeConflict.
func (m *Manager) Acquire(ctx context.Context, q store.Querier, key, runID string) error {
	_, err := q.ExecContext(ctx, m.dialect.Rebind(`
		INSERT INTO _rekey_locks (lock_key, run_id, acquired_at) VALUES (?, ?, ?)
	`), key, runID, m.stamp())
	if err == nil {
		return nil
	}
	if !store.IsConstraintViolation(err) {
		return fmt.Errorf("failed to acquire run lock: %w", err)
	}
	holder, _, lerr := m.LockHolder(ctx, q, key)
	if lerr != nil {
		return fmt.Errorf("failed to read run lock: %w", lerr)
	}
	return rekeyerr.New(rekeyerr.ResumeConflict, "%s is locked by run %s", key, holder)
}

// LockHolder returns the run holding the lock on key
func (m *Manager) LockHolder(ctx context.Context, q store.Querier, key string) (string, bool, error) {
	var runID string
	err := q.QueryRowContext(ctx, m.dialect.Rebind(`SELECT run_id FROM _rekey_locks WHERE lock_key = ?`), key).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return runID, true, nil
}

// Release drops the lock on key
func (m *Manager) Release(ctx context.Context, q store.Querier, key string) error {
	if _, err := q.ExecContext(ctx, m.dialect.Rebind(`DELETE FROM _rekey_locks WHERE lock_key = ?`), key); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}

// ReleaseRun drops every lock held by runID and reports how many there were
func (m *Manager) ReleaseRun(ctx context.Context, q store.Querier, runID string) (int64, error) {
	res, err := q.ExecContext(ctx, m.dialect.Rebind(`DELETE FROM _rekey_locks WHERE run_id = ?`), runID)
	if err != nil {
		return 0, fmt.Errorf("failed to release locks of run %s: %w", runID, err)
	}
	return res.RowsAffected()
}

// CreateRun persists a new run before any step executes
func (m *Manager) CreateRun(ctx context.Context, q store.Querier, run *Run) error {
	now := m.now()
	run.CreatedAt, run.UpdatedAt = now, now
	if run.Status == "" {
		run.Status = Pending
	}
	_, err := q.ExecContext(ctx, m.dialect.Rebind(`
		INSERT INTO _rekey_runs
			(run_id, plan_hash, table_name, status, strategy, engine_version, plan, guard_state, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), run.ID, run.PlanHash, run.Table, string(run.Status), run.Strategy, run.EngineVersion,
		run.Plan, run.GuardState, run.Error, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateRun records the run's status, constraint state and last error
func (m *Manager) UpdateRun(ctx context.Context, q store.Querier, runID string, status Status, guardState, errMsg string) error {
	_, err := q.ExecContext(ctx, m.dialect.Rebind(`
		UPDATE _rekey_runs SET status = ?, guard_state = ?, error = ?, updated_at = ? WHERE run_id = ?
	`), string(status), guardState, errMsg, m.stamp(), runID)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", runID, err)
	}
	return nil
}

// RecordStep upserts a step outcome. The executor calls it inside the step's own
// transaction for applied steps, so the outcome commits with the data.
func (m *Manager) RecordStep(ctx context.Context, q store.Querier, o StepOutcome) error {
	_, err := q.ExecContext(ctx, m.upsertStepSQL(),
		o.RunID, o.Index, o.RecordID, string(o.Status), o.Attempts, o.Error, m.stamp())
	if err != nil {
		return fmt.Errorf("failed to record step %d of run %s: %w", o.Index, o.RunID, err)
	}
	return nil
}

// LoadRun reads one run
func (m *Manager) LoadRun(ctx context.Context, q store.Querier, runID string) (*Run, error) {
	row := q.QueryRowContext(ctx, m.dialect.Rebind(selectRunSQL+` WHERE run_id = ?`), runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	return run, err
}

// FindIncomplete returns the latest resumable run on table, or nil
func (m *Manager) FindIncomplete(ctx context.Context, q store.Querier, table string) (*Run, error) {
	row := q.QueryRowContext(ctx, m.dialect.Rebind(selectRunSQL+`
		WHERE table_name = ? AND status IN (?, ?)
		ORDER BY created_at DESC, run_id DESC
		LIMIT 1
	`), table, string(Pending), string(Partial))
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// Runs lists the most recent runs, newest first
func (m *Manager) Runs(ctx context.Context, q store.Querier, limit int) ([]Run, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("%s ORDER BY created_at DESC, run_id DESC LIMIT %d", selectRunSQL, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// Steps returns the recorded outcomes of a run, by index
func (m *Manager) Steps(ctx context.Context, q store.Querier, runID string) ([]StepOutcome, error) {
	rows, err := q.QueryContext(ctx, m.dialect.Rebind(`
		SELECT run_id, step_index, record_id, status, attempts, error, updated_at
		FROM _rekey_steps
		WHERE run_id = ?
		ORDER BY step_index
	`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps of run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []StepOutcome
	for rows.Next() {
		var o StepOutcome
		var status, updated string
		var errMsg sql.NullString
		if err := rows.Scan(&o.RunID, &o.Index, &o.RecordID, &status, &o.Attempts, &errMsg, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		o.Status = StepStatus(status)
		o.Error = errMsg.String
		o.UpdatedAt = parseTime(updated)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (m *Manager) stamp() string {
	return formatTime(m.now())
}

const selectRunSQL = `
	SELECT run_id, plan_hash, table_name, status, strategy, engine_version, plan, guard_state, error, created_at, updated_at
	FROM _rekey_runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var status, created, updated string
	var guardState, errMsg sql.NullString
	err := row.Scan(&run.ID, &run.PlanHash, &run.Table, &status, &run.Strategy, &run.EngineVersion,
		&run.Plan, &guardState, &errMsg, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	run.Status = Status(status)
	run.GuardState = guardState.String
	run.Error = errMsg.String
	run.CreatedAt = parseTime(created)
	run.UpdatedAt = parseTime(updated)
	return &run, nil
}

// Timestamps are stored as fixed-width UTC text so every driver scans them the
// same way and they sort as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
