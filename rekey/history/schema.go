package history

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-version"

	"github.com/satishbabariya/rekey/rekey/rekeyerr"
	"github.com/satishbabariya/rekey/rekey/store"
)

// createTablesSQL returns the DDL of the log tables for the provider
func (m *Manager) createTablesSQL() []string {
	text, bigText := "TEXT", "TEXT"
	switch m.provider {
	case store.MySQL:
		text, bigText = "VARCHAR(255)", "LONGTEXT"
	case store.Postgres:
		text = "VARCHAR(255)"
	}
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS _rekey_runs (
				run_id %[1]s NOT NULL PRIMARY KEY,
				plan_hash %[1]s NOT NULL,
				table_name %[1]s NOT NULL,
				status %[1]s NOT NULL,
				strategy %[1]s NOT NULL,
				engine_version %[1]s NOT NULL,
				plan %[2]s NOT NULL,
				guard_state %[2]s,
				error %[2]s,
				created_at %[1]s NOT NULL,
				updated_at %[1]s NOT NULL
			)
		`, text, bigText),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS _rekey_steps (
				run_id %[1]s NOT NULL,
				step_index INTEGER NOT NULL,
				record_id %[1]s NOT NULL,
				status %[1]s NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				error %[2]s,
				updated_at %[1]s NOT NULL,
				PRIMARY KEY (run_id, step_index)
			)
		`, text, bigText),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS _rekey_locks (
				lock_key %[1]s NOT NULL PRIMARY KEY,
				run_id %[1]s NOT NULL,
				acquired_at %[1]s NOT NULL
			)
		`, text),
	}
}

// upsertStepSQL returns the insert-or-replace statement for a step outcome
func (m *Manager) upsertStepSQL() string {
	switch m.provider {
	case store.MySQL:
		return `
			INSERT INTO _rekey_steps (run_id, step_index, record_id, status, attempts, error, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				status = VALUES(status), attempts = VALUES(attempts),
				error = VALUES(error), updated_at = VALUES(updated_at)
		`
	default:
		return m.dialect.Rebind(`
			INSERT INTO _rekey_steps (run_id, step_index, record_id, status, attempts, error, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, step_index) DO UPDATE SET
				status = excluded.status, attempts = excluded.attempts,
				error = excluded.error, updated_at = excluded.updated_at
		`)
	}
}

// CheckCompatible refuses to resume a run written by an engine with a different
// major version. Unparseable versions must match exactly.
func CheckCompatible(recorded, current string) error {
	if recorded == current {
		return nil
	}
	rv, rerr := version.NewVersion(strings.TrimPrefix(recorded, "v"))
	cv, cerr := version.NewVersion(strings.TrimPrefix(current, "v"))
	if rerr != nil || cerr != nil {
		return rekeyerr.New(rekeyerr.ResumeConflict, "run was written by engine %q, this is %q", recorded, current)
	}
	if rv.Segments()[0] != cv.Segments()[0] {
		return rekeyerr.New(rekeyerr.ResumeConflict, "run was written by engine %s, this is %s (major versions differ)", rv, cv)
	}
	return nil
}
