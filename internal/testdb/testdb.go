// Package testdb builds throwaway SQLite catalogs for tests: a careers table with a
// unique career_code and a career_paths table referencing it.
package testdb

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/satishbabariya/rekey/rekey/constraint"
	"github.com/satishbabariya/rekey/rekey/store"
)

// Options shapes the fixture schema
type Options struct {
	// Cascade makes the foreign key ON UPDATE CASCADE
	Cascade bool
	// NoForeignKey keeps career_paths.career_code as a plain denormalized copy
	NoForeignKey bool
}

// Model describes the fixture for the engine
func Model() constraint.Model {
	return constraint.Model{
		Table:      "careers",
		IDColumn:   "id",
		KeyColumn:  "career_code",
		Dependents: []constraint.Dependent{{Table: "career_paths", Column: "career_code"}},
	}
}

// Open creates an empty fixture database in a temp dir and closes it with the test
func Open(t testing.TB, opts Options) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	db, err := store.Open(context.Background(), store.SQLite, "", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	Reset(t, db, store.SQLite, opts)
	return db
}

// Reset drops the fixture and rekey log tables and creates the fixture again
func Reset(t testing.TB, db *sql.DB, provider string, opts Options) {
	t.Helper()
	for _, stmt := range Schema(provider, opts) {
		_, err := db.ExecContext(context.Background(), stmt)
		require.NoError(t, err, stmt)
	}
}

// Schema returns the statements that recreate the fixture on provider
func Schema(provider string, opts Options) []string {
	drops := []string{
		"DROP TABLE IF EXISTS career_paths",
		"DROP TABLE IF EXISTS careers",
		"DROP TABLE IF EXISTS _rekey_steps",
		"DROP TABLE IF EXISTS _rekey_runs",
		"DROP TABLE IF EXISTS _rekey_locks",
	}

	onUpdate := ""
	if opts.Cascade {
		onUpdate = " ON UPDATE CASCADE"
	}

	var careers, paths string
	switch provider {
	case store.Postgres:
		careers = `CREATE TABLE careers (
			id VARCHAR(64) PRIMARY KEY,
			career_code VARCHAR(255) NOT NULL UNIQUE,
			name TEXT
		)`
		ref := " REFERENCES careers(career_code)" + onUpdate
		if opts.NoForeignKey {
			ref = ""
		}
		paths = `CREATE TABLE career_paths (
			id SERIAL PRIMARY KEY,
			career_code VARCHAR(255) NOT NULL` + ref + `,
			step TEXT
		)`
	case store.MySQL:
		careers = `CREATE TABLE careers (
			id VARCHAR(64) PRIMARY KEY,
			career_code VARCHAR(255) NOT NULL UNIQUE,
			name TEXT
		) ENGINE=InnoDB`
		// MySQL ignores inline REFERENCES clauses.
		fk := ",\n\t\t\tFOREIGN KEY (career_code) REFERENCES careers(career_code)" + onUpdate
		if opts.NoForeignKey {
			fk = ""
		}
		paths = `CREATE TABLE career_paths (
			id INT AUTO_INCREMENT PRIMARY KEY,
			career_code VARCHAR(255) NOT NULL,
			step TEXT` + fk + `
		) ENGINE=InnoDB`
	default:
		careers = `CREATE TABLE careers (
			id TEXT PRIMARY KEY,
			career_code TEXT NOT NULL UNIQUE,
			name TEXT
		)`
		ref := " REFERENCES careers(career_code)" + onUpdate
		if opts.NoForeignKey {
			ref = ""
		}
		paths = `CREATE TABLE career_paths (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			career_code TEXT NOT NULL` + ref + `,
			step TEXT
		)`
	}
	return append(drops, careers, paths)
}

// SeedCareers inserts id → key rows in id order
func SeedCareers(t testing.TB, db *sql.DB, rows map[string]string) {
	t.Helper()
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		_, err := db.Exec("INSERT INTO careers (id, career_code, name) VALUES (?, ?, ?)", id, rows[id], "career "+id)
		require.NoError(t, err)
	}
}

// SeedPaths adds n career_paths rows referencing key
func SeedPaths(t testing.TB, db *sql.DB, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := db.Exec("INSERT INTO career_paths (career_code, step) VALUES (?, ?)", key, fmt.Sprintf("step %d", i+1))
		require.NoError(t, err)
	}
}

// Keys returns id → key as stored
func Keys(t testing.TB, db *sql.DB) map[string]string {
	t.Helper()
	snapshot, err := store.New(store.SQLite, Model()).Snapshot(context.Background(), db)
	require.NoError(t, err)
	return snapshot
}

// PathCounts returns career_code → number of career_paths rows
func PathCounts(t testing.TB, db *sql.DB) map[string]int {
	t.Helper()
	rows, err := db.Query("SELECT career_code, COUNT(*) FROM career_paths GROUP BY career_code")
	require.NoError(t, err)
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		require.NoError(t, rows.Scan(&key, &n))
		counts[key] = n
	}
	require.NoError(t, rows.Err())
	return counts
}
