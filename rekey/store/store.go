// Package store reads and writes the parent key column and its dependent columns
// through database/sql for PostgreSQL, MySQL and SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/satishbabariya/rekey/rekey/constraint"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Session is what a run talks to: the pool, or one pinned connection when a
// constraint setting only lives for a connection.
type Session interface {
	Querier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Open connects and applies provider setup. SQLite gets foreign keys on, a busy
// timeout and a single connection.
func Open(ctx context.Context, provider, driver, connStr string) (*sql.DB, error) {
	if provider == SQLite {
		connStr = sqliteDSN(connStr)
	}
	if provider == MySQL {
		connStr = strings.TrimPrefix(connStr, "mysql://")
	}

	db, err := sql.Open(DriverName(provider, driver), connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if provider == SQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	return db, nil
}

func sqliteDSN(connStr string) string {
	connStr = strings.TrimPrefix(connStr, "sqlite://")
	var params []string
	if !strings.Contains(connStr, "_foreign_keys") && !strings.Contains(connStr, "_fk=") {
		params = append(params, "_foreign_keys=on")
	}
	if !strings.Contains(connStr, "_busy_timeout") {
		params = append(params, "_busy_timeout=5000")
	}
	if len(params) == 0 {
		return connStr
	}
	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	return connStr + sep + strings.Join(params, "&")
}

// Store renders SQL for one parent table and its dependents
type Store struct {
	Dialect Dialect
	Model   constraint.Model
}

// New creates a store for model on provider
func New(provider string, model constraint.Model) *Store {
	return &Store{Dialect: Dialect{Provider: provider}, Model: model}
}

func (s *Store) table() string  { return s.Dialect.Quote(s.Model.Table) }
func (s *Store) idCol() string  { return s.Dialect.Quote(s.Model.IDColumn) }
func (s *Store) keyCol() string { return s.Dialect.Quote(s.Model.KeyColumn) }

// Snapshot returns id → key for every row with a non-null key
func (s *Store) Snapshot(ctx context.Context, q Querier) (map[string]string, error) {
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IS NOT NULL",
		s.idCol(), s.keyCol(), s.table(), s.keyCol())
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.Model.Table, err)
	}
	defer rows.Close()

	snapshot := make(map[string]string)
	for rows.Next() {
		var id, key string
		if err := rows.Scan(&id, &key); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", s.Model.Table, err)
		}
		snapshot[id] = key
	}
	return snapshot, rows.Err()
}

// CurrentKey reads one record's key. ok is false when the id does not exist.
func (s *Store) CurrentKey(ctx context.Context, q Querier, id string) (key string, ok bool, err error) {
	query := s.Dialect.Rebind(fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", s.keyCol(), s.table(), s.idCol()))
	var nk sql.NullString
	err = q.QueryRowContext(ctx, query, id).Scan(&nk)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read key of %s: %w", id, err)
	}
	return nk.String, true, nil
}

// UpdateKey moves id from one key to another, guarded on the current value.
// It returns the number of rows changed (0 or 1).
func (s *Store) UpdateKey(ctx context.Context, q Querier, id, from, to string) (int64, error) {
	query := s.Dialect.Rebind(fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ? AND %s = ?",
		s.table(), s.keyCol(), s.idCol(), s.keyCol()))
	res, err := q.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateDependent rewrites every reference to from in dep
func (s *Store) UpdateDependent(ctx context.Context, q Querier, dep constraint.Dependent, from, to string) (int64, error) {
	col := s.Dialect.Quote(dep.Column)
	query := s.Dialect.Rebind(fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", s.Dialect.Quote(dep.Table), col, col))
	res, err := q.ExecContext(ctx, query, to, from)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountReferences counts rows of dep per referenced key, limited to keys
func (s *Store) CountReferences(ctx context.Context, q Querier, dep constraint.Dependent, keys []string) (map[string]int, error) {
	counts := make(map[string]int, len(keys))
	if len(keys) == 0 {
		return counts, nil
	}
	col := s.Dialect.Quote(dep.Column)
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(keys)), ", ")
	query := s.Dialect.Rebind(fmt.Sprintf("SELECT %s, COUNT(*) FROM %s WHERE %s IN (%s) GROUP BY %s",
		col, s.Dialect.Quote(dep.Table), col, marks, col))

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count references in %s: %w", dep, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("failed to scan reference count: %w", err)
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

// DuplicateKeys lists key values held by more than one row
func (s *Store) DuplicateKeys(ctx context.Context, q Querier) ([]string, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IS NOT NULL GROUP BY %s HAVING COUNT(*) > 1",
		s.keyCol(), s.table(), s.keyCol(), s.keyCol())
	return queryStrings(ctx, q, query)
}

// Orphans lists values in dep that match no parent key
func (s *Store) Orphans(ctx context.Context, q Querier, dep constraint.Dependent) ([]string, error) {
	col := s.Dialect.Quote(dep.Column)
	query := fmt.Sprintf(`SELECT DISTINCT d.%s FROM %s d
		WHERE d.%s IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM %s p WHERE p.%s = d.%s)`,
		col, s.Dialect.Quote(dep.Table), col, s.table(), s.keyCol(), col)
	return queryStrings(ctx, q, query)
}

// OrphansAmong is Orphans restricted to the given values
func (s *Store) OrphansAmong(ctx context.Context, q Querier, dep constraint.Dependent, values ...string) ([]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	col := s.Dialect.Quote(dep.Column)
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	query := s.Dialect.Rebind(fmt.Sprintf(`SELECT DISTINCT d.%s FROM %s d
		WHERE d.%s IN (%s)
		  AND NOT EXISTS (SELECT 1 FROM %s p WHERE p.%s = d.%s)`,
		col, s.Dialect.Quote(dep.Table), col, marks, s.table(), s.keyCol(), col))
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return queryStrings(ctx, q, query, args...)
}

// KeysWithPrefix lists values of table.column starting with prefix. SUBSTR
// counts characters on every provider, so the length is in runes.
func (s *Store) KeysWithPrefix(ctx context.Context, q Querier, table, column, prefix string) ([]string, error) {
	col := s.Dialect.Quote(column)
	query := s.Dialect.Rebind(fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE SUBSTR(%s, 1, %d) = ?",
		col, s.Dialect.Quote(table), col, utf8.RuneCountInString(prefix)))
	return queryStrings(ctx, q, query, prefix)
}

func queryStrings(ctx context.Context, q Querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
