package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Supported providers
const (
	Postgres = "postgresql"
	MySQL    = "mysql"
	SQLite   = "sqlite"
)

// NormalizeProvider maps the spellings users type onto a provider constant
func NormalizeProvider(provider string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "postgresql", "postgres", "pg", "pgx":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported provider %q", provider)
	}
}

// DetectProvider guesses the provider from a connection string
func DetectProvider(connStr string) string {
	lower := strings.ToLower(connStr)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"), strings.Contains(lower, "sslmode="):
		return Postgres
	case strings.HasPrefix(lower, "mysql://"), strings.Contains(lower, "@tcp("):
		return MySQL
	case strings.HasPrefix(lower, "file:"), strings.HasPrefix(lower, "sqlite"), strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"):
		return SQLite
	default:
		return Postgres
	}
}

// DriverName returns the database/sql driver for a provider.
// PostgreSQL uses lib/pq unless driver is "pgx".
func DriverName(provider, driver string) string {
	switch provider {
	case Postgres:
		if driver == "pgx" {
			return "pgx"
		}
		return "postgres"
	case SQLite:
		return "sqlite3"
	default:
		return provider
	}
}

// Dialect renders provider-specific SQL fragments
type Dialect struct {
	Provider string
}

// Placeholder returns the n-th (1-based) bind parameter
func (d Dialect) Placeholder(n int) string {
	if d.Provider == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Rebind rewrites ? placeholders into the provider's form
func (d Dialect) Rebind(query string) string {
	if d.Provider != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteString("$" + strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Quote quotes a possibly schema-qualified identifier
func (d Dialect) Quote(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		if d.Provider == MySQL {
			parts[i] = "`" + strings.ReplaceAll(p, "`", "``") + "`"
		} else {
			parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
		}
	}
	return strings.Join(parts, ".")
}
