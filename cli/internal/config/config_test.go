package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satishbabariya/rekey/rekey/constraint"
	"github.com/satishbabariya/rekey/rekey/store"
)

func memFs(t *testing.T, files map[string]string) {
	t.Helper()
	prev := AppFs
	AppFs = afero.NewMemMapFs()
	t.Cleanup(func() { AppFs = prev })
	for name, content := range files {
		require.NoError(t, afero.WriteFile(AppFs, name, []byte(content), 0o644))
	}
}

func TestLoadDefaults(t *testing.T) {
	memFs(t, nil)

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "coordinated", cfg.Strategy)
	assert.Equal(t, constraint.DefaultIDColumn, cfg.IDColumn)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, "text", cfg.Output)
}

func TestLoadConfigFile(t *testing.T) {
	memFs(t, map[string]string{
		"/work/rekey.yaml": `
database-url: postgres://localhost/catalog?sslmode=disable
table: careers
key-column: career_code
dependents: career_paths.career_code
strategy: suspend
workers: 8
step-timeout: 5s
`,
	})

	cfg, err := Load(viper.New(), "/work/rekey.yaml")
	require.NoError(t, err)
	assert.Equal(t, "careers", cfg.Table)
	assert.Equal(t, "career_code", cfg.KeyColumn)
	assert.Equal(t, "suspend", cfg.Strategy)
	assert.Equal(t, store.Postgres, cfg.Provider)

	opts := cfg.Executor()
	assert.Equal(t, 8, opts.Workers)
	assert.Equal(t, 5*time.Second, opts.StepTimeout)
	assert.Equal(t, 3, opts.MaxAttempts)
}

func TestLoadMissingConfigFile(t *testing.T) {
	memFs(t, nil)
	_, err := Load(viper.New(), "/work/missing.yaml")
	assert.Error(t, err)
}

func TestLoadEnvironment(t *testing.T) {
	memFs(t, nil)
	t.Setenv("REKEY_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "file:catalog.db")
	t.Setenv("REKEY_TABLE", "careers")
	t.Setenv("REKEY_KEY_COLUMN", "career_code")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "file:catalog.db", cfg.DatabaseURL)
	assert.Equal(t, store.SQLite, cfg.Provider)
	assert.Equal(t, "careers", cfg.Table)
	assert.Equal(t, "career_code", cfg.KeyColumn)
	assert.NoError(t, cfg.Connection())
}

func TestModelFromFlags(t *testing.T) {
	memFs(t, nil)
	cfg := &Config{
		Table:      "careers",
		KeyColumn:  "career_code",
		IDColumn:   "career_id",
		Dependents: "career_paths:career_code,student_goals:career_code@student_goals_code_fkey",
	}

	m, err := cfg.Model()
	require.NoError(t, err)
	assert.Equal(t, "careers", m.Table)
	assert.Equal(t, "career_id", m.IDColumn)
	assert.Equal(t, []constraint.Dependent{
		{Table: "career_paths", Column: "career_code"},
		{Table: "student_goals", Column: "career_code", Constraint: "student_goals_code_fkey"},
	}, m.Dependents)
}

func TestModelFromDescription(t *testing.T) {
	memFs(t, map[string]string{
		"catalog.rekey": `
relation careers {
  key career_code
  dependent career_paths.career_code
}

relation grades {
  key grade_code
}
`,
	})
	cfg := &Config{
		Table:       "careers",
		IDColumn:    constraint.DefaultIDColumn,
		Constraints: "catalog.rekey",
		Dependents:  "reports:career_code",
	}

	m, err := cfg.Model()
	require.NoError(t, err)
	assert.Equal(t, "career_code", m.KeyColumn)
	assert.Equal(t, constraint.DefaultIDColumn, m.IDColumn)
	assert.Equal(t, []constraint.Dependent{
		{Table: "career_paths", Column: "career_code"},
		{Table: "reports", Column: "career_code"},
	}, m.Dependents)

	cfg.Table = ""
	_, err = cfg.Model()
	assert.Error(t, err, "two relations need --table")
}

func TestModelRequiresKeyColumn(t *testing.T) {
	memFs(t, nil)
	_, err := (&Config{Table: "careers"}).Model()
	assert.Error(t, err)
}
