package constraint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDescription(t *testing.T) {
	input := `
# catalog careers
relation careers {
  id  career_id
  key career_code
  dependent career_paths.career_code
  dependent student_goals:career_code constraint student_goals_code_fkey
}

relation grades {
  key grade_code
}
`
	models, err := ParseDescriptionString("careers.rekey", input)
	require.NoError(t, err)
	require.Len(t, models, 2)

	careers := models[0]
	assert.Equal(t, "careers", careers.Table)
	assert.Equal(t, "career_id", careers.IDColumn)
	assert.Equal(t, "career_code", careers.KeyColumn)
	assert.Equal(t, []Dependent{
		{Table: "career_paths", Column: "career_code"},
		{Table: "student_goals", Column: "career_code", Constraint: "student_goals_code_fkey"},
	}, careers.Dependents)

	grades := models[1]
	assert.Equal(t, DefaultIDColumn, grades.IDColumn)
	assert.Empty(t, grades.Dependents)
}

func TestParseDescriptionRejectsMissingKey(t *testing.T) {
	_, err := ParseDescriptionString("bad.rekey", `relation careers { id career_id }`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key column is required")
}

func TestParseDescriptionRejectsDuplicateKey(t *testing.T) {
	_, err := ParseDescriptionString("bad.rekey", `relation careers { key a key b }`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declares key twice")
}

func TestParseDescriptionSyntaxError(t *testing.T) {
	_, err := ParseDescriptionString("bad.rekey", `relation careers key code`)
	require.Error(t, err)
}

func TestParseDependents(t *testing.T) {
	deps, err := ParseDependents(`career_paths:career_code, student_goals.career_code@goals_fk,"odd table":code`)
	require.NoError(t, err)
	assert.Equal(t, []Dependent{
		{Table: "career_paths", Column: "career_code"},
		{Table: "student_goals", Column: "career_code", Constraint: "goals_fk"},
		{Table: "odd table", Column: "code"},
	}, deps)

	deps, err = ParseDependents("  ")
	require.NoError(t, err)
	assert.Empty(t, deps)

	_, err = ParseDependents("career_paths")
	assert.Error(t, err)
}

func TestParseSchemaQualifiedDependents(t *testing.T) {
	deps, err := ParseDependents(`public.career_paths.career_code, audit:career_log:career_code@log_fk`)
	require.NoError(t, err)
	assert.Equal(t, []Dependent{
		{Table: "public.career_paths", Column: "career_code"},
		{Table: "audit.career_log", Column: "career_code", Constraint: "log_fk"},
	}, deps)

	models, err := ParseDescriptionString("schema.rekey", `
relation careers {
  key career_code
  dependent public.career_paths.career_code constraint paths_fk
}`)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, []Dependent{{Table: "public.career_paths", Column: "career_code", Constraint: "paths_fk"}}, models[0].Dependents)

	_, err = ParseDependents("db.public.career_paths.career_code")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than schema, table and column")
}

func TestValidate(t *testing.T) {
	m := Model{Table: "careers", KeyColumn: "code", Dependents: []Dependent{{Table: "careers", Column: "code"}}}
	assert.ErrorContains(t, m.Validate(), "cannot depend on itself")

	m = Model{Table: "careers", KeyColumn: "code", Dependents: []Dependent{
		{Table: "paths", Column: "code"}, {Table: "paths", Column: "code"},
	}}
	assert.ErrorContains(t, m.Validate(), "listed twice")

	m = Model{Table: "careers", KeyColumn: "id"}
	assert.ErrorContains(t, m.Validate(), "both")
}

func TestWithDependentsMerges(t *testing.T) {
	m := Model{Table: "careers", KeyColumn: "code", Dependents: []Dependent{{Table: "paths", Column: "code"}}}
	merged := m.WithDependents([]Dependent{
		{Table: "paths", Column: "code", Constraint: "paths_fk"},
		{Table: "goals", Column: "code"},
	})

	assert.Equal(t, []Dependent{
		{Table: "paths", Column: "code", Constraint: "paths_fk"},
		{Table: "goals", Column: "code"},
	}, merged.Dependents)
	assert.Empty(t, m.Dependents[0].Constraint, "original model must not change")
}

func TestSelect(t *testing.T) {
	models := []Model{{Table: "a", KeyColumn: "k"}, {Table: "b", KeyColumn: "k"}}

	_, err := Select(models, "")
	assert.Error(t, err)

	m, err := Select(models, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", m.Table)

	_, err = Select(models, "c")
	assert.Error(t, err)
}
