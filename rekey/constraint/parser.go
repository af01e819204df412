package constraint

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// A description file looks like:
//
//	relation careers {
//	  id  career_id
//	  key career_code
//	  dependent career_paths.career_code
//	  dependent student_goals.career_code constraint student_goals_code_fkey
//	  dependent audit.career_log.career_code
//	}
//
// The last segment of a dependent is the column; one or two segments before it
// name the table, optionally schema-qualified.

type rawDescription struct {
	Relations []*rawRelation `@@*`
}

type rawRelation struct {
	Pos   lexer.Position
	Table string     `"relation" @(Ident | String) "{"`
	Items []*rawItem `@@* "}"`
}

type rawItem struct {
	Pos       lexer.Position
	ID        *string       `  "id" @(Ident | String)`
	Key       *string       `| "key" @(Ident | String)`
	Dependent *rawDependent `| "dependent" @@`
}

type rawDependent struct {
	Pos        lexer.Position
	Path       []string `@(Ident | String) ( (":" | ".") @(Ident | String) )+`
	Constraint string   `( ("constraint" | "@") @(Ident | String) )?`
}

type rawDependentList struct {
	Items []*rawDependent `(@@ ("," @@)*)?`
}

var descriptionParser = participle.MustBuild[rawDescription](
	participle.Lexer(DescriptionLexer),
	participle.Elide("Whitespace", "Comment"),
	participle.Unquote("String"),
)

var dependentsParser = participle.MustBuild[rawDependentList](
	participle.Lexer(DescriptionLexer),
	participle.Elide("Whitespace", "Comment"),
	participle.Unquote("String"),
)

// ParseDescription parses every relation in a description file
func ParseDescription(filename string, r io.Reader) ([]Model, error) {
	raw, err := descriptionParser.Parse(filename, r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse constraint description: %w", err)
	}

	models := make([]Model, 0, len(raw.Relations))
	for _, rel := range raw.Relations {
		m := Model{Table: rel.Table}
		for _, item := range rel.Items {
			switch {
			case item.ID != nil:
				if m.IDColumn != "" {
					return nil, fmt.Errorf("%s: relation %s declares id twice", item.Pos, rel.Table)
				}
				m.IDColumn = *item.ID
			case item.Key != nil:
				if m.KeyColumn != "" {
					return nil, fmt.Errorf("%s: relation %s declares key twice", item.Pos, rel.Table)
				}
				m.KeyColumn = *item.Key
			case item.Dependent != nil:
				dep, err := item.Dependent.toDependent()
				if err != nil {
					return nil, err
				}
				m.Dependents = append(m.Dependents, dep)
			}
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", rel.Pos, err)
		}
		models = append(models, m)
	}
	return models, nil
}

// ParseDescriptionString is ParseDescription over an in-memory string
func ParseDescriptionString(filename, input string) ([]Model, error) {
	return ParseDescription(filename, strings.NewReader(input))
}

// ParseDependents parses a flag value such as
// "career_paths:career_code,student_goals:career_code@student_goals_code_fkey".
func ParseDependents(value string) ([]Dependent, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	raw, err := dependentsParser.ParseString("--dependents", value)
	if err != nil {
		return nil, fmt.Errorf("invalid dependents %q: %w", value, err)
	}
	deps := make([]Dependent, 0, len(raw.Items))
	for _, d := range raw.Items {
		dep, err := d.toDependent()
		if err != nil {
			return nil, fmt.Errorf("invalid dependents %q: %w", value, err)
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// Select returns the model for table, or the only model when table is empty
func Select(models []Model, table string) (Model, error) {
	if table == "" {
		if len(models) == 1 {
			return models[0], nil
		}
		return Model{}, fmt.Errorf("constraint description declares %d relations; choose one with --table", len(models))
	}
	for _, m := range models {
		if m.Table == table {
			return m, nil
		}
	}
	return Model{}, fmt.Errorf("constraint description has no relation %q", table)
}

func (d *rawDependent) toDependent() (Dependent, error) {
	if len(d.Path) > 3 {
		return Dependent{}, fmt.Errorf("%s: dependent %s has more than schema, table and column", d.Pos, strings.Join(d.Path, "."))
	}
	last := len(d.Path) - 1
	return Dependent{
		Table:      strings.Join(d.Path[:last], "."),
		Column:     d.Path[last],
		Constraint: d.Constraint,
	}, nil
}
