// Package constraint describes the uniqueness and foreign-key constraints a rekey run must preserve.
package constraint

import (
	"fmt"
	"strings"
)

// DefaultIDColumn is used when a description does not name the surrogate id column
const DefaultIDColumn = "id"

// Dependent is a column elsewhere that stores a copy of the parent key
type Dependent struct {
	Table  string `json:"table" yaml:"table"`
	Column string `json:"column" yaml:"column"`
	// Constraint is the foreign-key name; empty means discover it (or there is none)
	Constraint string `json:"constraint,omitempty" yaml:"constraint,omitempty"`
}

func (d Dependent) String() string {
	return d.Table + "." + d.Column
}

// Model is the parent table plus everything that references its key column.
// The key column is unique; each dependent must only hold values present in it.
type Model struct {
	Table      string      `json:"table" yaml:"table"`
	IDColumn   string      `json:"id_column" yaml:"id_column"`
	KeyColumn  string      `json:"key_column" yaml:"key_column"`
	Dependents []Dependent `json:"dependents,omitempty" yaml:"dependents,omitempty"`
}

// Validate checks the model is complete and self-consistent
func (m *Model) Validate() error {
	if m.Table == "" {
		return fmt.Errorf("constraint model: table is required")
	}
	if m.KeyColumn == "" {
		return fmt.Errorf("constraint model: key column is required for table %s", m.Table)
	}
	if m.IDColumn == "" {
		m.IDColumn = DefaultIDColumn
	}
	if m.IDColumn == m.KeyColumn {
		return fmt.Errorf("constraint model: id column and key column are both %q", m.KeyColumn)
	}

	seen := make(map[string]bool)
	for _, d := range m.Dependents {
		if d.Table == "" || d.Column == "" {
			return fmt.Errorf("constraint model: dependent %q needs both table and column", d.String())
		}
		if d.Table == m.Table && d.Column == m.KeyColumn {
			return fmt.Errorf("constraint model: %s cannot depend on itself", d.String())
		}
		if seen[d.String()] {
			return fmt.Errorf("constraint model: dependent %s listed twice", d.String())
		}
		seen[d.String()] = true
	}
	return nil
}

// WithDependents returns a copy of m whose dependents are the union of both lists.
// Entries in extra override same-named entries in m when they carry a constraint name.
func (m Model) WithDependents(extra []Dependent) Model {
	out := m
	out.Dependents = append([]Dependent(nil), m.Dependents...)
	index := make(map[string]int, len(out.Dependents))
	for i, d := range out.Dependents {
		index[d.String()] = i
	}
	for _, d := range extra {
		if i, ok := index[d.String()]; ok {
			if d.Constraint != "" {
				out.Dependents[i].Constraint = d.Constraint
			}
			continue
		}
		index[d.String()] = len(out.Dependents)
		out.Dependents = append(out.Dependents, d)
	}
	return out
}

func (m Model) String() string {
	deps := make([]string, len(m.Dependents))
	for i, d := range m.Dependents {
		deps[i] = d.String()
	}
	return fmt.Sprintf("%s(%s unique, id %s) <- [%s]", m.Table, m.KeyColumn, m.IDColumn, strings.Join(deps, ", "))
}
