package syncx

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"slices"

	"gopkg.in/yaml.v3"
)

// Direction restricts which way a table's changes flow
type Direction string

const (
	Bidirectional Direction = "bidirectional"
	UploadOnly    Direction = "upload"
	DownloadOnly  Direction = "download"
)

// Uploads reports whether client changes of the table go to the server
func (d Direction) Uploads() bool {
	return d == "" || d == Bidirectional || d == UploadOnly
}

// Downloads reports whether server changes of the table go to the client
func (d Direction) Downloads() bool {
	return d == "" || d == Bidirectional || d == DownloadOnly
}

// TableSpec is one table of a scope
type TableSpec struct {
	Name       string            `json:"name" yaml:"name"`
	PrimaryKey string            `json:"primaryKey" yaml:"primaryKey"`
	Columns    []string          `json:"columns,omitempty" yaml:"columns,omitempty"`
	DependsOn  []string          `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	Filter     map[string]string `json:"filter,omitempty" yaml:"filter,omitempty"` // column -> parameter name
	Direction  Direction         `json:"direction,omitempty" yaml:"direction,omitempty"`
}

// ScopeDefinition is a named, versioned set of tables synchronized as a unit
type ScopeDefinition struct {
	Name    string      `json:"name" yaml:"name"`
	Version int         `json:"version" yaml:"version"`
	Tables  []TableSpec `json:"tables" yaml:"tables"`
}

// TableSchema is what a store reports about one of its tables
type TableSchema struct {
	Name       string
	PrimaryKey string
	Columns    []string
}

// HasColumn reports whether the table has the named column
func (s TableSchema) HasColumn(name string) bool {
	return slices.Contains(s.Columns, name)
}

var (
	// ErrEmptyScope indicates a scope without a name or tables
	ErrEmptyScope = errors.New("scope must have a name and at least one table")

	// ErrDependencyCycle indicates tables that depend on each other
	ErrDependencyCycle = errors.New("table dependencies form a cycle")
)

// Table returns the spec of the named table
func (d ScopeDefinition) Table(name string) (TableSpec, bool) {
	for _, t := range d.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableSpec{}, false
}

// Validate checks the definition is self-consistent. Problems that name a
// table come back as schema errors.
func (d ScopeDefinition) Validate() error {
	if d.Name == "" || len(d.Tables) == 0 {
		return ErrEmptyScope
	}
	seen := make(map[string]bool, len(d.Tables))
	for _, t := range d.Tables {
		if t.Name == "" {
			return SchemaError("", "", "", "table without a name")
		}
		if seen[t.Name] {
			return SchemaError("", t.Name, "", "table listed twice")
		}
		seen[t.Name] = true
		if t.PrimaryKey == "" {
			return SchemaError("", t.Name, "", "missing primary key")
		}
		switch t.Direction {
		case "", Bidirectional, UploadOnly, DownloadOnly:
		default:
			return SchemaError("", t.Name, "", fmt.Sprintf("unknown direction %q", t.Direction))
		}
	}
	for _, t := range d.Tables {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return SchemaError("", t.Name, "", fmt.Sprintf("depends on %q which is not in the scope", dep))
			}
		}
	}
	_, err := d.Ordered()
	return err
}

// Ordered returns the tables parents-first. Ties keep declaration order so
// the result is deterministic.
func (d ScopeDefinition) Ordered() ([]TableSpec, error) {
	index := make(map[string]int, len(d.Tables))
	for i, t := range d.Tables {
		index[t.Name] = i
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(d.Tables))
	out := make([]TableSpec, 0, len(d.Tables))

	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w at table %s", ErrDependencyCycle, d.Tables[i].Name)
		}
		state[i] = visiting
		for _, dep := range d.Tables[i].DependsOn {
			j, ok := index[dep]
			if !ok {
				continue
			}
			if err := visit(j); err != nil {
				return err
			}
		}
		state[i] = done
		out = append(out, d.Tables[i])
		return nil
	}

	for i := range d.Tables {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Equal reports whether two definitions describe the same scope
func (d ScopeDefinition) Equal(o ScopeDefinition) bool {
	if d.Name != o.Name || d.Version != o.Version || len(d.Tables) != len(o.Tables) {
		return false
	}
	for i := range d.Tables {
		a, b := d.Tables[i], o.Tables[i]
		if a.Name != b.Name || a.PrimaryKey != b.PrimaryKey || a.normalizedDirection() != b.normalizedDirection() {
			return false
		}
		if !slices.Equal(a.Columns, b.Columns) || !slices.Equal(a.DependsOn, b.DependsOn) {
			return false
		}
		if len(a.Filter) != len(b.Filter) || (len(a.Filter) > 0 && !reflect.DeepEqual(a.Filter, b.Filter)) {
			return false
		}
	}
	return true
}

func (t TableSpec) normalizedDirection() Direction {
	if t.Direction == "" {
		return Bidirectional
	}
	return t.Direction
}

// ParseScopeYAML parses and validates a scope definition document
func ParseScopeYAML(data []byte) (*ScopeDefinition, error) {
	var def ScopeDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse scope: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scope %q: %w", def.Name, err)
	}
	return &def, nil
}

// LoadScopeFile reads a scope definition from a YAML file
func LoadScopeFile(path string) (*ScopeDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scope file: %w", err)
	}
	return ParseScopeYAML(data)
}
