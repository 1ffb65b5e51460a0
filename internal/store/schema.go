// ABOUTME: Table schema registry: the built-in default schema and schemas loaded from YAML.
package store

import (
	"fmt"
	"os"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultSchemaName names the built-in table schema matching the tables
// created by the embedded migrations.
const DefaultSchemaName = "default"

// TableSchema describes the columns the reader uses in a data table or an
// additional table: the primary key, the payload column returned to callers
// and, optionally, the timestamp column the timestamp filter compares against.
type TableSchema struct {
	Name       string   `yaml:"name"`
	PrimaryKey []string `yaml:"primary_key"`
	Payload    string   `yaml:"payload"`
	Timestamp  string   `yaml:"timestamp,omitempty"`
}

// Columns returns every column the schema requires to exist.
func (t TableSchema) Columns() []string {
	cols := append([]string{}, t.PrimaryKey...)
	cols = append(cols, t.Payload)
	if t.Timestamp != "" {
		cols = append(cols, t.Timestamp)
	}
	return cols
}

func (t TableSchema) validate() error {
	if t.Name == "" {
		return fmt.Errorf("table schema without name")
	}
	if len(t.PrimaryKey) == 0 {
		return fmt.Errorf("table schema %q: no primary key columns", t.Name)
	}
	if t.Payload == "" {
		return fmt.Errorf("table schema %q: no payload column", t.Name)
	}
	return nil
}

// Compatible reports whether a and b declare the same primary key column
// set. Tables are joined on their primary keys, so this is the only
// requirement for reading them together.
func Compatible(a, b TableSchema) bool {
	ka := slices.Clone(a.PrimaryKey)
	kb := slices.Clone(b.PrimaryKey)
	sort.Strings(ka)
	sort.Strings(kb)
	return slices.Equal(ka, kb)
}

// Schemas is a registry of table schemas by name.
type Schemas map[string]TableSchema

// DefaultSchemas returns a registry holding only the built-in schema.
func DefaultSchemas() Schemas {
	return Schemas{
		DefaultSchemaName: {
			Name:       DefaultSchemaName,
			PrimaryKey: []string{"doc_id"},
			Payload:    "content",
			Timestamp:  "updated_at",
		},
	}
}

// Get returns the schema called name.
func (s Schemas) Get(name string) (TableSchema, error) {
	t, ok := s[name]
	if !ok {
		return TableSchema{}, fmt.Errorf("%w: unknown table schema %q", ErrSchema, name)
	}
	return t, nil
}

type schemaFile struct {
	Schemas []TableSchema `yaml:"schemas"`
}

// LoadSchemas reads additional table schemas from a YAML file of the form
//
//	schemas:
//	  - name: medline
//	    primary_key: [pmid]
//	    payload: xml
//	    timestamp: updated_at
//
// and returns them merged over the built-in schemas.
func LoadSchemas(path string) (Schemas, error) {
	reg := DefaultSchemas()
	if path == "" {
		return reg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read table schemas: %w", err)
	}
	var f schemaFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse table schemas %s: %w", path, err)
	}
	for _, t := range f.Schemas {
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("table schemas %s: %w", path, err)
		}
		reg[t.Name] = t
	}
	return reg, nil
}
