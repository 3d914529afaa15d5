// Package schema declares the tables a broker sets up during startup.
//
// A Table is a plain value: columns, an optional composite primary key, and
// indexes. Dialects in internal/driver turn it into DDL; the broker compares
// it against what already exists so that setup is idempotent.
package schema

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Type is a logical column type. Dialects map it to concrete SQL types.
type Type string

const (
	Text      Type = "text"
	Integer   Type = "integer"
	Real      Type = "real"
	Blob      Type = "blob"
	Boolean   Type = "boolean"
	Timestamp Type = "timestamp"
)

var validTypes = []Type{Text, Integer, Real, Blob, Boolean, Timestamp}

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsIdent reports whether s is safe to splice into SQL as an identifier.
func IsIdent(s string) bool {
	return identRE.MatchString(s)
}

// Column declares one table column.
type Column struct {
	Name          string  `yaml:"name"`
	Type          Type    `yaml:"type"`
	Size          int     `yaml:"size,omitempty"` // max length for text; 0 = unbounded
	PrimaryKey    bool    `yaml:"primary_key,omitempty"`
	AutoIncrement bool    `yaml:"auto_increment,omitempty"`
	NotNull       bool    `yaml:"not_null,omitempty"`
	Unique        bool    `yaml:"unique,omitempty"`
	Default       *string `yaml:"default,omitempty"` // raw SQL literal
}

// Index declares a secondary index.
type Index struct {
	Name    string   `yaml:"name"`
	Columns []string `yaml:"columns"`
	Unique  bool     `yaml:"unique,omitempty"`
}

// Table declares a table and its indexes.
type Table struct {
	Name    string   `yaml:"name"`
	Columns []Column `yaml:"columns"`
	Indexes []Index  `yaml:"indexes,omitempty"`
}

// Col is shorthand for a nullable column of the given type.
func Col(name string, typ Type) Column {
	return Column{Name: name, Type: typ}
}

// PK marks the column as part of the primary key.
func (c Column) PK() Column {
	c.PrimaryKey = true
	return c
}

// Required marks the column NOT NULL.
func (c Column) Required() Column {
	c.NotNull = true
	return c
}

// WithSize bounds a text column.
func (c Column) WithSize(n int) Column {
	c.Size = n
	return c
}

// Serial marks an integer primary key as auto-incrementing.
func (c Column) Serial() Column {
	c.PrimaryKey = true
	c.AutoIncrement = true
	return c
}

// New builds a table from columns. Indexes can be appended with WithIndex.
func New(name string, cols ...Column) Table {
	return Table{Name: name, Columns: cols}
}

// WithIndex returns a copy of t with a non-unique index on cols.
func (t Table) WithIndex(name string, cols ...string) Table {
	t.Indexes = append(slices.Clone(t.Indexes), Index{Name: name, Columns: cols})
	return t
}

// WithUnique returns a copy of t with a unique index on cols.
func (t Table) WithUnique(name string, cols ...string) Table {
	t.Indexes = append(slices.Clone(t.Indexes), Index{Name: name, Columns: cols, Unique: true})
	return t
}

// PrimaryKey returns the names of the primary key columns in declaration order.
func (t Table) PrimaryKey() []string {
	var pk []string
	for _, c := range t.Columns {
		if c.PrimaryKey {
			pk = append(pk, c.Name)
		}
	}
	return pk
}

// ColumnNames returns all column names in declaration order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Column looks up a column by name.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Equal reports whether two table declarations are identical.
func (t Table) Equal(o Table) bool {
	if t.Name != o.Name || len(t.Columns) != len(o.Columns) || len(t.Indexes) != len(o.Indexes) {
		return false
	}
	for i := range t.Columns {
		a, b := t.Columns[i], o.Columns[i]
		if a.Name != b.Name || a.Type != b.Type || a.Size != b.Size ||
			a.PrimaryKey != b.PrimaryKey || a.AutoIncrement != b.AutoIncrement ||
			a.NotNull != b.NotNull || a.Unique != b.Unique {
			return false
		}
		if (a.Default == nil) != (b.Default == nil) || (a.Default != nil && *a.Default != *b.Default) {
			return false
		}
	}
	for i := range t.Indexes {
		a, b := t.Indexes[i], o.Indexes[i]
		if a.Name != b.Name || a.Unique != b.Unique || !slices.Equal(a.Columns, b.Columns) {
			return false
		}
	}
	return true
}

// Validate checks identifiers, types, and index references.
func (t Table) Validate() error {
	if !identRE.MatchString(t.Name) {
		return fmt.Errorf("invalid table name %q", t.Name)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %q: no columns", t.Name)
	}

	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if !identRE.MatchString(c.Name) {
			return fmt.Errorf("table %q: invalid column name %q", t.Name, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("table %q: duplicate column %q", t.Name, c.Name)
		}
		seen[c.Name] = true
		if !slices.Contains(validTypes, c.Type) {
			return fmt.Errorf("table %q: column %q has unknown type %q", t.Name, c.Name, c.Type)
		}
		if c.Size < 0 {
			return fmt.Errorf("table %q: column %q has negative size", t.Name, c.Name)
		}
	}

	pk := t.PrimaryKey()
	for _, c := range t.Columns {
		if !c.AutoIncrement {
			continue
		}
		if c.Type != Integer || len(pk) != 1 || pk[0] != c.Name {
			return fmt.Errorf("table %q: auto_increment requires a single integer primary key, got column %q", t.Name, c.Name)
		}
	}

	indexNames := make(map[string]bool, len(t.Indexes))
	for _, idx := range t.Indexes {
		if !identRE.MatchString(idx.Name) {
			return fmt.Errorf("table %q: invalid index name %q", t.Name, idx.Name)
		}
		if indexNames[idx.Name] {
			return fmt.Errorf("table %q: duplicate index %q", t.Name, idx.Name)
		}
		indexNames[idx.Name] = true
		if len(idx.Columns) == 0 {
			return fmt.Errorf("table %q: index %q has no columns", t.Name, idx.Name)
		}
		for _, col := range idx.Columns {
			if !seen[col] {
				return fmt.Errorf("table %q: index %q references unknown column %q", t.Name, idx.Name, col)
			}
		}
	}
	return nil
}

// Missing returns declared columns absent from existing. An empty result
// means an existing table is compatible with t. Names compare without case,
// as unquoted SQL identifiers do.
func (t Table) Missing(existing []string) []string {
	var missing []string
	for _, c := range t.Columns {
		if !slices.ContainsFunc(existing, func(name string) bool { return strings.EqualFold(name, c.Name) }) {
			missing = append(missing, c.Name)
		}
	}
	return missing
}
