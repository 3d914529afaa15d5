package driver

import (
	"database/sql"
	"strings"

	"github.com/roach88/asyncdb/internal/schema"
)

// serialFunc renders the full definition of an auto-increment primary key.
type serialFunc func(c schema.Column) string

func createTable(t schema.Table, typ func(schema.Column) string, serial serialFunc) string {
	pk := t.PrimaryKey()
	inlinePK := len(pk) == 1

	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(t.Name)
	b.WriteString(" (")
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.Name)
		b.WriteByte(' ')
		switch {
		case c.AutoIncrement:
			b.WriteString(serial(c))
		case c.PrimaryKey && inlinePK:
			b.WriteString(typ(c))
			b.WriteString(" PRIMARY KEY")
		default:
			b.WriteString(typ(c))
		}
		if c.NotNull && !c.PrimaryKey {
			b.WriteString(" NOT NULL")
		}
		if c.Unique && !c.PrimaryKey {
			b.WriteString(" UNIQUE")
		}
		if c.Default != nil {
			b.WriteString(" DEFAULT ")
			b.WriteString(*c.Default)
		}
	}
	if len(pk) > 1 {
		b.WriteString(", PRIMARY KEY (")
		b.WriteString(strings.Join(pk, ", "))
		b.WriteByte(')')
	}
	b.WriteByte(')')
	return b.String()
}

func createIndex(t schema.Table, idx schema.Index) string {
	var b strings.Builder
	b.WriteString("CREATE ")
	if idx.Unique {
		b.WriteString("UNIQUE ")
	}
	b.WriteString("INDEX IF NOT EXISTS ")
	b.WriteString(idx.Name)
	b.WriteString(" ON ")
	b.WriteString(t.Name)
	b.WriteString(" (")
	b.WriteString(strings.Join(idx.Columns, ", "))
	b.WriteByte(')')
	return b.String()
}

func scanNames(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
