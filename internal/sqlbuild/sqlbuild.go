// Package sqlbuild builds parameterized statement templates.
//
// Builders never see values: every condition and assignment compiles to a
// placeholder, and the caller binds arguments when the cached statement
// executes. Compile emits '?' placeholders and then lets the dialect rebind
// them, so one builder serves every engine.
//
// Every Select carries an ORDER BY so that result order is deterministic.
// Without an explicit OrderBy the first selected column is used.
package sqlbuild

import (
	"fmt"
	"strings"

	"github.com/roach88/asyncdb/internal/driver"
	"github.com/roach88/asyncdb/internal/schema"
)

// Statement is anything that compiles to '?'-placeholder SQL.
type Statement interface {
	build() (string, error)
}

// Compile renders stmt for dialect d.
func Compile(stmt Statement, d driver.Dialect) (string, error) {
	if stmt == nil {
		return "", fmt.Errorf("cannot compile nil statement")
	}
	sql, err := stmt.build()
	if err != nil {
		return "", err
	}
	return d.Rebind(sql), nil
}

// Op is a comparison operator.
type Op string

const (
	Eq   Op = "="
	Ne   Op = "<>"
	Lt   Op = "<"
	Le   Op = "<="
	Gt   Op = ">"
	Ge   Op = ">="
	Like Op = "LIKE"
	In   Op = "IN"
)

// Cond is a single column predicate. Conditions in a Where list are ANDed.
type Cond struct {
	Column string
	Op     Op
	N      int // number of placeholders for In
}

// EqCond is shorthand for column = ?.
func EqCond(column string) Cond {
	return Cond{Column: column, Op: Eq}
}

// InCond is shorthand for column IN (?, ...) with n placeholders.
func InCond(column string, n int) Cond {
	return Cond{Column: column, Op: In, N: n}
}

// Order is one ORDER BY term.
type Order struct {
	Column string
	Desc   bool
}

// Asc orders by column ascending.
func Asc(column string) Order { return Order{Column: column} }

// Desc orders by column descending.
func Desc(column string) Order { return Order{Column: column, Desc: true} }

// Select reads columns from a table.
type Select struct {
	From    string
	Columns []string // empty means *
	Where   []Cond
	OrderBy []Order
	Limit   int
}

func (s Select) build() (string, error) {
	if err := checkIdents(s.From, s.Columns...); err != nil {
		return "", fmt.Errorf("select: %w", err)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	if len(s.Columns) == 0 {
		b.WriteString("*")
	} else {
		b.WriteString(strings.Join(s.Columns, ", "))
	}
	b.WriteString(" FROM ")
	b.WriteString(s.From)

	if err := writeWhere(&b, s.Where); err != nil {
		return "", fmt.Errorf("select: %w", err)
	}

	order := s.OrderBy
	if len(order) == 0 && len(s.Columns) > 0 {
		order = []Order{Asc(s.Columns[0])}
	}
	if len(order) > 0 {
		b.WriteString(" ORDER BY ")
		for i, o := range order {
			if !schema.IsIdent(o.Column) {
				return "", fmt.Errorf("select: invalid order column %q", o.Column)
			}
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(o.Column)
			if o.Desc {
				b.WriteString(" DESC")
			} else {
				b.WriteString(" ASC")
			}
		}
	}

	if s.Limit < 0 {
		return "", fmt.Errorf("select: negative limit")
	}
	if s.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", s.Limit)
	}
	return b.String(), nil
}

// Insert adds a row. OnConflict names the conflict target; with DoNothing
// conflicting rows are skipped, otherwise the Update columns are overwritten
// from the proposed row.
type Insert struct {
	Into       string
	Columns    []string
	OnConflict []string
	DoNothing  bool
	Update     []string
}

func (s Insert) build() (string, error) {
	if err := checkIdents(s.Into, s.Columns...); err != nil {
		return "", fmt.Errorf("insert: %w", err)
	}
	if len(s.Columns) == 0 {
		return "", fmt.Errorf("insert: no columns")
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(s.Into)
	b.WriteString(" (")
	b.WriteString(strings.Join(s.Columns, ", "))
	b.WriteString(") VALUES (")
	b.WriteString(placeholders(len(s.Columns)))
	b.WriteByte(')')

	if len(s.OnConflict) == 0 {
		if s.DoNothing || len(s.Update) > 0 {
			return "", fmt.Errorf("insert: conflict action without conflict target")
		}
		return b.String(), nil
	}
	if err := checkIdents(s.Into, s.OnConflict...); err != nil {
		return "", fmt.Errorf("insert: %w", err)
	}
	b.WriteString(" ON CONFLICT (")
	b.WriteString(strings.Join(s.OnConflict, ", "))
	b.WriteString(")")

	switch {
	case s.DoNothing:
		b.WriteString(" DO NOTHING")
	case len(s.Update) > 0:
		if err := checkIdents(s.Into, s.Update...); err != nil {
			return "", fmt.Errorf("insert: %w", err)
		}
		b.WriteString(" DO UPDATE SET ")
		for i, col := range s.Update {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = excluded.%s", col, col)
		}
	default:
		return "", fmt.Errorf("insert: conflict target without action")
	}
	return b.String(), nil
}

// Update assigns Set columns in rows matching Where.
type Update struct {
	Table string
	Set   []string
	Where []Cond
}

func (s Update) build() (string, error) {
	if err := checkIdents(s.Table, s.Set...); err != nil {
		return "", fmt.Errorf("update: %w", err)
	}
	if len(s.Set) == 0 {
		return "", fmt.Errorf("update: no columns to set")
	}

	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(s.Table)
	b.WriteString(" SET ")
	for i, col := range s.Set {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(col)
		b.WriteString(" = ?")
	}
	if err := writeWhere(&b, s.Where); err != nil {
		return "", fmt.Errorf("update: %w", err)
	}
	return b.String(), nil
}

// Delete removes rows matching Where. An empty Where deletes every row.
type Delete struct {
	From  string
	Where []Cond
}

func (s Delete) build() (string, error) {
	if err := checkIdents(s.From); err != nil {
		return "", fmt.Errorf("delete: %w", err)
	}
	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(s.From)
	if err := writeWhere(&b, s.Where); err != nil {
		return "", fmt.Errorf("delete: %w", err)
	}
	return b.String(), nil
}

// Raw is a hand-written statement passed through unchanged apart from
// placeholder rebinding.
type Raw string

func (s Raw) build() (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", fmt.Errorf("raw: empty statement")
	}
	return string(s), nil
}

func writeWhere(b *strings.Builder, conds []Cond) error {
	for i, c := range conds {
		if !schema.IsIdent(c.Column) {
			return fmt.Errorf("invalid column %q", c.Column)
		}
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		b.WriteString(c.Column)
		switch c.Op {
		case Eq, Ne, Lt, Le, Gt, Ge, Like:
			b.WriteByte(' ')
			b.WriteString(string(c.Op))
			b.WriteString(" ?")
		case In:
			if c.N <= 0 {
				return fmt.Errorf("IN on %s needs at least one placeholder", c.Column)
			}
			b.WriteString(" IN (")
			b.WriteString(placeholders(c.N))
			b.WriteByte(')')
		default:
			return fmt.Errorf("unsupported operator %q", c.Op)
		}
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func checkIdents(table string, cols ...string) error {
	if !schema.IsIdent(table) {
		return fmt.Errorf("invalid table %q", table)
	}
	for _, c := range cols {
		if !schema.IsIdent(c) {
			return fmt.Errorf("invalid column %q", c)
		}
	}
	return nil
}
