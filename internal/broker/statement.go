package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/asyncdb/internal/driver"
	"github.com/roach88/asyncdb/internal/sqlbuild"
)

// Builder compiles a statement for a dialect. It must be pure: the cache
// may call it more than once on a concurrent first use and keeps one result.
type Builder func(d driver.Dialect) (string, error)

// Build adapts a sqlbuild statement into a Builder.
func Build(stmt sqlbuild.Statement) Builder {
	return func(d driver.Dialect) (string, error) {
		return sqlbuild.Compile(stmt, d)
	}
}

// Template is a compiled, immutable statement.
type Template struct {
	Name string
	SQL  string
}

// StatementCache maps statement names to templates for one broker. Entries
// are created on first use and dropped only when the broker closes.
type StatementCache struct {
	mu      sync.RWMutex
	entries map[string]Template
}

func newStatementCache() *StatementCache {
	return &StatementCache{entries: make(map[string]Template)}
}

// GetOrCompile returns the template cached under name, building it with
// build if absent. Two concurrent first uses may both build; the first
// stored result wins and later calls never build again.
func (c *StatementCache) GetOrCompile(name string, d driver.Dialect, build Builder) (Template, error) {
	c.mu.RLock()
	t, ok := c.entries[name]
	c.mu.RUnlock()
	if ok {
		return t, nil
	}

	if build == nil {
		return Template{}, fmt.Errorf("statement %q: no builder", name)
	}
	query, err := build(d)
	if err != nil {
		return Template{}, fmt.Errorf("compile statement %q: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[name]; ok {
		return existing, nil
	}
	t = Template{Name: name, SQL: query}
	c.entries[name] = t
	return t, nil
}

// Lookup returns the cached template for name, if any.
func (c *StatementCache) Lookup(name string) (Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.entries[name]
	return t, ok
}

// Len returns the number of cached templates.
func (c *StatementCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Reset drops every entry.
func (c *StatementCache) Reset() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// Statement is a cached template prepared on the current transaction.
type Statement struct {
	Template
	stmt *sql.Stmt
}

// Exec binds args and executes.
func (s *Statement) Exec(ctx context.Context, args ...any) (sql.Result, error) {
	res, err := s.stmt.ExecContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	return res, nil
}

// Query binds args and returns the rows. Callers close them.
func (s *Statement) Query(ctx context.Context, args ...any) (*sql.Rows, error) {
	rows, err := s.stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	return rows, nil
}

// QueryRow binds args for a zero-or-one row query.
func (s *Statement) QueryRow(ctx context.Context, args ...any) *Row {
	return &Row{name: s.Name, row: s.stmt.QueryRowContext(ctx, args...)}
}

// Row is the result of a zero-or-one row query.
type Row struct {
	name string
	row  *sql.Row
}

// Scan copies the row into dest. No row is not an error: Scan returns
// found=false and a nil error.
func (r *Row) Scan(dest ...any) (found bool, err error) {
	err = r.row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", r.name, err)
	}
	return true, nil
}
