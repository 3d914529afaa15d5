package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/asyncdb/internal/schema"
)

// SQLite is the dialect for github.com/mattn/go-sqlite3.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

// Rebind is the identity: sqlite accepts '?' natively.
func (SQLite) Rebind(query string) string { return query }

func (SQLite) ColumnType(c schema.Column) string {
	switch c.Type {
	case schema.Integer, schema.Boolean:
		return "INTEGER"
	case schema.Real:
		return "REAL"
	case schema.Blob:
		return "BLOB"
	case schema.Timestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func (d SQLite) CreateTableSQL(t schema.Table) string {
	return createTable(t, d.ColumnType, func(schema.Column) string {
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	})
}

func (SQLite) CreateIndexSQL(t schema.Table, idx schema.Index) string {
	return createIndex(t, idx)
}

func (SQLite) TableColumns(ctx context.Context, q Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	return scanNames(rows)
}

// InitStatements configures each connection for concurrent workers:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func (SQLite) InitStatements() []string {
	return []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
}

func (SQLite) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	var code sqlite3.ErrNo
	if errors.As(err, &code) {
		return code == sqlite3.ErrBusy || code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func (SQLite) open(d Descriptor) (*sql.DB, error) {
	// Each connection to ":memory:" is a separate database.
	if d.Target == ":memory:" && d.PoolSize > 1 {
		return nil, fmt.Errorf("in-memory sqlite requires a pool size of 1, got %d", d.PoolSize)
	}
	return sql.Open("sqlite3", d.Target)
}
