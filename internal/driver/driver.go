// Package driver is the boundary between the broker and database/sql.
//
// A Descriptor names one logical database target. Open turns it into a DB
// whose Connect hands out dedicated connections, one per broker worker, each
// initialized with the dialect's per-connection statements. The Dialect
// carries everything that differs between engines: placeholder style, DDL,
// table introspection, and which driver errors are worth retrying.
package driver

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"errors"
	"fmt"

	"github.com/roach88/asyncdb/internal/schema"
)

// Descriptor names a database target and how many connections to keep.
type Descriptor struct {
	Driver   string // "sqlite" or "postgres"
	Target   string // file path for sqlite, connection string for postgres
	User     string
	Password string
	PoolSize int
}

// Querier is the read surface shared by *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Dialect describes one database engine.
type Dialect interface {
	// Name is the descriptor driver name ("sqlite", "postgres").
	Name() string

	// Rebind rewrites '?' placeholders into the engine's native form.
	Rebind(query string) string

	// ColumnType maps a logical column to its SQL type.
	ColumnType(c schema.Column) string

	// CreateTableSQL returns the DDL that creates t.
	CreateTableSQL(t schema.Table) string

	// CreateIndexSQL returns the DDL that creates idx on t if absent.
	CreateIndexSQL(t schema.Table, idx schema.Index) string

	// TableColumns lists the columns of an existing table, or nil if the
	// table does not exist.
	TableColumns(ctx context.Context, q Querier, table string) ([]string, error)

	// InitStatements run on every new connection before first use.
	InitStatements() []string

	// IsTransient reports whether err is a lock/busy/serialization failure
	// that may succeed if the transaction is retried.
	IsTransient(err error) bool

	open(d Descriptor) (*sql.DB, error)
}

// Lookup returns the dialect registered under name.
func Lookup(name string) (Dialect, error) {
	switch name {
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	case "postgres", "postgresql", "pgx":
		return Postgres{}, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", name)
	}
}

// DB is an opened target.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open validates d, opens the pool, and verifies it with a ping.
func Open(ctx context.Context, d Descriptor) (*DB, error) {
	dialect, err := Lookup(d.Driver)
	if err != nil {
		return nil, err
	}
	if d.Target == "" {
		return nil, fmt.Errorf("descriptor has no target")
	}
	if d.PoolSize <= 0 {
		d.PoolSize = 1
	}

	db, err := dialect.open(d)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Workers pin their connections; the pool never needs more.
	db.SetMaxOpenConns(d.PoolSize)
	db.SetMaxIdleConns(d.PoolSize)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &DB{DB: db, Dialect: dialect}, nil
}

// Connect reserves a dedicated connection and applies the dialect's init
// statements to it.
func (db *DB) Connect(ctx context.Context) (*sql.Conn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection: %w", err)
	}
	for _, stmt := range db.Dialect.InitStatements() {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}
	return conn, nil
}

// IsConnectionLost reports whether err means the connection is unusable.
func IsConnectionLost(err error) bool {
	return errors.Is(err, sqldriver.ErrBadConn) || errors.Is(err, sql.ErrConnDone)
}
